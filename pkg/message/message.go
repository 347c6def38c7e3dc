// Package message builds the evaluation context the rule DSL runs against,
// and carries a few JSON sanitization helpers shared with the dispatchers.
package message

import (
	"encoding/json"
	"reflect"

	"github.com/google/uuid"
	"github.com/user/mqttrelay/internal/model"
)

// SanitizeValue converts special types (UUIDs, fixed 16-byte arrays that
// look like UUIDs) into JSON-friendly strings so they survive a round trip
// through json.Marshal/gjson untouched.
func SanitizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case string, int, int32, int64, float32, float64, bool, uint32, uint64:
		return v
	case uuid.UUID:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
		return SanitizeValue(rv.Interface())
	}
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() == 16 && rv.Type().Elem().Kind() == reflect.Uint8 {
		var b [16]byte
		if rv.Kind() == reflect.Slice {
			copy(b[:], rv.Bytes())
		} else {
			for i := 0; i < 16; i++ {
				b[i] = uint8(rv.Index(i).Uint())
			}
		}
		if u, err := uuid.FromBytes(b[:]); err == nil {
			return u.String()
		}
	}
	return v
}

// SanitizeMap sanitizes every value in m in place and returns it.
func SanitizeMap(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = SanitizeValue(v)
	}
	return m
}

// Context is the message-context shape the rule DSL evaluates against:
// {"topic": ..., "message": {...}, "payload": ..., "device": {...},
// "device_type": {...}}. It is built once per inbound message and reused
// across every candidate routing rule.
type Context struct {
	Topic      string                 `json:"topic"`
	Message    MessageFields          `json:"message"`
	Payload    interface{}            `json:"payload"`
	Device     map[string]interface{} `json:"device,omitempty"`
	DeviceType map[string]interface{} `json:"device_type,omitempty"`
}

type MessageFields struct {
	QoS        int    `json:"qos"`
	Retain     bool   `json:"retain"`
	ReceivedAt string `json:"received_at"`
}

// BuildContext decodes msg.Payload as JSON when possible (falling back to
// the raw string), and folds in the device/device-type catalog rows so the
// DSL can reference device.* and device_type.* paths.
func BuildContext(msg model.MqttMessage, device *model.Device, deviceType *model.DeviceType) Context {
	ctx := Context{
		Topic: msg.Topic,
		Message: MessageFields{
			QoS:        int(msg.QoS),
			ReceivedAt: msg.At.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
		Payload: DecodePayload(msg.Payload),
	}
	if device != nil {
		ctx.Device = map[string]interface{}{
			"id":               device.ID,
			"emission_rate_ms": device.EmissionRateMS,
			"working":          device.Working,
			"installed":        device.Installed,
		}
	}
	if deviceType != nil {
		ctx.DeviceType = map[string]interface{}{
			"vendor": deviceType.Vendor,
			"model":  deviceType.Model,
			"kind":   deviceType.Kind,
		}
	}
	return ctx
}

// AsMap renders the context for the evaluator, which marshals whatever map
// it's handed via encoding/json.
func (c Context) AsMap() map[string]interface{} {
	b, err := json.Marshal(c)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

// DecodePayload decodes raw as JSON when it parses as one; otherwise it is
// returned as a UTF-8 string (matching §4.4 step 5: "Payload is decoded as
// JSON if it is a string and parses as JSON; otherwise passed through").
func DecodePayload(raw []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
