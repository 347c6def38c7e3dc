package message

import (
	"testing"
	"time"

	"github.com/user/mqttrelay/internal/model"
)

func TestBuildContextDecodesJSONPayload(t *testing.T) {
	msg := model.MqttMessage{
		Topic:   "farm1/weather/node3",
		Payload: []byte(`{"battery": 3.2, "alarms": ["LOW_BATT"]}`),
		QoS:     1,
		At:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	ctx := BuildContext(msg, nil, nil)
	m := ctx.AsMap()

	payload, ok := m["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected payload to decode as a map, got %#v", m["payload"])
	}
	if payload["battery"] != 3.2 {
		t.Errorf("expected battery 3.2, got %v", payload["battery"])
	}
	msgFields, ok := m["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message fields, got %#v", m["message"])
	}
	if msgFields["qos"] != float64(1) {
		t.Errorf("expected qos 1, got %v", msgFields["qos"])
	}
}

func TestBuildContextPassesThroughNonJSONPayload(t *testing.T) {
	msg := model.MqttMessage{
		Topic:   "farm1/weather/node3",
		Payload: []byte("not-json"),
		At:      time.Now(),
	}
	ctx := BuildContext(msg, nil, nil)
	if ctx.Payload != "not-json" {
		t.Errorf("expected raw string passthrough, got %v", ctx.Payload)
	}
}

func TestBuildContextFoldsDeviceAndDeviceType(t *testing.T) {
	device := &model.Device{ID: 42, Working: true, Installed: true}
	deviceType := &model.DeviceType{Vendor: "acme", Model: "weather-v3", Kind: "sensor"}
	msg := model.MqttMessage{Topic: "t", Payload: []byte("{}"), At: time.Now()}

	ctx := BuildContext(msg, device, deviceType)
	m := ctx.AsMap()

	dev, ok := m["device"].(map[string]interface{})
	if !ok || dev["id"] != float64(42) {
		t.Errorf("expected device.id=42, got %#v", m["device"])
	}
	dt, ok := m["device_type"].(map[string]interface{})
	if !ok || dt["vendor"] != "acme" {
		t.Errorf("expected device_type.vendor=acme, got %#v", m["device_type"])
	}
}

func TestSanitizeValuePassesThroughPlainFloat(t *testing.T) {
	got := SanitizeValue(3.14)
	if got != 3.14 {
		t.Errorf("expected passthrough for plain float, got %v", got)
	}
}
