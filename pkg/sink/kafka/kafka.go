// Package kafka implements a destination dispatcher that produces one JSON
// message per parsed point, keyed by device_id so a partitioned consumer
// sees every point for a device in order.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
)

type Options struct {
	Brokers  []string
	Topic    string
	Username string
	Password string
}

type pointDTO struct {
	DeviceID int64       `json:"device_id"`
	MetricID int64       `json:"metric_id"`
	TS       time.Time   `json:"ts"`
	Value    interface{} `json:"value"`
	Unit     string      `json:"unit,omitempty"`
	Quality  string      `json:"quality,omitempty"`
}

type Dispatcher struct {
	writer *kafka.Writer
}

func New(opts Options) *Dispatcher {
	var transport *kafka.Transport
	if opts.Username != "" {
		transport = &kafka.Transport{SASL: plain.Mechanism{Username: opts.Username, Password: opts.Password}}
	}
	return &Dispatcher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Topic:                  opts.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			Transport:              transport,
		},
	}
}

func (d *Dispatcher) Asynchronous() bool { return false }

func (d *Dispatcher) Dispatch(ctx context.Context, points []model.ParsedPoint) (relay.DispatchResult, error) {
	msgs := make([]kafka.Message, 0, len(points))
	for _, p := range points {
		var v interface{}
		switch {
		case p.NumValue != nil:
			v = *p.NumValue
		case p.BoolValue != nil:
			v = *p.BoolValue
		case p.StrValue != nil:
			v = *p.StrValue
		case p.JSONValue != nil:
			v = *p.JSONValue
		}
		body, err := json.Marshal(pointDTO{DeviceID: p.DeviceID, MetricID: p.MetricID, TS: p.TS, Value: v, Unit: p.Unit, Quality: p.Quality})
		if err != nil {
			return relay.DispatchResult{Status: model.DispatchFailed}, err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(p.DeviceID, 10)),
			Value: body,
		})
	}

	if err := d.writer.WriteMessages(ctx, msgs...); err != nil {
		return relay.DispatchResult{Status: model.DispatchRetrying, Transient: true}, err
	}
	return relay.DispatchResult{Status: model.DispatchSent}, nil
}

func (d *Dispatcher) Close() error {
	return d.writer.Close()
}
