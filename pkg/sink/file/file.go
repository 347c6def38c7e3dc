// Package file implements a destination dispatcher that appends one
// newline-delimited JSON record per parsed point to a local file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
)

type pointDTO struct {
	DeviceID int64       `json:"device_id"`
	MetricID int64       `json:"metric_id"`
	TS       time.Time   `json:"ts"`
	Value    interface{} `json:"value"`
	Unit     string      `json:"unit,omitempty"`
	Quality  string      `json:"quality,omitempty"`
}

type Dispatcher struct {
	file *os.File
	mu   sync.Mutex
}

func Open(filename string) (*Dispatcher, error) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file dispatcher: open %s: %w", filename, err)
	}
	return &Dispatcher{file: f}, nil
}

func (d *Dispatcher) Asynchronous() bool { return false }

func (d *Dispatcher) Dispatch(ctx context.Context, points []model.ParsedPoint) (relay.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

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
		line, err := json.Marshal(pointDTO{DeviceID: p.DeviceID, MetricID: p.MetricID, TS: p.TS, Value: v, Unit: p.Unit, Quality: p.Quality})
		if err != nil {
			return relay.DispatchResult{Status: model.DispatchFailed}, err
		}
		if _, err := d.file.Write(append(line, '\n')); err != nil {
			return relay.DispatchResult{Status: model.DispatchFailed}, fmt.Errorf("file dispatcher: write: %w", err)
		}
	}
	return relay.DispatchResult{Status: model.DispatchSent}, nil
}

func (d *Dispatcher) Close() error {
	return d.file.Close()
}
