// Package http implements a destination dispatcher that sends parsed points
// as a JSON array to a configured URL (POST unless Options.Method is set).
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
)

type Options struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = http.MethodPost
	}
	if o.Timeout == 0 {
		o.Timeout = 15 * time.Second
	}
	return o
}

type pointDTO struct {
	DeviceID int64       `json:"device_id"`
	MetricID int64       `json:"metric_id"`
	TS       time.Time   `json:"ts"`
	Value    interface{} `json:"value"`
	Unit     string      `json:"unit,omitempty"`
	Quality  string      `json:"quality,omitempty"`
}

// Dispatcher sends a JSON array of points to Options.URL with Options.Method.
type Dispatcher struct {
	opts   Options
	client *http.Client
}

func New(opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{opts: opts, client: &http.Client{Timeout: opts.Timeout}}
}

func (d *Dispatcher) Asynchronous() bool { return false }

func (d *Dispatcher) Dispatch(ctx context.Context, points []model.ParsedPoint) (relay.DispatchResult, error) {
	body, err := json.Marshal(toDTOs(points))
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchFailed}, err
	}

	req, err := http.NewRequestWithContext(ctx, d.opts.Method, d.opts.URL, bytes.NewReader(body))
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchFailed}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchRetrying, Transient: true}, err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return relay.DispatchResult{Status: model.DispatchSent, HTTPStatus: &status}, nil
	}
	transient := status >= 500 || status == http.StatusTooManyRequests
	result := relay.DispatchResult{
		Status:          model.DispatchRetrying,
		HTTPStatus:      &status,
		ResponseSnippet: fmt.Sprintf("HTTP %d", status),
		Transient:       transient,
	}
	if !transient {
		result.Status = model.DispatchFailed
	}
	return result, fmt.Errorf("dispatch: destination returned HTTP %d", status)
}

func toDTOs(points []model.ParsedPoint) []pointDTO {
	out := make([]pointDTO, 0, len(points))
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
		out = append(out, pointDTO{
			DeviceID: p.DeviceID, MetricID: p.MetricID, TS: p.TS, Value: v, Unit: p.Unit, Quality: p.Quality,
		})
	}
	return out
}
