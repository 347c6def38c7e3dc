package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/mqttrelay/internal/model"
)

func TestDispatchSendsJSONArray(t *testing.T) {
	var received []pointDTO
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Options{URL: srv.URL})
	num := 12.3
	points := []model.ParsedPoint{{DeviceID: 42, MetricID: 7, TS: time.Now(), NumValue: &num, Unit: "C"}}

	result, err := d.Dispatch(t.Context(), points)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != model.DispatchSent {
		t.Errorf("expected sent, got %v", result.Status)
	}
	if len(received) != 1 || received[0].Value.(float64) != 12.3 {
		t.Errorf("unexpected payload received: %+v", received)
	}
}

func TestDispatchTreatsServerErrorAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(Options{URL: srv.URL})
	result, err := d.Dispatch(t.Context(), []model.ParsedPoint{{DeviceID: 1, MetricID: 1, TS: time.Now()}})
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
	if result.Status != model.DispatchRetrying || !result.Transient {
		t.Errorf("expected a transient retrying result, got %+v", result)
	}
}

func TestDispatchTreatsClientErrorAsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New(Options{URL: srv.URL})
	result, err := d.Dispatch(t.Context(), []model.ParsedPoint{{DeviceID: 1, MetricID: 1, TS: time.Now()}})
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if result.Status != model.DispatchFailed || result.Transient {
		t.Errorf("expected a permanent failed result, got %+v", result)
	}
}
