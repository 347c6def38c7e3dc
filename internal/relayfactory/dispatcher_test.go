package relayfactory_test

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/internal/relayfactory"
	"github.com/user/mqttrelay/pkg/sink/file"
	sinkhttp "github.com/user/mqttrelay/pkg/sink/http"
)

func TestNewDispatcherFileUsesOptionsPathOverURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	dest := model.ClientDestination{
		ID: 1, Type: model.DestFile, URI: "/should/not/be/used",
		Options: []byte(`{"path":"` + path + `"}`),
	}

	d, err := relayfactory.NewDispatcher(dest, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := d.(*file.Dispatcher); !ok {
		t.Fatalf("expected *file.Dispatcher, got %T", d)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected dispatcher to create %s: %v", path, err)
	}
}

func TestNewDispatcherHTTPInjectsBearerHeaderFromPassword(t *testing.T) {
	var gotAuth, gotCustom, gotMethod string
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Client")
		gotMethod = r.Method
		w.WriteHeader(200)
	}))
	defer srv.Close()

	dest := model.ClientDestination{
		ID: 2, Type: model.DestHTTP, URI: srv.URL,
		Options: []byte(`{"method":"PUT","headers":{"X-Client":"farm1"}}`),
	}

	d, err := relayfactory.NewDispatcher(dest, "s3cr3t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := d.(*sinkhttp.Dispatcher); !ok {
		t.Fatalf("expected *http.Dispatcher, got %T", d)
	}

	points := []model.ParsedPoint{{DeviceID: 1, MetricID: 1}}
	if _, err := d.Dispatch(context.Background(), points); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if gotAuth != "Bearer s3cr3t" {
		t.Errorf("expected injected bearer header, got %q", gotAuth)
	}
	if gotCustom != "farm1" {
		t.Errorf("expected preserved custom header, got %q", gotCustom)
	}
	if gotMethod != "PUT" {
		t.Errorf("expected method PUT, got %q", gotMethod)
	}
}

func TestNewDispatcherUnsupportedTypeErrors(t *testing.T) {
	dest := model.ClientDestination{ID: 3, Type: model.DestOther}
	if _, err := relayfactory.NewDispatcher(dest, ""); err == nil {
		t.Error("expected an error for an unsupported destination type")
	}
}
