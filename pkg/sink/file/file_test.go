package file

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/user/mqttrelay/internal/model"
)

func TestDispatchAppendsOneLinePerPoint(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "relay-test-*.log")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())
	tmpfile.Close()

	d, err := Open(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	num := 12.3
	points := []model.ParsedPoint{
		{DeviceID: 42, MetricID: 7, TS: time.Now(), NumValue: &num, Unit: "C"},
	}
	result, err := d.Dispatch(t.Context(), points)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != model.DispatchSent {
		t.Errorf("expected sent, got %v", result.Status)
	}

	content, err := os.ReadFile(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), `"device_id":42`) {
		t.Errorf("expected device_id 42 in output, got %s", content)
	}
	if strings.Count(string(content), "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", content)
	}
}
