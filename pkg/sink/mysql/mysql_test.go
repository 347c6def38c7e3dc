package mysql

import (
	"testing"
	"time"

	"github.com/user/mqttrelay/internal/model"
)

func TestBuildInsertUpdateMode(t *testing.T) {
	d := &Dispatcher{opts: Options{OnConflict: ConflictUpdate}.withDefaults()}
	cols, err := d.quotedColumns()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stmt := d.buildInsert("`parsed_points`", cols)
	if !contains(stmt, "ON DUPLICATE KEY UPDATE") {
		t.Errorf("expected ON DUPLICATE KEY UPDATE clause, got %q", stmt)
	}
}

func TestBuildInsertIgnoreMode(t *testing.T) {
	d := &Dispatcher{opts: Options{OnConflict: ConflictIgnore}.withDefaults()}
	cols, _ := d.quotedColumns()
	stmt := d.buildInsert("`parsed_points`", cols)
	if !contains(stmt, "INSERT IGNORE INTO") {
		t.Errorf("expected INSERT IGNORE, got %q", stmt)
	}
}

func TestRowFlattensOneOfValue(t *testing.T) {
	d := &Dispatcher{opts: Options{}.withDefaults()}
	num := 12.3
	row := d.row(model.ParsedPoint{DeviceID: 42, MetricID: 7, TS: time.Now(), NumValue: &num, Unit: "C"})
	if row[3] != 12.3 {
		t.Errorf("expected flattened value 12.3, got %v", row[3])
	}
}

func TestRowRemapsDeviceAndMetricIDFromMeta(t *testing.T) {
	d := &Dispatcher{opts: Options{}.withDefaults()}
	num := 1.0
	p := model.ParsedPoint{
		DeviceID: 42, MetricID: 7, TS: time.Now(), NumValue: &num,
		Meta: []byte(`{"devices":{"42":9001},"metrics":{"7":9002}}`),
	}
	row := d.row(p)
	if row[0] != int64(9001) {
		t.Errorf("expected remapped device_id 9001, got %v", row[0])
	}
	if row[1] != int64(9002) {
		t.Errorf("expected remapped metric_id 9002, got %v", row[1])
	}
}

func TestRowLeavesIDsUnchangedWithoutMatchingMeta(t *testing.T) {
	d := &Dispatcher{opts: Options{}.withDefaults()}
	num := 1.0
	p := model.ParsedPoint{
		DeviceID: 42, MetricID: 7, TS: time.Now(), NumValue: &num,
		Meta: []byte(`{"devices":{"99":9001}}`),
	}
	row := d.row(p)
	if row[0] != int64(42) {
		t.Errorf("expected untouched device_id 42, got %v", row[0])
	}
	if row[1] != int64(7) {
		t.Errorf("expected untouched metric_id 7, got %v", row[1])
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
