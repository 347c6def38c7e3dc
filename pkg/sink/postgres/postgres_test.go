package postgres

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
	conflictCols, err := d.quotedConflictKeys()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stmt := d.buildInsert(`"parsed_points"`, cols, conflictCols)
	if !contains(stmt, "ON CONFLICT") || !contains(stmt, "DO UPDATE SET") {
		t.Errorf("expected ON CONFLICT ... DO UPDATE SET clause, got %q", stmt)
	}
	if !contains(stmt, "$1") {
		t.Errorf("expected $N placeholders, got %q", stmt)
	}
}

func TestBuildInsertIgnoreMode(t *testing.T) {
	d := &Dispatcher{opts: Options{OnConflict: ConflictIgnore}.withDefaults()}
	cols, _ := d.quotedColumns()
	conflictCols, _ := d.quotedConflictKeys()
	stmt := d.buildInsert(`"parsed_points"`, cols, conflictCols)
	if !contains(stmt, "DO NOTHING") {
		t.Errorf("expected DO NOTHING, got %q", stmt)
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
