// Package mysql implements the relay's MySQL dispatcher contract (spec
// §4.5): upsert parsed points into a destination table under one of three
// conflict modes, with device_id/metric_id optionally remapped via the
// extraction's meta_json.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/pkg/sqlutil"
)

type ConflictMode string

const (
	ConflictIgnore ConflictMode = "ignore"
	ConflictUpdate ConflictMode = "update"
	ConflictError  ConflictMode = "error"
)

// Options mirrors the MySQL dispatcher's option surface (spec §4.5).
type Options struct {
	Table        string            `json:"table"`
	ColumnMap    map[string]string `json:"column_map"` // source key -> destination column
	ConflictKeys []string          `json:"conflict_keys"`
	OnConflict   ConflictMode      `json:"on_conflict"`
	BatchSize    int               `json:"batch_size"`
}

func (o Options) withDefaults() Options {
	if o.Table == "" {
		o.Table = "parsed_points"
	}
	if len(o.ConflictKeys) == 0 {
		o.ConflictKeys = []string{"device_id", "key_name", "ts"}
	}
	if o.OnConflict == "" {
		o.OnConflict = ConflictUpdate
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.ColumnMap == nil {
		o.ColumnMap = map[string]string{
			"device_id": "device_id", "key_name": "key_name", "ts": "ts",
			"value": "value", "unit": "unit",
		}
	}
	return o
}

// Dispatcher writes parsed points to a MySQL table.
type Dispatcher struct {
	db   *sql.DB
	opts Options
}

func Open(dsn string, opts Options) (*Dispatcher, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{db: db, opts: opts.withDefaults()}, nil
}

func (d *Dispatcher) Asynchronous() bool { return false }

// Dispatch implements relay.Dispatcher. One transaction per batch; rollback
// on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, points []model.ParsedPoint) (relay.DispatchResult, error) {
	if len(points) == 0 {
		return relay.DispatchResult{Status: model.DispatchSent, ResponseSnippet: "no points to send"}, nil
	}

	table, err := sqlutil.QuoteIdent("mysql", d.opts.Table)
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchFailed}, err
	}

	cols, err := d.quotedColumns()
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchFailed}, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchRetrying, Transient: true}, err
	}
	defer tx.Rollback()

	stmt := d.buildInsert(table, cols)

	var inserted, updated, ignored int64
	for start := 0; start < len(points); start += d.opts.BatchSize {
		end := start + d.opts.BatchSize
		if end > len(points) {
			end = len(points)
		}
		for _, p := range points[start:end] {
			row := d.row(p)
			res, err := tx.ExecContext(ctx, stmt, row...)
			if err != nil {
				snippet := summarize(err)
				if d.opts.OnConflict == ConflictError {
					return relay.DispatchResult{Status: model.DispatchFailed, ResponseSnippet: snippet}, err
				}
				return relay.DispatchResult{Status: model.DispatchRetrying, ResponseSnippet: snippet, Transient: isTransient(err)}, err
			}
			rc, _ := res.RowsAffected()
			switch d.opts.OnConflict {
			case ConflictIgnore:
				// INSERT IGNORE: rowcount is 1 for an insert, 0 for an ignored duplicate.
				if rc > 0 {
					inserted++
				} else {
					ignored++
				}
			case ConflictUpdate:
				// ON DUPLICATE KEY UPDATE: MySQL reports 1 per insert, 2 per
				// update, 0 when the update is a no-op.
				switch rc {
				case 1:
					inserted++
				case 2:
					updated++
				default:
					ignored++
				}
			default:
				inserted++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return relay.DispatchResult{Status: model.DispatchRetrying, Transient: true}, err
	}

	snippet := fmt.Sprintf("table=%s; rows=%d; inserted=%d; updated=%d; ignored=%d; mode=%s",
		d.opts.Table, len(points), inserted, updated, ignored, d.opts.OnConflict)
	return relay.DispatchResult{Status: model.DispatchSent, ResponseSnippet: snippet}, nil
}

func (d *Dispatcher) quotedColumns() ([]string, error) {
	order := []string{"device_id", "key_name", "ts", "value", "unit"}
	cols := make([]string, 0, len(order))
	for _, k := range order {
		dest, ok := d.opts.ColumnMap[k]
		if !ok {
			continue
		}
		q, err := sqlutil.QuoteIdent("mysql", dest)
		if err != nil {
			return nil, err
		}
		cols = append(cols, q)
	}
	return cols, nil
}

func (d *Dispatcher) buildInsert(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	base := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	switch d.opts.OnConflict {
	case ConflictIgnore:
		return strings.Replace(base, "INSERT INTO", "INSERT IGNORE INTO", 1)
	case ConflictUpdate:
		updates := make([]string, 0, len(cols))
		for _, c := range cols {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
		return base + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	default:
		return base
	}
}

// row flattens one parsed point into the (device_id, key_name, ts, value,
// unit) tuple, normalizing a trailing-Z timestamp to UTC, collapsing the
// one-of value columns into a single "value", and rewriting device_id/
// metric_id through the extraction's meta_json remap tables when present
// (spec §4.5).
func (d *Dispatcher) row(p model.ParsedPoint) []interface{} {
	var value interface{}
	switch {
	case p.NumValue != nil:
		value = *p.NumValue
	case p.BoolValue != nil:
		value = *p.BoolValue
	case p.StrValue != nil:
		value = *p.StrValue
	case p.JSONValue != nil:
		value = *p.JSONValue
	}
	deviceID, metricID := remapIDs(p)
	return []interface{}{deviceID, metricID, p.TS.UTC().Format(time.RFC3339), value, p.Unit}
}

// pointMeta is the subset of a parsed point's meta_json the mysql dispatcher
// understands: ID-remap tables keyed by the point's original string ID.
type pointMeta struct {
	Devices map[string]int64 `json:"devices"`
	Metrics map[string]int64 `json:"metrics"`
}

func remapIDs(p model.ParsedPoint) (int64, int64) {
	deviceID, metricID := p.DeviceID, p.MetricID
	if len(p.Meta) == 0 {
		return deviceID, metricID
	}
	var meta pointMeta
	if err := json.Unmarshal(p.Meta, &meta); err != nil {
		return deviceID, metricID
	}
	if v, ok := meta.Devices[strconv.FormatInt(p.DeviceID, 10)]; ok {
		deviceID = v
	}
	if v, ok := meta.Metrics[strconv.FormatInt(p.MetricID, 10)]; ok {
		metricID = v
	}
	return deviceID, metricID
}

func summarize(err error) string {
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "lock wait")
}
