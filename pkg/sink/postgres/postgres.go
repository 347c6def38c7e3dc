// Package postgres implements the relay's Postgres dispatcher: the MySQL
// dispatcher's conflict modes (spec §4.5), expressed with Postgres's
// ON CONFLICT syntax and pgx's stdlib driver. Unlike the MySQL dispatcher, it
// writes device_id/metric_id as parsed; meta_json remap tables are not applied.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

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

type Options struct {
	Table        string            `json:"table"`
	ColumnMap    map[string]string `json:"column_map"`
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

type Dispatcher struct {
	db   *sql.DB
	opts Options
}

func Open(dsn string, opts Options) (*Dispatcher, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{db: db, opts: opts.withDefaults()}, nil
}

func (d *Dispatcher) Asynchronous() bool { return false }

func (d *Dispatcher) Dispatch(ctx context.Context, points []model.ParsedPoint) (relay.DispatchResult, error) {
	if len(points) == 0 {
		return relay.DispatchResult{Status: model.DispatchSent}, nil
	}

	table, err := sqlutil.QuoteIdent("pgx", d.opts.Table)
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchFailed}, err
	}
	cols, err := d.quotedColumns()
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchFailed}, err
	}
	conflictCols, err := d.quotedConflictKeys()
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchFailed}, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return relay.DispatchResult{Status: model.DispatchRetrying, Transient: true}, err
	}
	defer tx.Rollback()

	for start := 0; start < len(points); start += d.opts.BatchSize {
		end := start + d.opts.BatchSize
		if end > len(points) {
			end = len(points)
		}
		for _, p := range points[start:end] {
			stmt := d.buildInsert(table, cols, conflictCols)
			if _, err := tx.ExecContext(ctx, stmt, d.row(p)...); err != nil {
				snippet := summarize(err)
				if d.opts.OnConflict == ConflictError {
					return relay.DispatchResult{Status: model.DispatchFailed, ResponseSnippet: snippet}, err
				}
				return relay.DispatchResult{Status: model.DispatchRetrying, ResponseSnippet: snippet, Transient: isTransient(err)}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return relay.DispatchResult{Status: model.DispatchRetrying, Transient: true}, err
	}
	return relay.DispatchResult{Status: model.DispatchSent}, nil
}

func (d *Dispatcher) quotedColumns() ([]string, error) {
	order := []string{"device_id", "key_name", "ts", "value", "unit"}
	cols := make([]string, 0, len(order))
	for _, k := range order {
		dest, ok := d.opts.ColumnMap[k]
		if !ok {
			continue
		}
		q, err := sqlutil.QuoteIdent("pgx", dest)
		if err != nil {
			return nil, err
		}
		cols = append(cols, q)
	}
	return cols, nil
}

func (d *Dispatcher) quotedConflictKeys() ([]string, error) {
	out := make([]string, 0, len(d.opts.ConflictKeys))
	for _, k := range d.opts.ConflictKeys {
		dest := d.opts.ColumnMap[k]
		if dest == "" {
			dest = k
		}
		q, err := sqlutil.QuoteIdent("pgx", dest)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (d *Dispatcher) buildInsert(table string, cols, conflictCols []string) string {
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	base := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	switch d.opts.OnConflict {
	case ConflictIgnore:
		return base + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))
	case ConflictUpdate:
		updates := make([]string, 0, len(cols))
		for _, c := range cols {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
		return base + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflictCols, ", "), strings.Join(updates, ", "))
	default:
		return base
	}
}

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
	return []interface{}{p.DeviceID, p.MetricID, p.TS.UTC().Format(time.RFC3339), value, p.Unit}
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
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadlock")
}
