// Package sql is the relay's storage layer: a thin database/sql wrapper
// that translates placeholders between drivers, retries on SQLite's
// transient "database is locked" error, and owns the schema for every
// entity in the data model.
package sql

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store wraps a database/sql handle plus the driver name needed to
// translate '?' placeholders and a few type names (BLOB/BYTEA, REAL/DOUBLE
// PRECISION) between SQLite/MySQL and Postgres.
type Store struct {
	db     *sql.DB
	driver string
}

func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, driver: driver}, nil
}

func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

// prepareQuery rewrites parameter placeholders and a couple of type names
// to match the active driver. Query text is always written against the
// SQLite/MySQL '?' dialect with BLOB/REAL column types.
func (s *Store) prepareQuery(query string) string {
	q := s.preparePlaceholders(query)
	if s.driver == "pgx" || s.driver == "postgres" {
		q = strings.ReplaceAll(q, "BLOB", "BYTEA")
		q = strings.ReplaceAll(q, "REAL", "DOUBLE PRECISION")
	}
	return q
}

func (s *Store) preparePlaceholders(query string) string {
	switch s.driver {
	case "pgx", "postgres":
		var b strings.Builder
		b.Grow(len(query) + 8)
		idx := 1
		for i := 0; i < len(query); i++ {
			if query[i] == '?' {
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(idx))
				idx++
				continue
			}
			b.WriteByte(query[i])
		}
		return b.String()
	default:
		return query
	}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.prepareQuery(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.prepareQuery(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.prepareQuery(query), args...)
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// execWithRetry retries fn on SQLITE_BUSY with exponential backoff, capped
// at 6 attempts (~1.55s of backoff in total), respecting context cancellation.
func (s *Store) execWithRetry(ctx context.Context, fn func() error) error {
	if err := fn(); err != nil {
		if !isSQLiteBusyError(err) {
			return err
		}
		backoff := 50 * time.Millisecond
		const maxAttempts = 6
		var lastErr error
		for i := 1; i < maxAttempts; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if e := fn(); e == nil {
				return nil
			} else {
				lastErr = e
				if !isSQLiteBusyError(e) {
					return e
				}
			}
			if backoff < 2*time.Second {
				backoff *= 2
				if backoff > 2*time.Second {
					backoff = 2 * time.Second
				}
			}
		}
		return lastErr
	}
	return nil
}

// AutoMigrate creates every table the relay needs if it doesn't already
// exist. It is intentionally additive only — it never drops or alters an
// existing column, mirroring the teacher's migration-light philosophy.
func (s *Store) AutoMigrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS client (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS device_type (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vendor TEXT NOT NULL,
			model TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			capabilities TEXT,
			payload_schema TEXT,
			defaults TEXT,
			UNIQUE(vendor, model)
		)`,
		`CREATE TABLE IF NOT EXISTS mqtt_topic (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL UNIQUE,
			client_id INTEGER,
			device_id INTEGER,
			qos_default INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS device (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER,
			device_type_id INTEGER NOT NULL,
			topic TEXT,
			emission_rate_ms INTEGER NOT NULL DEFAULT 0,
			working INTEGER NOT NULL DEFAULT 1,
			installed INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS metric (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_name TEXT NOT NULL,
			default_unit TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS mqtt_message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			payload BLOB,
			qos INTEGER NOT NULL DEFAULT 0,
			at TIMESTAMP NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			processor TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS parser (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			language TEXT NOT NULL,
			config_schema TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			UNIQUE(name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS routing_rule (
			id TEXT PRIMARY KEY,
			client_id INTEGER NOT NULL,
			topic_id INTEGER,
			device_id INTEGER,
			parser_id INTEGER NOT NULL,
			parser_config TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 100,
			conditions TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS client_destination (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			host TEXT,
			port INTEGER,
			db TEXT,
			user TEXT,
			password_enc BLOB,
			encryption_version TEXT,
			uri TEXT,
			options TEXT,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS route_deposit (
			rule_id TEXT NOT NULL,
			destination_id INTEGER NOT NULL,
			PRIMARY KEY (rule_id, destination_id)
		)`,
		`CREATE TABLE IF NOT EXISTS extraction (
			id TEXT PRIMARY KEY,
			message_id INTEGER NOT NULL,
			parser_id INTEGER NOT NULL,
			parser_config TEXT,
			parsed_at TIMESTAMP NOT NULL,
			success INTEGER NOT NULL,
			error_text TEXT NOT NULL DEFAULT '',
			extracted_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS parsed_point (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			extraction_id TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			metric_id INTEGER NOT NULL,
			ts TIMESTAMP NOT NULL,
			num_value REAL,
			str_value TEXT,
			bool_value INTEGER,
			json_value TEXT,
			unit TEXT,
			quality TEXT NOT NULL DEFAULT 'good',
			meta_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS dispatch (
			id TEXT PRIMARY KEY,
			extraction_id TEXT NOT NULL,
			destination_id INTEGER NOT NULL,
			rule_id TEXT NOT NULL,
			status TEXT NOT NULL,
			http_status INTEGER,
			response_snippet TEXT,
			attempts INTEGER NOT NULL DEFAULT 1,
			next_retry_at TIMESTAMP,
			sent_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(extraction_id, destination_id)
		)`,
		`CREATE TABLE IF NOT EXISTS crypto_config (
			id INTEGER PRIMARY KEY,
			algorithm TEXT NOT NULL,
			key_source TEXT NOT NULL,
			key_id TEXT NOT NULL,
			iv_bytes INTEGER NOT NULL DEFAULT 12,
			tag_bytes INTEGER NOT NULL DEFAULT 16,
			encoding TEXT NOT NULL DEFAULT 'base64',
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS crypto_key (
			key_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			material TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (key_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS job (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'IDLE',
			last_state_update TIMESTAMP,
			last_exit_code INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
