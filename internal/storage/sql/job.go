package sql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/user/mqttrelay/internal/model"
)

// ErrJobAlreadyRunning is returned by AcquireJob when the named job is
// already RUNNING; callers should treat it as a no-op exit(0), not a
// failure (spec §4.6).
var ErrJobAlreadyRunning = errors.New("job: already running")

// AcquireJob implements the singleton Job lifecycle guard: it reads the
// current state and, if IDLE (or the row doesn't exist yet), atomically
// flips it to RUNNING. The UPDATE's WHERE clause re-checks state=IDLE so
// two processes racing to acquire the same job name never both succeed.
func (s *Store) AcquireJob(ctx context.Context, name string) error {
	return s.execWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var state string
		err = tx.QueryRowContext(ctx, s.prepareQuery(`SELECT state FROM job WHERE name = ?`), name).Scan(&state)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, s.prepareQuery(
				`INSERT INTO job (name, state, last_state_update, last_exit_code) VALUES (?, 'RUNNING', ?, 0)`),
				name, timeNow()); err != nil {
				return err
			}
			return tx.Commit()
		case err != nil:
			return err
		}

		if state == "RUNNING" {
			return ErrJobAlreadyRunning
		}

		res, err := tx.ExecContext(ctx, s.prepareQuery(
			`UPDATE job SET state = 'RUNNING', last_state_update = ? WHERE name = ? AND state = 'IDLE'`),
			timeNow(), name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrJobAlreadyRunning
		}
		return tx.Commit()
	})
}

// JobStatus reads the named job row for inspection (relayctl status).
func (s *Store) JobStatus(ctx context.Context, name string) (*model.Job, error) {
	row := s.queryRow(ctx, `SELECT name, state, last_state_update, last_exit_code FROM job WHERE name = ?`, name)
	var j model.Job
	if err := row.Scan(&j.Name, &j.State, &j.LastStateAt, &j.LastExitCode); err != nil {
		return nil, err
	}
	return &j, nil
}

// ReleaseJob transitions the job back to IDLE and records the exit code:
// 0 success, 1 unhandled error, 2 partial failure.
func (s *Store) ReleaseJob(ctx context.Context, name string, exitCode int) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx,
			`UPDATE job SET state = 'IDLE', last_state_update = ?, last_exit_code = ? WHERE name = ?`,
			timeNow(), exitCode, name)
		return err
	})
}
