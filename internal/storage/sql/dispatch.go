package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/user/mqttrelay/internal/model"
)

// InsertDispatch records a fan-out attempt. The UNIQUE(extraction_id,
// destination_id) constraint makes this idempotent: a retried pipeline run
// for the same extraction and destination collides rather than double
// dispatching (spec §8 testable property: idempotent dispatch).
func (s *Store) InsertDispatch(ctx context.Context, d model.Dispatch) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx,
			`INSERT INTO dispatch (id, extraction_id, destination_id, rule_id, status, http_status, response_snippet, attempts, next_retry_at, sent_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID.String(), d.ExtractionID.String(), d.DestinationID, d.RuleID.String(), d.Status,
			d.HTTPStatus, d.ResponseSnippet, d.Attempts, d.NextRetryAt, d.SentAt, d.CreatedAt, d.UpdatedAt)
		return err
	})
}

// DispatchByExtractionAndDestination finds an already-recorded attempt, used
// to detect the unique-constraint collision path as an idempotent no-op
// rather than an error.
func (s *Store) DispatchByExtractionAndDestination(ctx context.Context, extractionID uuid.UUID, destinationID int64) (*model.Dispatch, error) {
	row := s.queryRow(ctx,
		`SELECT id, extraction_id, destination_id, rule_id, status, http_status, response_snippet, attempts, next_retry_at, sent_at, created_at, updated_at
		 FROM dispatch WHERE extraction_id = ? AND destination_id = ?`,
		extractionID.String(), destinationID)
	var d model.Dispatch
	var nextRetry, sentAt sql.NullTime
	if err := row.Scan(&d.ID, &d.ExtractionID, &d.DestinationID, &d.RuleID, &d.Status, &d.HTTPStatus, &d.ResponseSnippet, &d.Attempts, &nextRetry, &sentAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.NextRetryAt = scanTime(nextRetry)
	d.SentAt = scanTime(sentAt)
	return &d, nil
}

// UpdateDispatchStatus transitions a dispatch's state machine
// (queued -> {sent | retrying -> {sent|dead} | failed}, spec §4.5).
func (s *Store) UpdateDispatchStatus(ctx context.Context, id uuid.UUID, status model.DispatchStatus, httpStatus *int, snippet string, nextRetryAt *time.Time) error {
	now := timeNow()
	var sentAt *time.Time
	if status == model.DispatchSent {
		sentAt = &now
	}
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx,
			`UPDATE dispatch SET status = ?, http_status = ?, response_snippet = ?, attempts = attempts + 1, next_retry_at = ?, sent_at = COALESCE(?, sent_at), updated_at = ? WHERE id = ?`,
			status, httpStatus, snippet, nextRetryAt, sentAt, now, id.String())
		return err
	})
}

// DispatchesForExtraction lists every fan-out attempt recorded for one
// extraction, used by the retry sweep to tell whether every deposit has now
// reached a terminal success so the originating message can be marked
// processed.
func (s *Store) DispatchesForExtraction(ctx context.Context, extractionID uuid.UUID) ([]model.Dispatch, error) {
	rows, err := s.query(ctx,
		`SELECT id, extraction_id, destination_id, rule_id, status, http_status, response_snippet, attempts, next_retry_at, sent_at, created_at, updated_at
		 FROM dispatch WHERE extraction_id = ?`, extractionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Dispatch
	for rows.Next() {
		var d model.Dispatch
		var nextRetry, sentAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.ExtractionID, &d.DestinationID, &d.RuleID, &d.Status, &d.HTTPStatus, &d.ResponseSnippet, &d.Attempts, &nextRetry, &sentAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.NextRetryAt = scanTime(nextRetry)
		d.SentAt = scanTime(sentAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DueForRetry returns dispatches in the retrying state whose next_retry_at
// has elapsed.
func (s *Store) DueForRetry(ctx context.Context, limit int) ([]model.Dispatch, error) {
	rows, err := s.query(ctx,
		`SELECT id, extraction_id, destination_id, rule_id, status, http_status, response_snippet, attempts, next_retry_at, sent_at, created_at, updated_at
		 FROM dispatch WHERE status = ? AND next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`,
		model.DispatchRetrying, timeNow(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Dispatch
	for rows.Next() {
		var d model.Dispatch
		var nextRetry, sentAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.ExtractionID, &d.DestinationID, &d.RuleID, &d.Status, &d.HTTPStatus, &d.ResponseSnippet, &d.Attempts, &nextRetry, &sentAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.NextRetryAt = scanTime(nextRetry)
		d.SentAt = scanTime(sentAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func timeNow() time.Time { return time.Now().UTC() }
