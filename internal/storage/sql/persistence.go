package sql

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/user/mqttrelay/internal/model"
)

// InsertExtraction records one parse attempt against a message.
func (s *Store) InsertExtraction(ctx context.Context, e model.Extraction) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx,
			`INSERT INTO extraction (id, message_id, parser_id, parser_config, parsed_at, success, error_text, extracted_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.MessageID, e.ParserID, e.ParserConfig, e.ParsedAt, e.Success, e.ErrorText, e.ExtractedCount)
		return err
	})
}

// InsertParsedPoints bulk-persists every value the parser extracted from one
// message, each a tagged-variant row (exactly one of Num/Str/Bool/JSONValue
// set — see model.ParsedPoint).
func (s *Store) InsertParsedPoints(ctx context.Context, points []model.ParsedPoint) error {
	if len(points) == 0 {
		return nil
	}
	return s.execWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt := s.prepareQuery(
			`INSERT INTO parsed_point (extraction_id, device_id, metric_id, ts, num_value, str_value, bool_value, json_value, unit, quality, meta_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, p := range points {
			if _, err := tx.ExecContext(ctx, stmt,
				p.ExtractionID.String(), p.DeviceID, p.MetricID, p.TS,
				p.NumValue, p.StrValue, p.BoolValue, p.JSONValue,
				p.Unit, p.Quality, p.Meta); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ExtractionByID looks up one parse attempt, used by the retry sweep to
// recover the originating message_id once every dispatch for it settles.
func (s *Store) ExtractionByID(ctx context.Context, id uuid.UUID) (*model.Extraction, error) {
	row := s.queryRow(ctx,
		`SELECT id, message_id, parser_id, parser_config, parsed_at, success, error_text, extracted_count
		 FROM extraction WHERE id = ?`, id.String())
	var e model.Extraction
	if err := row.Scan(&e.ID, &e.MessageID, &e.ParserID, &e.ParserConfig, &e.ParsedAt, &e.Success, &e.ErrorText, &e.ExtractedCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// ParsedPointsForExtraction re-reads the points persisted for one
// extraction; the retry sweep uses it to rebuild the batch it re-dispatches.
func (s *Store) ParsedPointsForExtraction(ctx context.Context, extractionID uuid.UUID) ([]model.ParsedPoint, error) {
	rows, err := s.query(ctx,
		`SELECT id, extraction_id, device_id, metric_id, ts, num_value, str_value, bool_value, json_value, unit, quality, meta_json
		 FROM parsed_point WHERE extraction_id = ?`, extractionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ParsedPoint
	for rows.Next() {
		var p model.ParsedPoint
		if err := rows.Scan(&p.ID, &p.ExtractionID, &p.DeviceID, &p.MetricID, &p.TS, &p.NumValue, &p.StrValue, &p.BoolValue, &p.JSONValue, &p.Unit, &p.Quality, &p.Meta); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
