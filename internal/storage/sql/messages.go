package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/user/mqttrelay/internal/model"
)

// InsertMessage persists one raw inbound frame. Implements mqtt.Store.
func (s *Store) InsertMessage(ctx context.Context, msg model.MqttMessage) (int64, error) {
	var id int64
	err := s.execWithRetry(ctx, func() error {
		res, err := s.exec(ctx,
			`INSERT INTO mqtt_message (client, topic, payload, qos, at, processed) VALUES (?, ?, ?, ?, ?, 0)`,
			msg.Client, msg.Topic, msg.Payload, msg.QoS, msg.At)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ClaimUnprocessedMessages selects up to limit unprocessed messages and
// stamps them with processor so concurrent workers don't double-process the
// same row; the claim and the select happen in one write transaction.
func (s *Store) ClaimUnprocessedMessages(ctx context.Context, limit int) ([]model.MqttMessage, error) {
	claimID := uuid.New()
	var claimed []model.MqttMessage

	err := s.execWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, s.prepareQuery(
			`SELECT id, client, topic, payload, qos, at FROM mqtt_message WHERE processed = 0 AND processor IS NULL ORDER BY at ASC LIMIT ?`),
			limit)
		if err != nil {
			return err
		}
		var ids []int64
		claimed = claimed[:0]
		for rows.Next() {
			var m model.MqttMessage
			if err := rows.Scan(&m.ID, &m.Client, &m.Topic, &m.Payload, &m.QoS, &m.At); err != nil {
				rows.Close()
				return err
			}
			m.Processor = &claimID
			claimed = append(claimed, m)
			ids = append(ids, m.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, s.prepareQuery(
				`UPDATE mqtt_message SET processor = ? WHERE id = ? AND processor IS NULL`),
				claimID.String(), id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkProcessed finalizes a message. The processor calls it only once every
// deposit for the message's extraction has been sent (spec §4.4 step 9).
func (s *Store) MarkProcessed(ctx context.Context, messageID int64) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, `UPDATE mqtt_message SET processed = 1 WHERE id = ?`, messageID)
		return err
	})
}

// ReleaseUnprocessed clears the processor claim on a message that is still
// unprocessed, so a later ClaimUnprocessedMessages can pick it up again. The
// processor calls it when a message fails before anything is dispatched.
func (s *Store) ReleaseUnprocessed(ctx context.Context, messageID int64) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, `UPDATE mqtt_message SET processor = NULL WHERE id = ? AND processed = 0`, messageID)
		return err
	})
}

func scanTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
