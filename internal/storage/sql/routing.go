package sql

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/user/mqttrelay/internal/model"
)

// CandidateRules returns every active routing rule whose client_id/topic_id
// match and whose device_id is either NULL or the message's device, per
// spec §4.3 step 2. Condition evaluation and tie-breaking happen one layer
// up, in the processor, since they need the evaluator and don't belong in
// the storage layer.
func (s *Store) CandidateRules(ctx context.Context, clientID, topicID int64, deviceID *int64) ([]model.RoutingRule, error) {
	var rows *sql.Rows
	var err error
	if deviceID != nil {
		rows, err = s.query(ctx,
			`SELECT id, client_id, topic_id, device_id, parser_id, parser_config, active, priority, conditions, created_at
			 FROM routing_rule
			 WHERE active = 1 AND client_id = ? AND topic_id = ? AND (device_id IS NULL OR device_id = ?)`,
			clientID, topicID, *deviceID)
	} else {
		rows, err = s.query(ctx,
			`SELECT id, client_id, topic_id, device_id, parser_id, parser_config, active, priority, conditions, created_at
			 FROM routing_rule
			 WHERE active = 1 AND client_id = ? AND topic_id = ? AND device_id IS NULL`,
			clientID, topicID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RoutingRule
	for rows.Next() {
		var r model.RoutingRule
		var idStr string
		if err := rows.Scan(&idStr, &r.ClientID, &r.TopicID, &r.DeviceID, &r.ParserID, &r.ParserConfig, &r.Active, &r.Priority, &r.Conditions, &r.CreatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		r.ID = id
		out = append(out, r)
	}
	return out, rows.Err()
}

// DepositsForRule returns the destinations a rule fans out to.
func (s *Store) DepositsForRule(ctx context.Context, ruleID uuid.UUID) ([]model.ClientDestination, error) {
	rows, err := s.query(ctx,
		`SELECT d.id, d.client_id, d.type, d.host, d.port, d.db, d.user, d.password_enc, d.encryption_version, d.uri, d.options, d.active
		 FROM route_deposit rd JOIN client_destination d ON d.id = rd.destination_id
		 WHERE rd.rule_id = ? AND d.active = 1`,
		ruleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ClientDestination
	for rows.Next() {
		var d model.ClientDestination
		if err := rows.Scan(&d.ID, &d.ClientID, &d.Type, &d.Host, &d.Port, &d.DB, &d.User, &d.PasswordEnc, &d.EncryptionVersion, &d.URI, &d.Options, &d.Active); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DestinationByID(ctx context.Context, id int64) (*model.ClientDestination, error) {
	row := s.queryRow(ctx,
		`SELECT id, client_id, type, host, port, db, user, password_enc, encryption_version, uri, options, active
		 FROM client_destination WHERE id = ?`, id)
	var d model.ClientDestination
	if err := row.Scan(&d.ID, &d.ClientID, &d.Type, &d.Host, &d.Port, &d.DB, &d.User, &d.PasswordEnc, &d.EncryptionVersion, &d.URI, &d.Options, &d.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}
