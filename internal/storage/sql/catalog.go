package sql

import (
	"context"
	"database/sql"

	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/internal/processor/parser"
)

// ClientBySlug resolves the first MQTT topic segment to its Client row.
func (s *Store) ClientBySlug(ctx context.Context, slug string) (*model.Client, error) {
	row := s.queryRow(ctx, `SELECT id, slug, name, status FROM client WHERE slug = ?`, slug)
	var c model.Client
	if err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ClientByID resolves a Client row by its primary key.
func (s *Store) ClientByID(ctx context.Context, id int64) (*model.Client, error) {
	row := s.queryRow(ctx, `SELECT id, slug, name, status FROM client WHERE id = ?`, id)
	var c model.Client
	if err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// TopicByName resolves an MqttTopic row by its exact topic string.
func (s *Store) TopicByName(ctx context.Context, topic string) (*model.MqttTopic, error) {
	row := s.queryRow(ctx, `SELECT id, topic, client_id, device_id, qos_default, active FROM mqtt_topic WHERE topic = ?`, topic)
	var t model.MqttTopic
	if err := row.Scan(&t.ID, &t.Topic, &t.ClientID, &t.DeviceID, &t.QoSDefault, &t.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) DeviceByID(ctx context.Context, id int64) (*model.Device, error) {
	row := s.queryRow(ctx, `SELECT id, client_id, device_type_id, topic, emission_rate_ms, working, installed FROM device WHERE id = ?`, id)
	var d model.Device
	if err := row.Scan(&d.ID, &d.ClientID, &d.DeviceTypeID, &d.Topic, &d.EmissionRateMS, &d.Working, &d.Installed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) DeviceTypeByID(ctx context.Context, id int64) (*model.DeviceType, error) {
	row := s.queryRow(ctx, `SELECT id, vendor, model, kind, capabilities, payload_schema, defaults FROM device_type WHERE id = ?`, id)
	var dt model.DeviceType
	if err := row.Scan(&dt.ID, &dt.Vendor, &dt.Model, &dt.Kind, &dt.Capabilities, &dt.PayloadSchema, &dt.Defaults); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &dt, nil
}

func (s *Store) MetricByID(ctx context.Context, id int64) (*model.Metric, error) {
	row := s.queryRow(ctx, `SELECT id, key_name, default_unit FROM metric WHERE id = ?`, id)
	var m model.Metric
	if err := row.Scan(&m.ID, &m.Key, &m.DefaultUnit); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// MetricByKey resolves a metric catalog row by its external key name, the
// form a parser's output map uses when it doesn't already know the numeric
// metric_id.
func (s *Store) MetricByKey(ctx context.Context, key string) (*model.Metric, error) {
	row := s.queryRow(ctx, `SELECT id, key_name, default_unit FROM metric WHERE key_name = ?`, key)
	var m model.Metric
	if err := row.Scan(&m.ID, &m.Key, &m.DefaultUnit); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ParserByID resolves a parser definition by its primary key.
func (s *Store) ParserByID(ctx context.Context, id int64) (*model.Parser, error) {
	row := s.queryRow(ctx, `SELECT id, name, version, language, config_schema, active FROM parser WHERE id = ?`, id)
	var p model.Parser
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Language, &p.ConfigSchema, &p.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ParserSlug is the content-addressed directory name a parser's code lives
// under: "<name>_<version>".
func ParserSlug(p model.Parser) string {
	return parser.Slug(p.Name, p.Version)
}
