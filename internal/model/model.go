// Package model holds the persistent entity types of the relay, mirroring
// the tables named in the database schema: client, device, device_type,
// mqtt_topic, mqtt_message, parser, routing_rule, route_deposit,
// client_destination, extraction, parsed_point, dispatch, crypto_config,
// crypto_key, job.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientPaused   ClientStatus = "paused"
	ClientDisabled ClientStatus = "disabled"
)

type Client struct {
	ID     int64        `db:"id"`
	Slug   string       `db:"slug"`
	Name   string       `db:"name"`
	Status ClientStatus `db:"status"`
}

type DeviceType struct {
	ID             int64           `db:"id"`
	Vendor         string          `db:"vendor"`
	Model          string          `db:"model"`
	Kind           string          `db:"kind"`
	Capabilities   json.RawMessage `db:"capabilities"`
	PayloadSchema  json.RawMessage `db:"payload_schema"`
	Defaults       json.RawMessage `db:"defaults"`
}

type Device struct {
	ID             int64  `db:"id"`
	ClientID       *int64 `db:"client_id"`
	DeviceTypeID   int64  `db:"device_type_id"`
	Topic          *string `db:"topic"`
	EmissionRateMS int64  `db:"emission_rate_ms"`
	Working        bool   `db:"working"`
	Installed      bool   `db:"installed"`
}

type MqttTopic struct {
	ID        int64  `db:"id"`
	Topic     string `db:"topic"`
	ClientID  *int64 `db:"client_id"`
	DeviceID  *int64 `db:"device_id"`
	QoSDefault int   `db:"qos_default"`
	Active    bool   `db:"active"`
}

type MqttMessage struct {
	ID        int64      `db:"id"`
	Client    string     `db:"client"`
	Topic     string     `db:"topic"`
	Payload   []byte     `db:"payload"`
	QoS       byte       `db:"qos"`
	At        time.Time  `db:"at"`
	Processed bool       `db:"processed"`
	Processor *uuid.UUID `db:"processor"`
}

type ParserLanguage string

const (
	ParserLangPython ParserLanguage = "python"
	ParserLangJS     ParserLanguage = "js"
	ParserLangBash   ParserLanguage = "bash"
)

type Parser struct {
	ID           int64           `db:"id"`
	Name         string          `db:"name"`
	Version      string          `db:"version"`
	Language     ParserLanguage  `db:"language"`
	ConfigSchema json.RawMessage `db:"config_schema"`
	Active       bool            `db:"active"`
}

type RoutingRule struct {
	ID            uuid.UUID       `db:"id"`
	ClientID      int64           `db:"client_id"`
	TopicID       *int64          `db:"topic_id"`
	DeviceID      *int64          `db:"device_id"`
	ParserID      int64           `db:"parser_id"`
	ParserConfig  json.RawMessage `db:"parser_config"`
	Active        bool            `db:"active"`
	Priority      int             `db:"priority"`
	Conditions    json.RawMessage `db:"conditions"`
	CreatedAt     time.Time       `db:"created_at"`
}

type DestinationType string

const (
	DestMySQL    DestinationType = "mysql"
	DestPostgres DestinationType = "postgres"
	DestHTTP     DestinationType = "http"
	DestKafka    DestinationType = "kafka"
	DestFile     DestinationType = "file"
	DestOther    DestinationType = "other"
)

type ClientDestination struct {
	ID                int64           `db:"id"`
	ClientID          int64           `db:"client_id"`
	Type              DestinationType `db:"type"`
	Host              string          `db:"host"`
	Port              int             `db:"port"`
	DB                string          `db:"db"`
	User              string          `db:"user"`
	PasswordEnc       []byte          `db:"password_enc"`
	EncryptionVersion string          `db:"encryption_version"`
	URI               string          `db:"uri"`
	Options           json.RawMessage `db:"options"`
	Active            bool            `db:"active"`
}

// RouteDeposit is a (rule, destination) fan-out pair; composite primary key.
type RouteDeposit struct {
	RuleID        uuid.UUID `db:"rule_id"`
	DestinationID int64     `db:"destination_id"`
}

type Extraction struct {
	ID             uuid.UUID       `db:"id"`
	MessageID      int64           `db:"message_id"`
	ParserID       int64           `db:"parser_id"`
	ParserConfig   json.RawMessage `db:"parser_config"`
	ParsedAt       time.Time       `db:"parsed_at"`
	Success        bool            `db:"success"`
	ErrorText      string          `db:"error_text"`
	ExtractedCount int             `db:"extracted_count"`
}

// ParsedPoint carries exactly one of NumValue/StrValue/BoolValue/JSONValue
// non-nil — the "heterogeneous value column" modeled as a tagged variant.
type ParsedPoint struct {
	ID           int64     `db:"id"`
	ExtractionID uuid.UUID `db:"extraction_id"`
	DeviceID     int64     `db:"device_id"`
	MetricID     int64     `db:"metric_id"`
	TS           time.Time `db:"ts"`

	NumValue  *float64 `db:"num_value"`
	StrValue  *string  `db:"str_value"`
	BoolValue *bool    `db:"bool_value"`
	JSONValue *string  `db:"json_value"`

	Unit    string `db:"unit"`
	Quality string `db:"quality"`
	Meta    json.RawMessage `db:"meta_json"`
}

type DispatchStatus string

const (
	DispatchQueued   DispatchStatus = "queued"
	DispatchRetrying DispatchStatus = "retrying"
	DispatchSent     DispatchStatus = "sent"
	DispatchFailed   DispatchStatus = "failed"
	DispatchDead     DispatchStatus = "dead"
)

type Dispatch struct {
	ID              uuid.UUID      `db:"id"`
	ExtractionID    uuid.UUID      `db:"extraction_id"`
	DestinationID   int64          `db:"destination_id"`
	RuleID          uuid.UUID      `db:"rule_id"`
	Status          DispatchStatus `db:"status"`
	HTTPStatus      *int           `db:"http_status"`
	ResponseSnippet string         `db:"response_snippet"`
	Attempts        int            `db:"attempts"`
	NextRetryAt     *time.Time     `db:"next_retry_at"`
	SentAt          *time.Time     `db:"sent_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

type CryptoConfig struct {
	ID        int64  `db:"id"`
	Algorithm string `db:"algorithm"`
	KeySource string `db:"key_source"`
	KeyID     string `db:"key_id"`
	IVBytes   int    `db:"iv_bytes"`
	TagBytes  int    `db:"tag_bytes"`
	Encoding  string `db:"encoding"`
	Version   int    `db:"version"`
}

type CryptoKey struct {
	KeyID     string    `db:"key_id"`
	Version   int       `db:"version"`
	Material  string    `db:"material"` // 32 bytes, base64 or hex encoded
	UpdatedAt time.Time `db:"updated_at"`
}

type JobState string

const (
	JobIdle    JobState = "IDLE"
	JobRunning JobState = "RUNNING"
)

type Job struct {
	Name          string    `db:"name"`
	State         JobState  `db:"state"`
	LastStateAt   time.Time `db:"last_state_update"`
	LastExitCode  int       `db:"last_exit_code"`
}

// Metric is part of the device-type catalog referenced by ParsedPoint's
// metric_id and carries the unit copied onto each point.
type Metric struct {
	ID          int64  `db:"id"`
	Key         string `db:"key_name"`
	DefaultUnit string `db:"default_unit"`
}
