// Package relayfactory wires ClientDestination rows into the concrete
// Dispatcher the processor uses for each destination type. The parser loader
// lives in internal/processor/parser.
package relayfactory

import (
	"encoding/json"
	"fmt"
	"time"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/pkg/sink/file"
	"github.com/user/mqttrelay/pkg/sink/http"
	"github.com/user/mqttrelay/pkg/sink/kafka"
	"github.com/user/mqttrelay/pkg/sink/mysql"
	"github.com/user/mqttrelay/pkg/sink/postgres"
)

// NewDispatcher builds the Dispatcher named by dest.Type, using the
// already-decrypted destination password. Options embedded in dest.Options
// (JSON) override per-kind defaults (table, conflict keys, headers, etc).
func NewDispatcher(dest model.ClientDestination, password string) (relay.Dispatcher, error) {
	switch dest.Type {
	case model.DestMySQL:
		opts, err := mysqlOptions(dest.Options)
		if err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", dest.User, password, dest.Host, dest.Port, dest.DB)
		return mysql.Open(dsn, opts)
	case model.DestPostgres:
		opts, err := postgresOptions(dest.Options)
		if err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", dest.User, password, dest.Host, dest.Port, dest.DB)
		return postgres.Open(dsn, opts)
	case model.DestHTTP:
		opts, err := httpOptions(dest.Options, dest.URI, password)
		if err != nil {
			return nil, err
		}
		return http.New(opts), nil
	case model.DestKafka:
		opts, err := kafkaOptions(dest.Options, dest.User, password)
		if err != nil {
			return nil, err
		}
		return kafka.New(opts), nil
	case model.DestFile:
		var o struct {
			Path string `json:"path"`
		}
		if len(dest.Options) > 0 {
			if err := json.Unmarshal(dest.Options, &o); err != nil {
				return nil, fmt.Errorf("destination %d: decode options: %w", dest.ID, err)
			}
		}
		if o.Path == "" {
			o.Path = dest.URI
		}
		return file.Open(o.Path)
	default:
		return nil, fmt.Errorf("destination %d: unsupported type %q", dest.ID, dest.Type)
	}
}

func mysqlOptions(raw json.RawMessage) (mysql.Options, error) {
	var opts mysql.Options
	if len(raw) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("decode mysql destination options: %w", err)
	}
	return opts, nil
}

func postgresOptions(raw json.RawMessage) (postgres.Options, error) {
	var opts postgres.Options
	if len(raw) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("decode postgres destination options: %w", err)
	}
	return opts, nil
}

func httpOptions(raw json.RawMessage, uri, password string) (http.Options, error) {
	var o struct {
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Timeout time.Duration     `json:"timeout"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return http.Options{}, fmt.Errorf("decode http destination options: %w", err)
		}
	}
	headers := o.Headers
	if password != "" {
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Authorization"] = "Bearer " + password
	}
	return http.Options{URL: uri, Method: o.Method, Headers: headers, Timeout: o.Timeout}, nil
}

func kafkaOptions(raw json.RawMessage, username, password string) (kafka.Options, error) {
	var o struct {
		Brokers []string `json:"brokers"`
		Topic   string   `json:"topic"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return kafka.Options{}, fmt.Errorf("decode kafka destination options: %w", err)
		}
	}
	return kafka.Options{Brokers: o.Brokers, Topic: o.Topic, Username: username, Password: password}, nil
}
