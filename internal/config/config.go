package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/user/mqttrelay/pkg/secrets"
	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Crypto   CryptoConfig   `json:"crypto" yaml:"crypto"`
	Secrets  secrets.Config `json:"secrets" yaml:"secrets"`
	Parser   ParserConfig   `json:"parser" yaml:"parser"`
	Job      JobConfig      `json:"job" yaml:"job"`
}

// MQTTConfig configures the broker connection the ingest side subscribes to.
type MQTTConfig struct {
	BrokerURL     string        `json:"broker_url" yaml:"broker_url"`
	ClientID      string        `json:"client_id" yaml:"client_id"`
	Username      string        `json:"username" yaml:"username"`
	Password      string        `json:"password" yaml:"password"`
	Topic         string        `json:"topic" yaml:"topic"`
	QoS           byte          `json:"qos" yaml:"qos"`
	KeepAlive     time.Duration `json:"keep_alive" yaml:"keep_alive"`
	InsecureTLS   bool          `json:"insecure_tls" yaml:"insecure_tls"`
	InsertTimeout time.Duration `json:"insert_timeout" yaml:"insert_timeout"`
}

// DatabaseConfig configures the relay's primary store.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `json:"dsn" yaml:"dsn"`
}

// CryptoConfig mirrors the crypto_config singleton row (pkg/crypto.Config),
// minus the version counter, which is read from the database at startup.
type CryptoConfig struct {
	Algorithm string      `json:"algorithm" yaml:"algorithm"`   // aes-256-gcm | chacha20-poly1305 | aes-256-cbc-hmac
	KeySource string      `json:"key_source" yaml:"key_source"` // env | db | kms
	KeyID     string      `json:"key_id" yaml:"key_id"`
	Vault     VaultConfig `json:"vault" yaml:"vault"`
}

type VaultConfig struct {
	Address string `json:"address" yaml:"address"`
	Token   string `json:"token" yaml:"token"`
	Mount   string `json:"mount" yaml:"mount"`
}

// ParserConfig locates the content-addressed parser source store.
type ParserConfig struct {
	StoreDir string        `json:"store_dir" yaml:"store_dir"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// JobConfig tunes the batch pass the relay runs on each invocation.
type JobConfig struct {
	BatchSize   int `json:"batch_size" yaml:"batch_size"`
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

func (c Config) withDefaults() Config {
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "+/+/+"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.MQTT.InsertTimeout == 0 {
		c.MQTT.InsertTimeout = 5 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Parser.StoreDir == "" {
		c.Parser.StoreDir = "parsers"
	}
	if c.Parser.Timeout == 0 {
		c.Parser.Timeout = 10 * time.Second
	}
	if c.Job.BatchSize == 0 {
		c.Job.BatchSize = 500
	}
	if c.Job.MaxAttempts == 0 {
		c.Job.MaxAttempts = 8
	}
	return c
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	content := SubstituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file (tried YAML and JSON): %w", err)
		}
	}

	cfg = cfg.withDefaults()
	return &cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var envRegex = regexp.MustCompile(`\${(\w+)(?::-([^}]*))?}`)

func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		envVar := matches[1]
		if val, ok := os.LookupEnv(envVar); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}
