// Package mqtt implements the relay's ingest sink: an Eclipse Paho MQTT
// subscriber that durably persists every inbound frame as an unprocessed
// MqttMessage row before the processor ever sees it.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	paho "github.com/eclipse/paho.mqtt.golang"

	relay "github.com/user/mqttrelay"
	"github.com/user/mqttrelay/internal/model"
)

var (
	errBrokerURLRequired = errors.New("mqtt: broker_url is required")
	errConnectTimeout    = errors.New("mqtt: connect timeout")
	errNotConnected      = errors.New("mqtt: not connected")
)

// Store is the persistence contract the ingest sink needs: durable insert
// of one raw frame.
type Store interface {
	InsertMessage(ctx context.Context, msg model.MqttMessage) (int64, error)
}

// Config configures the broker connection. Topic defaults to the wildcard
// "+/+/+" three-level subscription the spec requires; relayd overrides it
// with the config file's mqtt.topic when that is set.
type Config struct {
	BrokerURL            string
	ClientID             string
	Username             string
	Password             string
	Topic                string
	QoS                  byte
	CleanSession         bool
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
	TLSInsecureSkipVerify bool
	InsertTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "+/+/+"
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.InsertTimeout == 0 {
		c.InsertTimeout = 5 * time.Second
	}
	return c
}

// Ingest subscribes to the broker and writes every frame to Store. It
// re-subscribes automatically on reconnect via Paho's OnConnect hook.
type Ingest struct {
	mu     sync.RWMutex
	client paho.Client
	opts   *paho.ClientOptions
	cfg    Config
	store  Store
	log    relay.Logger
	closed bool
}

func NewIngest(cfg Config, store Store, log relay.Logger) (*Ingest, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, errBrokerURLRequired
	}

	ing := &Ingest{cfg: cfg, store: store, log: log}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.AutoReconnect = true
	if cfg.MaxReconnectInterval > 0 {
		opts.MaxReconnectInterval = cfg.MaxReconnectInterval
	}

	if strings.HasPrefix(cfg.BrokerURL, "ssl://") || strings.HasPrefix(cfg.BrokerURL, "tls://") || strings.HasPrefix(cfg.BrokerURL, "wss://") {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if roots, err := x509.SystemCertPool(); err == nil && roots != nil {
			tlsCfg.RootCAs = roots
		}
		tlsCfg.InsecureSkipVerify = cfg.TLSInsecureSkipVerify
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetDefaultPublishHandler(ing.handleFrame)
	opts.OnConnect = ing.subscribe
	ing.opts = opts
	return ing, nil
}

func (ing *Ingest) handleFrame(_ paho.Client, m paho.Message) {
	payload := append([]byte(nil), m.Payload()...)
	client := firstTopicSegment(m.Topic())

	msg := model.MqttMessage{
		Client:  client,
		Topic:   m.Topic(),
		Payload: toValidUTF8(payload),
		QoS:     m.Qos(),
		At:      time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ing.cfg.InsertTimeout)
	defer cancel()
	if _, err := ing.store.InsertMessage(ctx, msg); err != nil {
		ing.log.Error("ingest: failed to persist frame, dropping", "topic", m.Topic(), "error", err)
	}
}

func (ing *Ingest) subscribe(c paho.Client) {
	token := c.Subscribe(ing.cfg.Topic, ing.cfg.QoS, nil)
	if token.Wait() && token.Error() != nil {
		ing.log.Error("ingest: subscribe failed", "topic", ing.cfg.Topic, "error", token.Error())
	}
}

// Start connects to the broker. Subsequent reconnects re-subscribe
// automatically via the client library's OnConnect hook.
func (ing *Ingest) Start(ctx context.Context) error {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.client != nil && ing.client.IsConnectionOpen() {
		return nil
	}
	c := paho.NewClient(ing.opts)
	token := c.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return errConnectTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}
	ing.client = c
	return nil
}

func (ing *Ingest) Ping(ctx context.Context) error {
	ing.mu.RLock()
	defer ing.mu.RUnlock()
	if ing.client == nil || !ing.client.IsConnectionOpen() {
		return errNotConnected
	}
	return nil
}

func (ing *Ingest) Close() error {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	ing.closed = true
	if ing.client != nil {
		ing.client.Disconnect(250)
		ing.client = nil
	}
	return nil
}

func firstTopicSegment(topic string) string {
	if i := strings.IndexByte(topic, '/'); i >= 0 {
		return topic[:i]
	}
	return topic
}

func toValidUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	return []byte(strings.ToValidUTF8(string(b), "�"))
}

