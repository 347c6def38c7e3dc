package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config mirrors the crypto_config singleton row.
type Config struct {
	Algorithm string // aes-256-gcm | chacha20-poly1305 | aes-256-cbc-hmac
	KeySource string // env | db | kms
	KeyID     string
	Version   int
}

// KeyStore is the persistence contract for key material outside the
// environment: the crypto_key table. Even env-sourced configs write here on
// rotation, so historical decrypts of envelopes encrypted before a key
// rotation remain possible.
type KeyStore interface {
	GetKey(ctx context.Context, keyID string, version int) ([]byte, error)
	PutKey(ctx context.Context, keyID string, version int, key []byte) error
	LatestVersion(ctx context.Context, keyID string) (int, error)
}

// KMSBackend is the pluggable interface for key_source=kms. One concrete
// implementation (HashiCorp Vault) lives in pkg/secrets.
type KMSBackend interface {
	Key(ctx context.Context, alias string) ([]byte, error)
}

// Manager ties together a CryptoConfig, a KeyStore, and an optional KMS
// backend to produce and consume envelope tokens, and to rotate keys.
type Manager struct {
	cfg   Config
	store KeyStore
	kms   KMSBackend
}

func NewManager(cfg Config, store KeyStore, kms KMSBackend) *Manager {
	return &Manager{cfg: cfg, store: store, kms: kms}
}

func (m *Manager) Config() Config { return m.cfg }

// EncryptionVersion formats the "<key_id>.<version>" string stamped onto any
// row holding ciphertext encrypted with the currently active key.
func (m *Manager) EncryptionVersion() string {
	return fmt.Sprintf("%s.%d", m.cfg.KeyID, m.cfg.Version)
}

// Encrypt produces a token plus the encryption_version string to store
// alongside it, using the active key.
func (m *Manager) Encrypt(ctx context.Context, plaintext []byte) (token, encryptionVersion string, err error) {
	key, err := m.keyFor(ctx, m.cfg.KeyID, m.cfg.Version)
	if err != nil {
		return "", "", err
	}
	token, err = Encrypt(m.cfg.Algorithm, key, m.cfg.KeyID, plaintext)
	if err != nil {
		return "", "", err
	}
	return token, m.EncryptionVersion(), nil
}

// Decrypt reverses Encrypt for a row whose encryption_version may name a
// key_id/version pair older than the currently active one.
func (m *Manager) Decrypt(ctx context.Context, token, encryptionVersion string) ([]byte, error) {
	keyID, version, err := ParseEncryptionVersion(encryptionVersion)
	if err != nil {
		return nil, err
	}
	key, err := m.keyFor(ctx, keyID, version)
	if err != nil {
		return nil, err
	}
	return Decrypt(token, key, keyID)
}

// ParseEncryptionVersion splits "<key_id>.<version>" into its parts.
func ParseEncryptionVersion(s string) (keyID string, version int, err error) {
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: bad encryption_version %q", ErrInvalidToken, s)
	}
	keyID = s[:idx]
	version, err = strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad encryption_version %q", ErrInvalidToken, s)
	}
	return keyID, version, nil
}

func (m *Manager) keyFor(ctx context.Context, keyID string, version int) ([]byte, error) {
	switch m.cfg.KeySource {
	case "kms":
		if m.kms == nil {
			return nil, fmt.Errorf("%w: no kms backend configured", ErrKeyNotFound)
		}
		return m.kms.Key(ctx, keyID)
	case "db":
		key, err := m.store.GetKey(ctx, keyID, version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
		}
		if len(key) != 32 {
			return nil, ErrInvalidKeyLength
		}
		return key, nil
	case "env":
		// The active version is read straight from the environment; any
		// older version was persisted to the key store at rotation time.
		if version == m.cfg.Version {
			key, err := envKey(keyID)
			if err == nil {
				return key, nil
			}
			// fall through to the store in case the env var was already
			// rotated out from under us
		}
		if m.store == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		key, err := m.store.GetKey(ctx, keyID, version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
		}
		if len(key) != 32 {
			return nil, ErrInvalidKeyLength
		}
		return key, nil
	default:
		return nil, fmt.Errorf("crypto: unknown key_source %q", m.cfg.KeySource)
	}
}

func envKey(keyID string) ([]byte, error) {
	name := "MQTT_RELAY_ENC_KEY_" + strings.ToUpper(keyID)
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("%w: env var %s unset", ErrKeyNotFound, name)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	return nil, ErrInvalidKeyLength
}

// Rotate bumps CryptoConfig.version. For key_source=db it also generates and
// persists a fresh 32-byte key under the new version. For key_source=env the
// operator is responsible for replacing the env var out of band; Rotate
// persists the *current* (about to become historical) key material to the
// store first, so it remains atomically available for historical decrypts
// once the version bump takes effect. For key_source=kms, rotation is
// delegated entirely to the backend and Rotate only bumps the local version
// counter used for encryption_version bookkeeping.
func (m *Manager) Rotate(ctx context.Context) (Config, error) {
	newVersion := m.cfg.Version + 1

	switch m.cfg.KeySource {
	case "db":
		newKey := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
			return Config{}, err
		}
		if err := m.store.PutKey(ctx, m.cfg.KeyID, newVersion, newKey); err != nil {
			return Config{}, err
		}
	case "env":
		oldKey, err := envKey(m.cfg.KeyID)
		if err != nil {
			return Config{}, err
		}
		if err := m.store.PutKey(ctx, m.cfg.KeyID, m.cfg.Version, oldKey); err != nil {
			return Config{}, err
		}
	case "kms":
		// backend-managed; nothing local to persist
	default:
		return Config{}, fmt.Errorf("crypto: unknown key_source %q", m.cfg.KeySource)
	}

	m.cfg.Version = newVersion
	return m.cfg, nil
}
