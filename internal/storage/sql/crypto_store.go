package sql

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/user/mqttrelay/pkg/crypto"
)

// GetKey implements crypto.KeyStore, reading one version of a named key.
func (s *Store) GetKey(ctx context.Context, keyID string, version int) ([]byte, error) {
	row := s.queryRow(ctx, `SELECT material FROM crypto_key WHERE key_id = ? AND version = ?`, keyID, version)
	var material string
	if err := row.Scan(&material); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("crypto_key %s v%d not found", keyID, version)
		}
		return nil, err
	}
	return decodeKeyMaterial(material)
}

// PutKey implements crypto.KeyStore, writing a new key version.
func (s *Store) PutKey(ctx context.Context, keyID string, version int, key []byte) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx,
			`INSERT INTO crypto_key (key_id, version, material, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
			keyID, version, encodeKeyMaterial(key))
		return err
	})
}

// LatestVersion implements crypto.KeyStore.
func (s *Store) LatestVersion(ctx context.Context, keyID string) (int, error) {
	row := s.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM crypto_key WHERE key_id = ?`, keyID)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// RowsNeedingReencryption implements crypto.RowStore for client_destination,
// the one table the relay stores ciphertext in (destination credentials).
func (s *Store) RowsNeedingReencryption(ctx context.Context, activeEncryptionVersion string) ([]crypto.EncryptedRow, error) {
	rows, err := s.query(ctx,
		`SELECT id, password_enc, encryption_version FROM client_destination
		 WHERE encryption_version IS NOT NULL AND encryption_version != '' AND encryption_version != ?`,
		activeEncryptionVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []crypto.EncryptedRow
	for rows.Next() {
		var id int64
		var token []byte
		var version string
		if err := rows.Scan(&id, &token, &version); err != nil {
			return nil, err
		}
		out = append(out, crypto.EncryptedRow{ID: id, Token: string(token), EncryptionVersion: version})
	}
	return out, rows.Err()
}

// UpdateRowCiphertext implements crypto.RowStore.
func (s *Store) UpdateRowCiphertext(ctx context.Context, id int64, token, encryptionVersion string) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx,
			`UPDATE client_destination SET password_enc = ?, encryption_version = ? WHERE id = ?`,
			[]byte(token), encryptionVersion, id)
		return err
	})
}

// LoadCryptoConfig reads the crypto_config singleton row (id=1). It returns
// sql.ErrNoRows when the row hasn't been seeded yet.
func (s *Store) LoadCryptoConfig(ctx context.Context) (crypto.Config, error) {
	row := s.queryRow(ctx, `SELECT algorithm, key_source, key_id, version FROM crypto_config WHERE id = 1`)
	var cfg crypto.Config
	if err := row.Scan(&cfg.Algorithm, &cfg.KeySource, &cfg.KeyID, &cfg.Version); err != nil {
		return crypto.Config{}, err
	}
	return cfg, nil
}

// SeedCryptoConfig inserts the crypto_config singleton row if absent, or
// updates algorithm/key_source/key_id in place (version is only ever moved
// by Rotate). Used to bootstrap the row from YAML config on first run.
func (s *Store) SeedCryptoConfig(ctx context.Context, cfg crypto.Config) error {
	return s.execWithRetry(ctx, func() error {
		var exists int
		row := s.queryRow(ctx, `SELECT COUNT(*) FROM crypto_config WHERE id = 1`)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			_, err := s.exec(ctx,
				`INSERT INTO crypto_config (id, algorithm, key_source, key_id, version) VALUES (1, ?, ?, ?, 1)`,
				cfg.Algorithm, cfg.KeySource, cfg.KeyID)
			return err
		}
		_, err := s.exec(ctx,
			`UPDATE crypto_config SET algorithm = ?, key_source = ?, key_id = ? WHERE id = 1`,
			cfg.Algorithm, cfg.KeySource, cfg.KeyID)
		return err
	})
}

// SaveCryptoVersion persists the version bump produced by crypto.Manager.Rotate.
func (s *Store) SaveCryptoVersion(ctx context.Context, version int) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, `UPDATE crypto_config SET version = ? WHERE id = 1`, version)
		return err
	})
}

func encodeKeyMaterial(key []byte) string {
	return hex.EncodeToString(key)
}

func decodeKeyMaterial(material string) ([]byte, error) {
	if key, err := hex.DecodeString(material); err == nil {
		return key, nil
	}
	return base64.StdEncoding.DecodeString(material)
}
