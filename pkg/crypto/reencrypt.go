package crypto

import "context"

// EncryptedRow is one row carrying password_enc + encryption_version, as
// found on client_destination and any future ciphertext-bearing table.
type EncryptedRow struct {
	ID                int64
	Token             string
	EncryptionVersion string
}

// RowStore is implemented by the storage layer for each table the walker
// scans. The walker does not filter rows itself: RowsNeedingReencryption
// decides which rows it sees, and the SQL store leaves out rows with an
// empty EncryptionVersion.
type RowStore interface {
	RowsNeedingReencryption(ctx context.Context, activeEncryptionVersion string) ([]EncryptedRow, error)
	UpdateRowCiphertext(ctx context.Context, id int64, token, encryptionVersion string) error
}

// WalkResult reports the outcome of one re-encryption pass.
type WalkResult struct {
	UpdatedCount int
	FailedCount  int
}

// Reencrypt scans one table via store, decrypting every row whose
// encryption_version doesn't match the manager's active key and re-writing
// it under the active key. Each row is updated atomically (one UPDATE); a
// decrypt or encrypt failure on a row counts against FailedCount and does
// not abort the walk.
func Reencrypt(ctx context.Context, m *Manager, store RowStore) (WalkResult, error) {
	active := m.EncryptionVersion()
	rows, err := store.RowsNeedingReencryption(ctx, active)
	if err != nil {
		return WalkResult{}, err
	}

	var result WalkResult
	for _, row := range rows {
		plaintext, err := m.Decrypt(ctx, row.Token, row.EncryptionVersion)
		if err != nil {
			result.FailedCount++
			continue
		}
		newToken, newVersion, err := m.Encrypt(ctx, plaintext)
		if err != nil {
			result.FailedCount++
			continue
		}
		if err := store.UpdateRowCiphertext(ctx, row.ID, newToken, newVersion); err != nil {
			result.FailedCount++
			continue
		}
		result.UpdatedCount++
	}
	return result, nil
}
