package secrets

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// VaultKeyBackend adapts a VaultManager into the crypto package's KMSBackend
// contract: fetch 32 bytes of key material by alias. The secret's "key"
// field is expected to hold base64 or hex encoded key bytes.
type VaultKeyBackend struct {
	Manager *VaultManager
}

func (b *VaultKeyBackend) Key(ctx context.Context, alias string) ([]byte, error) {
	raw, err := b.Manager.Get(ctx, alias+":key")
	if err != nil {
		return nil, fmt.Errorf("kms: fetch key %q: %w", alias, err)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	return nil, fmt.Errorf("kms: key %q is not a 32-byte base64/hex value", alias)
}
