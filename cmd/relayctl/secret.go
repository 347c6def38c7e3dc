package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	storagesql "github.com/user/mqttrelay/internal/storage/sql"
	"github.com/user/mqttrelay/pkg/crypto"
	"github.com/user/mqttrelay/pkg/secrets"
)

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretRotateCmd)
	secretCmd.AddCommand(secretReencryptCmd)
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the relay's encryption key and re-encrypt stored ciphertext",
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Bump crypto_config.version and persist the new key material",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mgr, store, err := cryptoManager(ctx)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer store.Close()

		newCfg, err := mgr.Rotate(ctx)
		if err != nil {
			fmt.Println("rotation failed:", err)
			return
		}
		if err := store.SaveCryptoVersion(ctx, newCfg.Version); err != nil {
			fmt.Println("failed to persist rotated version:", err)
			return
		}
		fmt.Printf("rotated key %q to version %d\n", newCfg.KeyID, newCfg.Version)
	},
}

var secretReencryptCmd = &cobra.Command{
	Use:   "reencrypt",
	Short: "Re-encrypt every row whose encryption_version is behind the active key",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		mgr, store, err := cryptoManager(ctx)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer store.Close()

		result, err := crypto.Reencrypt(ctx, mgr, store)
		if err != nil {
			fmt.Println("re-encryption failed:", err)
			return
		}
		fmt.Printf("updated %d rows, %d failed\n", result.UpdatedCount, result.FailedCount)
	},
}

func cryptoManager(ctx context.Context) (*crypto.Manager, *storagesql.Store, error) {
	cfg, store, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	dbCfg, err := store.LoadCryptoConfig(ctx)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("crypto_config not seeded yet; run relayd at least once: %w", err)
	}

	var kms crypto.KMSBackend
	if dbCfg.KeySource == "kms" {
		vaultMgr, err := secrets.NewVaultManager(cfg.Crypto.Vault.Address, cfg.Crypto.Vault.Token, cfg.Crypto.Vault.Mount)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("vault kms backend: %w", err)
		}
		kms = &secrets.VaultKeyBackend{Manager: vaultMgr}
	}

	return crypto.NewManager(dbCfg, store, kms), store, nil
}
