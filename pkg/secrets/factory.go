package secrets

import (
	"context"
	"fmt"
)

// Config defines the configuration for secret managers.
type Config struct {
	Type  string      `yaml:"type" json:"type"` // env, vault
	Vault VaultConfig `yaml:"vault" json:"vault"`
	Env   EnvConfig   `yaml:"env" json:"env"`
}

type VaultConfig struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"token"`
	Mount   string `yaml:"mount" json:"mount"`
}

type EnvConfig struct {
	Prefix string `yaml:"prefix" json:"prefix"`
}

// NewManager creates a secret manager based on the provided configuration.
func NewManager(ctx context.Context, cfg Config) (Manager, error) {
	switch cfg.Type {
	case "", "env":
		return &EnvManager{Prefix: cfg.Env.Prefix}, nil
	case "vault":
		return NewVaultManager(cfg.Vault.Address, cfg.Vault.Token, cfg.Vault.Mount)
	default:
		return nil, fmt.Errorf("unsupported secret manager type: %s", cfg.Type)
	}
}
