package main

import (
	"context"
	"testing"

	"github.com/user/mqttrelay/internal/config"
	storagesql "github.com/user/mqttrelay/internal/storage/sql"
	"github.com/user/mqttrelay/pkg/logging"
)

func newTestStore(t *testing.T) *storagesql.Store {
	t.Helper()
	store, err := storagesql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.AutoMigrate(t.Context()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store
}

func TestNewCryptoManagerBootstrapsFromFileConfig(t *testing.T) {
	store := newTestStore(t)
	cfg := &config.Config{Crypto: config.CryptoConfig{Algorithm: "aes-256-gcm", KeySource: "env", KeyID: "primary"}}
	log := logging.NewDefaultLogger()

	mgr, err := newCryptoManager(context.Background(), cfg, store, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr.Config().KeyID != "primary" {
		t.Errorf("expected key_id primary, got %q", mgr.Config().KeyID)
	}
	if mgr.Config().Version != 1 {
		t.Errorf("expected seeded version 1, got %d", mgr.Config().Version)
	}
}

func TestRunProcessExitsCleanWhenJobAlreadyRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.AcquireJob(ctx, "MqttTransfer"); err != nil {
		t.Fatalf("acquire job: %v", err)
	}

	cfg := &config.Config{Job: config.JobConfig{BatchSize: 10}}
	log := logging.NewDefaultLogger()
	mgr, err := newCryptoManager(ctx, cfg, store, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	code := runProcess(ctx, cfg, store, mgr, log)
	if code != 0 {
		t.Errorf("expected exit code 0 for already-running job, got %d", code)
	}
}
