package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/user/mqttrelay/internal/config"
	"github.com/user/mqttrelay/internal/processor"
	"github.com/user/mqttrelay/internal/processor/parser"
	"github.com/user/mqttrelay/internal/relayfactory"
	storagesql "github.com/user/mqttrelay/internal/storage/sql"
	"github.com/user/mqttrelay/internal/version"
	"github.com/user/mqttrelay/pkg/crypto"
	"github.com/user/mqttrelay/pkg/logging"
	"github.com/user/mqttrelay/pkg/metrics"
	"github.com/user/mqttrelay/pkg/secrets"
	"github.com/user/mqttrelay/pkg/source/mqtt"
)

func main() {
	mode := flag.String("mode", "process", "running mode: ingest, process, rotate-key, reencrypt")
	configPath := flag.String("config", "relay.yaml", "path to the relay config file")
	versionFlag := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("relayd %s\n", version.Version)
		return
	}

	if v := os.Getenv("MQTTRELAY_MODE"); v != "" && *mode == "process" {
		*mode = v
	}
	if v := os.Getenv("MQTTRELAY_CONFIG"); v != "" && *configPath == "relay.yaml" {
		*configPath = v
	}

	log := logging.NewDefaultLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storagesql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.AutoMigrate(ctx); err != nil {
		log.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	mgr, err := newCryptoManager(ctx, cfg, store, log)
	if err != nil {
		log.Error("failed to initialize crypto manager", "error", err)
		os.Exit(1)
	}

	switch *mode {
	case "ingest":
		runIngest(ctx, cfg, store, log)
	case "process":
		os.Exit(runProcess(ctx, cfg, store, mgr, log))
	case "rotate-key":
		os.Exit(runRotateKey(ctx, store, mgr, log))
	case "reencrypt":
		os.Exit(runReencrypt(ctx, store, mgr, log))
	default:
		log.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}
}

func newCryptoManager(ctx context.Context, cfg *config.Config, store *storagesql.Store, log *logging.DefaultLogger) (*crypto.Manager, error) {
	dbCfg, err := store.LoadCryptoConfig(ctx)
	if err != nil {
		seed := crypto.Config{Algorithm: cfg.Crypto.Algorithm, KeySource: cfg.Crypto.KeySource, KeyID: cfg.Crypto.KeyID}
		if seed.Algorithm == "" {
			seed.Algorithm = "aes-256-gcm"
		}
		if seed.KeySource == "" {
			seed.KeySource = "env"
		}
		if seed.KeyID == "" {
			seed.KeyID = "primary"
		}
		if err := store.SeedCryptoConfig(ctx, seed); err != nil {
			return nil, fmt.Errorf("seed crypto_config: %w", err)
		}
		dbCfg, err = store.LoadCryptoConfig(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("bootstrapped crypto_config from file config", "algorithm", dbCfg.Algorithm, "key_source", dbCfg.KeySource, "key_id", dbCfg.KeyID)
	}

	var kms crypto.KMSBackend
	if dbCfg.KeySource == "kms" {
		vaultMgr, err := secrets.NewVaultManager(cfg.Crypto.Vault.Address, cfg.Crypto.Vault.Token, cfg.Crypto.Vault.Mount)
		if err != nil {
			return nil, fmt.Errorf("vault kms backend: %w", err)
		}
		kms = &secrets.VaultKeyBackend{Manager: vaultMgr}
	}

	return crypto.NewManager(dbCfg, store, kms), nil
}

func runIngest(ctx context.Context, cfg *config.Config, store *storagesql.Store, log *logging.DefaultLogger) {
	ing, err := mqtt.NewIngest(mqtt.Config{
		BrokerURL:     cfg.MQTT.BrokerURL,
		ClientID:      cfg.MQTT.ClientID,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		Topic:         cfg.MQTT.Topic,
		QoS:           cfg.MQTT.QoS,
		KeepAlive:     cfg.MQTT.KeepAlive,
		TLSInsecureSkipVerify: cfg.MQTT.InsecureTLS,
		InsertTimeout: cfg.MQTT.InsertTimeout,
	}, store, log)
	if err != nil {
		log.Error("failed to build mqtt ingest", "error", err)
		os.Exit(1)
	}

	if err := ing.Start(ctx); err != nil {
		log.Error("failed to start mqtt ingest", "error", err)
		os.Exit(1)
	}
	defer ing.Close()

	log.Info("mqtt ingest running", "broker", cfg.MQTT.BrokerURL, "topic", cfg.MQTT.Topic)
	<-ctx.Done()
	log.Info("mqtt ingest shutting down")
}

// runProcess runs one batch pass under the job lock (spec §4.6) and returns
// the process exit code: 0 success, 1 infra error, 2 partial failure.
func runProcess(ctx context.Context, cfg *config.Config, store *storagesql.Store, mgr *crypto.Manager, log *logging.DefaultLogger) int {
	const jobName = "MqttTransfer"

	if err := store.AcquireJob(ctx, jobName); err != nil {
		if err == storagesql.ErrJobAlreadyRunning {
			log.Info("job already running, exiting", "job", jobName)
			return 0
		}
		log.Error("failed to acquire job lock", "job", jobName, "error", err)
		return 1
	}

	parserStore := parser.NewStore(cfg.Parser.StoreDir)
	proc := &processor.Processor{
		Store:       store,
		Crypto:      mgr,
		LoadParser:  parser.NewLoader(parserStore),
		NewDispatch: relayfactory.NewDispatcher,
		Log:         log,
		BatchSize:   cfg.Job.BatchSize,
		MaxAttempts: cfg.Job.MaxAttempts,
	}

	result, err := proc.Run(ctx)
	exitCode := 0
	if err != nil {
		log.Error("batch pass failed", "error", err)
		exitCode = 1
	} else if result.Failed > 0 {
		exitCode = 2
	}

	if relErr := store.ReleaseJob(ctx, jobName, exitCode); relErr != nil {
		log.Error("failed to release job lock", "job", jobName, "error", relErr)
	}

	metrics.JobRuns.WithLabelValues(jobName, strconv.Itoa(exitCode)).Inc()
	log.Info("batch pass complete", "processed", result.Processed, "failed", result.Failed, "exit_code", exitCode)
	return exitCode
}

func runRotateKey(ctx context.Context, store *storagesql.Store, mgr *crypto.Manager, log *logging.DefaultLogger) int {
	newCfg, err := mgr.Rotate(ctx)
	if err != nil {
		log.Error("key rotation failed", "error", err)
		return 1
	}
	if err := store.SaveCryptoVersion(ctx, newCfg.Version); err != nil {
		log.Error("failed to persist rotated key version", "error", err)
		return 1
	}
	log.Info("key rotated", "key_id", newCfg.KeyID, "version", newCfg.Version)
	return 0
}

func runReencrypt(ctx context.Context, store *storagesql.Store, mgr *crypto.Manager, log *logging.DefaultLogger) int {
	result, err := crypto.Reencrypt(ctx, mgr, store)
	if err != nil {
		log.Error("re-encryption walk failed", "error", err)
		return 1
	}
	metrics.ReencryptRowsTotal.WithLabelValues("client_destination").Add(float64(result.UpdatedCount))
	log.Info("re-encryption walk complete", "updated", result.UpdatedCount, "failed", result.FailedCount)
	if result.FailedCount > 0 {
		return 2
	}
	return 0
}
