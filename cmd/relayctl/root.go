package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/user/mqttrelay/internal/config"
	storagesql "github.com/user/mqttrelay/internal/storage/sql"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "relayctl is a CLI for operating the MQTT relay",
	Long:  `A developer-focused terminal tool for inspecting job status and managing encryption keys.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "relay.yaml", "path to the relay config file")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("mqttrelay")
	viper.AutomaticEnv()
}

// openStore loads the relay config and opens (and migrates) the primary
// store, for commands that operate directly against the database rather
// than through a running process.
func openStore(ctx context.Context) (*config.Config, *storagesql.Store, error) {
	path := cfgFile
	if v := viper.GetString("config"); v != "" {
		path = v
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := storagesql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.AutoMigrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate schema: %w", err)
	}
	return cfg, store, nil
}
