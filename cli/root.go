// Package cli provides the driftsync command-line interface. It wires
// configuration, the ledger database, the credential store and the progress
// broker, then hands a fully built run context to the orchestrator.
//
// Command Structure:
//
//	driftsync [flags]
//	  ├── run <definition.yaml>: execute one sync run
//	  ├── validate <definition.yaml>: check a definition and its connection
//	  └── catalog: list registered sources, destinations and transformers
//
// Configuration Precedence (highest to lowest):
//  1. Environment variables (DRIFTSYNC_ prefix)
//  2. .env file
//  3. Configuration file (--config or standard locations)
//  4. Defaults
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"driftsync.dev/common"
	"driftsync.dev/config"
	"driftsync.dev/credstore"
	"driftsync.dev/ledger"
	"driftsync.dev/progress"
	"driftsync.dev/runctx"
	"driftsync.dev/version"
)

// cfgFile holds the path to the configuration file from the --config flag.
var cfgFile string

// RootCmd is the driftsync entry point.
var RootCmd = &cobra.Command{
	Use:     "driftsync",
	Short:   "Multi-tenant data synchronization engine",
	Long:    "driftsync streams entities from SaaS and storage sources, detects changes against a durable ledger, and keeps vector search collections in sync.",
	Version: version.Version,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.driftsync, /etc/driftsync)")
	RootCmd.AddCommand(runCmd, validateCmd, catalogCmd)
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the service configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		common.Logger.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		common.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return cfg, nil
}

// buildBuilder assembles the long-lived infrastructure behind a run context
// builder. The returned cleanup closes whatever was opened.
func buildBuilder(cfg *config.Config) (*runctx.Builder, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, cleanup, err
	}

	led, err := ledger.NewGormLedger(db)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open ledger: %w", err)
	}

	var creds *credstore.Store
	if cfg.Security.EncryptionSecret != "" {
		cipher, err := credstore.NewCipher(cfg.Security.EncryptionSecret)
		if err != nil {
			return nil, cleanup, err
		}
		if creds, err = credstore.NewStore(db, cipher); err != nil {
			return nil, cleanup, fmt.Errorf("open credential store: %w", err)
		}
	}

	broker, brokerClose, err := openBroker(cfg)
	if err != nil {
		return nil, cleanup, err
	}
	if brokerClose != nil {
		cleanups = append(cleanups, brokerClose)
	}

	return &runctx.Builder{
		Ledger:      led,
		Credentials: creds,
		Broker:      broker,
		Embedding:   cfg.Embedding,
		MaxWorkers:  cfg.Sync.MaxWorkers,
		Log:         common.Logger,
	}, cleanup, nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return ledger.OpenPostgres(cfg.DSN)
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// openBroker prefers AMQP when configured, falls back to redis, and runs
// without progress publishing when neither answers.
func openBroker(cfg *config.Config) (progress.Broker, func(), error) {
	if cfg.AMQP.URL != "" {
		broker, err := progress.NewAMQPBroker(cfg.AMQP.URL)
		if err != nil {
			return nil, nil, err
		}
		return broker, func() { _ = broker.Close() }, nil
	}
	if cfg.Redis.Addr != "" {
		broker, err := progress.NewRedisBroker(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			common.Logger.WithError(err).Warn("redis unreachable, progress publishing disabled")
			return nil, nil, nil
		}
		return broker, func() { _ = broker.Close() }, nil
	}
	return nil, nil, nil
}
