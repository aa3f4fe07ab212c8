// Package config loads service configuration from files and the environment.
//
// Configuration is read with the following precedence (later overrides
// earlier):
//  1. Default values
//  2. Configuration file (./config.yaml, ./configs/config.yaml,
//     ~/.driftsync/config.yaml, /etc/driftsync/config.yaml)
//  3. .env file
//  4. Environment variables with the DRIFTSYNC_ prefix, underscores for
//     nesting (DRIFTSYNC_SYNC_MAX_WORKERS=20, DRIFTSYNC_REDIS_ADDR=...)
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix for all settings.
const EnvPrefix = "DRIFTSYNC"

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SyncConfig tunes the run engine.
type SyncConfig struct {
	// MaxWorkers bounds concurrent entity processing per run.
	MaxWorkers int `mapstructure:"max_workers"`

	// TempDir overrides where downloaded files are staged. Empty uses the
	// system default.
	TempDir string `mapstructure:"temp_dir"`
}

// DatabaseConfig points at the ledger and credential store database.
type DatabaseConfig struct {
	// Driver selects the backend: postgres or sqlite.
	Driver string `mapstructure:"driver"`

	// DSN is the connection string for the selected driver.
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the redis progress broker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AMQPConfig configures the RabbitMQ progress broker. When URL is set it is
// preferred over redis.
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// EmbeddingConfig selects the embedding model.
type EmbeddingConfig struct {
	// Provider is openai or local. With an empty provider, openai is used
	// when APIKey is set and local otherwise.
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`

	// Dimension applies to the local provider only.
	Dimension int `mapstructure:"dimension"`
}

// SecurityConfig carries secrets for stored credentials.
type SecurityConfig struct {
	// EncryptionSecret derives the AES key protecting stored tokens.
	EncryptionSecret string `mapstructure:"encryption_secret"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetDefaults installs the standard driftsync defaults. Call before Load.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("service.name", "driftsync")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("sync.max_workers", 10)
	l.v.SetDefault("sync.temp_dir", "")

	l.v.SetDefault("database.driver", "sqlite")
	l.v.SetDefault("database.dsn", "driftsync.db")

	l.v.SetDefault("redis.addr", "localhost:6379")
	l.v.SetDefault("redis.password", "")
	l.v.SetDefault("redis.db", 0)

	l.v.SetDefault("embedding.provider", "")
	l.v.SetDefault("embedding.model", "text-embedding-3-small")
	l.v.SetDefault("embedding.dimension", 384)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables into
// target. If cfgFile is empty, standard locations are searched.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.driftsync")
		l.v.AddConfigPath("/etc/driftsync")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // ignore a missing .env

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates the root configuration.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader(EnvPrefix)
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ValidateConfig verifies field combinations that Load cannot catch.
func ValidateConfig(cfg *Config) error {
	if cfg.Sync.MaxWorkers < 1 {
		return fmt.Errorf("sync.max_workers must be positive, got %d", cfg.Sync.MaxWorkers)
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch cfg.Embedding.Provider {
	case "", "local":
	case "openai":
		if cfg.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
	}
	return nil
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
