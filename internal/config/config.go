// Package config loads server configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

type Config struct {
	Port       string           `yaml:"port"`
	OwnerKey   string           `yaml:"owner_key"`
	Storage    StorageConfig    `yaml:"storage"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Requesters RequestersConfig `yaml:"requesters"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// Batch enables the pebble backend's async event writer.
	Batch bool `yaml:"batch"`
}

type OracleConfig struct {
	DeliveriesPerSecond float64 `yaml:"deliveries_per_second"`
}

type RequestersConfig struct {
	AgentSystemPrompt string `yaml:"agent_system_prompt"`
	MinterBasePrompt  string `yaml:"minter_base_prompt"`
	GameSystemPrompt  string `yaml:"game_system_prompt"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Port:     ":8080",
		OwnerKey: "owner",
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "./data/promptrelay.db",
		},
		Oracle: OracleConfig{
			DeliveriesPerSecond: 10,
		},
		Requesters: RequestersConfig{
			GameSystemPrompt: "You are the narrator of a battle adventure. Offer selections a) to d) each turn and track the player's HP.",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path if non-empty, then applies environment overrides. A missing
// file with an empty path is not an error; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("OWNER_KEY"); v != "" {
		c.OwnerKey = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("STORAGE_BATCH"); v != "" {
		if batch, err := strconv.ParseBool(v); err == nil {
			c.Storage.Batch = batch
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if len(c.Port) > 0 && c.Port[0] != ':' {
		c.Port = ":" + c.Port
	}
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendPebble:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Oracle.DeliveriesPerSecond < 0 {
		return fmt.Errorf("deliveries_per_second must not be negative")
	}
	return nil
}

// BuildLogger constructs the zap logger described by cfg.
func BuildLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
