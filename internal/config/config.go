package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel      string              `yaml:"log_level"`
	Server        ServerConfig        `yaml:"server"`
	Polling       PollingConfig       `yaml:"polling"`
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the WebQuery endpoint settings for the voice server.
type ServerConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	VirtualServerID     int    `yaml:"virtual_server_id"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	VerifySSL           bool   `yaml:"verify_ssl"`
	IncludeQueryClients bool   `yaml:"include_query_clients"`
}

type PollingConfig struct {
	IntervalSeconds        int `yaml:"interval_seconds"`
	MaxRetries             int `yaml:"max_retries"`
	RetryBackoffBase       int `yaml:"retry_backoff_base"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

type DatabaseConfig struct {
	Backend       string `yaml:"backend"` // "sqlite" or "postgres"
	Path          string `yaml:"path"`    // sqlite file path
	DSN           string `yaml:"dsn"`     // postgres connection URI
	RetentionDays int    `yaml:"retention_days"`
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Fields whose zero value is not the default are seeded before
	// unmarshaling; yaml only overwrites keys present in the document.
	cfg := Config{
		Server: ServerConfig{VerifySSL: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Server.BaseURL = strings.TrimRight(cfg.Server.BaseURL, "/")
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("server: base_url is required")
	}
	if cfg.Server.APIKey == "" {
		return nil, fmt.Errorf("server: api_key is required")
	}
	if cfg.Server.VirtualServerID == 0 {
		cfg.Server.VirtualServerID = 1
	}
	if cfg.Server.TimeoutSeconds == 0 {
		cfg.Server.TimeoutSeconds = 10
	}
	if cfg.Server.TimeoutSeconds < 1 || cfg.Server.TimeoutSeconds > 300 {
		return nil, fmt.Errorf("server: timeout_seconds must be between 1 and 300")
	}

	if cfg.Polling.IntervalSeconds == 0 {
		cfg.Polling.IntervalSeconds = 30
	}
	if cfg.Polling.IntervalSeconds < 10 || cfg.Polling.IntervalSeconds > 3600 {
		return nil, fmt.Errorf("polling: interval_seconds must be between 10 and 3600")
	}
	if cfg.Polling.MaxRetries == 0 {
		cfg.Polling.MaxRetries = 3
	}
	if cfg.Polling.RetryBackoffBase == 0 {
		cfg.Polling.RetryBackoffBase = 2
	}
	if cfg.Polling.MaxConsecutiveFailures == 0 {
		cfg.Polling.MaxConsecutiveFailures = 10
	}

	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "sqlite"
	}
	switch cfg.Database.Backend {
	case "sqlite":
		if cfg.Database.Path == "" {
			cfg.Database.Path = "./data/activity.sqlite"
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database: dsn is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("database: unknown backend %q (want sqlite or postgres)", cfg.Database.Backend)
	}
	if cfg.Database.RetentionDays < 0 {
		return nil, fmt.Errorf("database: retention_days must be zero (keep forever) or positive")
	}

	return &cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
