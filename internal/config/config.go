// Package config provides configuration management for threatmeta.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all threatmeta configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Feeds    FeedsConfig    `yaml:"feeds"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the SQLite entity store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds settings for the attribution lookup cache.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// FeedsConfig holds per-source feed settings.
type FeedsConfig struct {
	FeodoTracker FeedConfig `yaml:"feodotracker"`
	OTX          FeedConfig `yaml:"otx"`
	MISP         FeedConfig `yaml:"misp"`
}

// FeedConfig holds settings common to all feed sources. Tier selects the
// base confidence applied to events from this source: "confirmed" for
// high-fidelity trackers, "community" for aggregated feeds, "unaudited"
// for manual or unvetted feeds.
type FeedConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Tier      string        `yaml:"tier"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	VerifySSL bool          `yaml:"verify_ssl"`
}

// IngestConfig holds orchestrator settings.
type IngestConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ResolveRetries int           `yaml:"resolve_retries"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "threatmeta.db",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			CacheTTL: 1 * time.Hour,
		},
		Feeds: FeedsConfig{
			FeodoTracker: FeedConfig{
				Enabled:   true,
				BaseURL:   "https://feodotracker.abuse.ch",
				Tier:      "confirmed",
				BatchSize: 500,
				Timeout:   30 * time.Second,
				VerifySSL: true,
			},
			OTX: FeedConfig{
				Enabled:   false,
				BaseURL:   "https://otx.alienvault.com",
				APIKeyEnv: "OTX_API_KEY",
				Tier:      "community",
				BatchSize: 50,
				Timeout:   30 * time.Second,
				VerifySSL: true,
			},
			MISP: FeedConfig{
				Enabled:   false,
				APIKeyEnv: "MISP_API_KEY",
				Tier:      "community",
				BatchSize: 100,
				Timeout:   30 * time.Second,
				VerifySSL: true,
			},
		},
		Ingest: IngestConfig{
			Interval:       15 * time.Minute,
			ResolveRetries: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// EnabledFeeds returns the names of enabled feed sources.
func (c *Config) EnabledFeeds() []string {
	var feeds []string
	if c.Feeds.FeodoTracker.Enabled {
		feeds = append(feeds, "feodotracker")
	}
	if c.Feeds.OTX.Enabled {
		feeds = append(feeds, "otx")
	}
	if c.Feeds.MISP.Enabled {
		feeds = append(feeds, "misp")
	}
	return feeds
}
