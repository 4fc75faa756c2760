// Package config loads the YAML configuration file and layers
// environment overrides on top of it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Relay    RelayConfig    `yaml:"relay"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Bounces  BounceConfig   `yaml:"bounces"`
	Sync     SyncConfig     `yaml:"sync"`
	Trust    map[string]int `yaml:"trust"` // per-source trust overrides
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for the checkpoint
// store and the distributed sync lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RelayConfig holds the SMTP relay log API settings.
type RelayConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	LogKind        string `yaml:"log_kind"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// WebhookConfig holds per-provider webhook secrets.
type WebhookConfig struct {
	RelaySecret string `yaml:"relay_secret"`
	ESPSecret   string `yaml:"esp_secret"`
}

// BounceConfig holds bounce-mailbox scan settings.
type BounceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MaildirDir string `yaml:"maildir"`
	ScanLimit  int    `yaml:"scan_limit"`
}

// SyncConfig bounds the polling loop and the ingest cycle.
type SyncConfig struct {
	IntervalSeconds         int  `yaml:"interval_seconds"`
	EvictionIntervalSeconds int  `yaml:"eviction_interval_seconds"`
	PageSize                int  `yaml:"page_size"`
	MaxEntriesPerCycle      int  `yaml:"max_entries_per_cycle"`
	FlushSize               int  `yaml:"flush_size"`
	PageIntervalMillis      int  `yaml:"page_interval_millis"`
	LookbackHours           int  `yaml:"lookback_hours"`
	EmailMatchWindowHours   int  `yaml:"email_match_window_hours"`
	CacheMaxEntries         int  `yaml:"cache_max_entries"`
	CacheTTLMinutes         int  `yaml:"cache_ttl_minutes"`
	DistributedLock         bool `yaml:"distributed_lock"`
}

// Interval returns the poll interval as a duration.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// EvictionInterval returns the cache-sweep interval as a duration.
func (s SyncConfig) EvictionInterval() time.Duration {
	return time.Duration(s.EvictionIntervalSeconds) * time.Second
}

// PageInterval returns the pacing between log API pages.
func (s SyncConfig) PageInterval() time.Duration {
	return time.Duration(s.PageIntervalMillis) * time.Millisecond
}

// Lookback returns the first-run checkpoint window.
func (s SyncConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackHours) * time.Hour
}

// EmailMatchWindow returns how far back the contact-email fallback
// match may reach.
func (s SyncConfig) EmailMatchWindow() time.Duration {
	return time.Duration(s.EmailMatchWindowHours) * time.Hour
}

// CacheTTL returns the bounded-cache entry lifetime.
func (s SyncConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLMinutes) * time.Minute
}

// Timeout returns the relay API request timeout.
func (r RelayConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Load reads and parses the YAML config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads .env if present, reads the YAML file, and applies
// environment overrides. Secrets always win from the environment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RELAY_BASE_URL"); v != "" {
		cfg.Relay.BaseURL = v
	}
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		cfg.Relay.APIKey = v
	}
	if v := os.Getenv("WEBHOOK_RELAY_SECRET"); v != "" {
		cfg.Webhooks.RelaySecret = v
	}
	if v := os.Getenv("WEBHOOK_ESP_SECRET"); v != "" {
		cfg.Webhooks.ESPSecret = v
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Relay.LogKind == "" {
		c.Relay.LogKind = "postfix"
	}
	if c.Relay.TimeoutSeconds == 0 {
		c.Relay.TimeoutSeconds = 30
	}
	if c.Relay.MaxRetries == 0 {
		c.Relay.MaxRetries = 3
	}
	if c.Bounces.ScanLimit == 0 {
		c.Bounces.ScanLimit = 200
	}
	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = 60
	}
	if c.Sync.EvictionIntervalSeconds == 0 {
		c.Sync.EvictionIntervalSeconds = 300
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 500
	}
	if c.Sync.MaxEntriesPerCycle == 0 {
		c.Sync.MaxEntriesPerCycle = 5000
	}
	if c.Sync.FlushSize == 0 {
		c.Sync.FlushSize = 200
	}
	if c.Sync.PageIntervalMillis == 0 {
		c.Sync.PageIntervalMillis = 250
	}
	if c.Sync.LookbackHours == 0 {
		c.Sync.LookbackHours = 24
	}
	if c.Sync.EmailMatchWindowHours == 0 {
		c.Sync.EmailMatchWindowHours = 24
	}
	if c.Sync.CacheMaxEntries == 0 {
		c.Sync.CacheMaxEntries = 5000
	}
	if c.Sync.CacheTTLMinutes == 0 {
		c.Sync.CacheTTLMinutes = 10
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Relay.BaseURL == "" {
		return fmt.Errorf("relay base_url is required")
	}
	if c.Bounces.Enabled && c.Bounces.MaildirDir == "" {
		return fmt.Errorf("bounces.maildir is required when bounce scanning is enabled")
	}
	for source, trust := range c.Trust {
		if trust < 0 {
			return fmt.Errorf("trust for %q must be non-negative", source)
		}
	}
	return nil
}
