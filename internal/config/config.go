// Package config loads the dispatcher's YAML configuration file, layering
// environment variable overrides on top for deployment secrets.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	Attachment AttachmentConfig `yaml:"attachment"`
	Lock       LockConfig       `yaml:"lock"`
}

// ServerConfig holds the control API's HTTP listener configuration.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	APIToken string `yaml:"api_token"`
}

// GetHost returns the listen host, with ECS/container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// StoreConfig holds the Postgres connection and pool tuning.
type StoreConfig struct {
	DatabaseURL        string `yaml:"database_url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleMin     int    `yaml:"conn_max_idle_minutes"`
}

// ConnMaxLifetime returns the configured connection max lifetime as a duration.
func (c StoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// ConnMaxIdleTime returns the configured connection max idle time as a duration.
func (c StoreConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleMin) * time.Minute
}

// DispatcherConfig mirrors dispatcher.Config's yaml-visible fields.
type DispatcherConfig struct {
	BatchSize               int   `yaml:"batch_size"`
	DefaultAccountBatchSize int   `yaml:"default_account_batch_size"`
	MaxConcurrentSends      int   `yaml:"max_concurrent_sends"`
	MaxConcurrentPerAccount int   `yaml:"max_concurrent_per_account"`
	SendLoopIntervalMS      int   `yaml:"send_loop_interval_ms"`
	MaxRetries              int   `yaml:"max_retries"`
	RetryDelaySeconds       []int `yaml:"retry_delay_seconds"`
}

// SendLoopInterval returns the configured send loop interval as a duration.
func (c DispatcherConfig) SendLoopInterval() time.Duration {
	return time.Duration(c.SendLoopIntervalMS) * time.Millisecond
}

// RetryDelays converts RetryDelaySeconds into time.Duration values.
func (c DispatcherConfig) RetryDelays() []time.Duration {
	out := make([]time.Duration, len(c.RetryDelaySeconds))
	for i, s := range c.RetryDelaySeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// ReporterConfig mirrors reporter.Config's yaml-visible fields.
type ReporterConfig struct {
	BatchSize             int    `yaml:"batch_size"`
	FallbackIntervalSec   int    `yaml:"fallback_interval_seconds"`
	DefaultSyncPath       string `yaml:"default_sync_path"`
	CallbackTimeoutSec    int    `yaml:"callback_timeout_seconds"`
	RetentionPeriodDays   int    `yaml:"retention_period_days"`
	ReportDeferred        bool   `yaml:"report_deferred"`
	GlobalSyncURL         string `yaml:"global_sync_url"`
}

// FallbackInterval returns the configured fallback polling interval.
func (c ReporterConfig) FallbackInterval() time.Duration {
	return time.Duration(c.FallbackIntervalSec) * time.Second
}

// CallbackTimeout returns the configured tenant callback timeout.
func (c ReporterConfig) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutSec) * time.Second
}

// RetentionPeriod returns the configured retention window.
func (c ReporterConfig) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionPeriodDays) * 24 * time.Hour
}

// AttachmentConfig holds attachment fetching and caching settings.
type AttachmentConfig struct {
	DiskCacheDir        string `yaml:"disk_cache_dir"`
	MemCacheBytes       int64  `yaml:"mem_cache_bytes"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
}

// FetchTimeout returns the configured attachment fetch timeout.
func (c AttachmentConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// LockConfig configures the distributed lock guarding single-active-instance
// background loops.
type LockConfig struct {
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
	TTLSec   int    `yaml:"ttl_seconds"`
}

// TTL returns the configured lock TTL.
func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// Load reads and parses the configuration file, applying field-by-field
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}

	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 50
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 10
	}
	if cfg.Store.ConnMaxLifetimeMin == 0 {
		cfg.Store.ConnMaxLifetimeMin = 5
	}
	if cfg.Store.ConnMaxIdleMin == 0 {
		cfg.Store.ConnMaxIdleMin = 1
	}

	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = 100
	}
	if cfg.Dispatcher.DefaultAccountBatchSize == 0 {
		cfg.Dispatcher.DefaultAccountBatchSize = 50
	}
	if cfg.Dispatcher.MaxConcurrentSends == 0 {
		cfg.Dispatcher.MaxConcurrentSends = 10
	}
	if cfg.Dispatcher.MaxConcurrentPerAccount == 0 {
		cfg.Dispatcher.MaxConcurrentPerAccount = 3
	}
	if cfg.Dispatcher.SendLoopIntervalMS == 0 {
		cfg.Dispatcher.SendLoopIntervalMS = 500
	}
	if cfg.Dispatcher.MaxRetries == 0 {
		cfg.Dispatcher.MaxRetries = 5
	}
	if len(cfg.Dispatcher.RetryDelaySeconds) == 0 {
		cfg.Dispatcher.RetryDelaySeconds = []int{60, 300, 900, 3600, 7200}
	}

	if cfg.Reporter.BatchSize == 0 {
		cfg.Reporter.BatchSize = 200
	}
	if cfg.Reporter.FallbackIntervalSec == 0 {
		cfg.Reporter.FallbackIntervalSec = 300
	}
	if cfg.Reporter.DefaultSyncPath == "" {
		cfg.Reporter.DefaultSyncPath = "/mail-proxy/sync"
	}
	if cfg.Reporter.CallbackTimeoutSec == 0 {
		cfg.Reporter.CallbackTimeoutSec = 15
	}
	if cfg.Reporter.RetentionPeriodDays == 0 {
		cfg.Reporter.RetentionPeriodDays = 7
	}

	if cfg.Attachment.DiskCacheDir == "" {
		cfg.Attachment.DiskCacheDir = "/tmp/mailproxy-attachments"
	}
	if cfg.Attachment.MemCacheBytes == 0 {
		cfg.Attachment.MemCacheBytes = 64 << 20
	}
	if cfg.Attachment.FetchTimeoutSeconds == 0 {
		cfg.Attachment.FetchTimeoutSeconds = 30
	}

	if cfg.Lock.Key == "" {
		cfg.Lock.Key = "mailproxy:dispatcher"
	}
	if cfg.Lock.TTLSec == 0 {
		cfg.Lock.TTLSec = 30
	}
}

// LoadFromEnv loads configuration with environment variable overrides. It
// automatically loads a .env file (if present) before reading env vars, so
// secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Lock.RedisURL = v
	}
	if v := os.Getenv("CONTROL_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("REPORTER_GLOBAL_SYNC_URL"); v != "" {
		cfg.Reporter.GlobalSyncURL = v
	}

	return cfg, nil
}
