package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TrackerConfig holds request lifecycle tracker configuration
type TrackerConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	HistoryGrace     time.Duration `yaml:"history_grace"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	MaxHistory       int           `yaml:"max_history"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

// DedupConfig holds request deduplicator configuration
type DedupConfig struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ConsistencyConfig holds storage consistency manager configuration
type ConsistencyConfig struct {
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	LockPoll     time.Duration `yaml:"lock_poll"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// BackupConfig holds backup ring configuration
type BackupConfig struct {
	Retention int `yaml:"retention"`
}

// StorageConfig holds persistent store configuration
type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	InMemory      bool   `yaml:"in_memory"`
	MaxValueBytes int    `yaml:"max_value_bytes"`
}

// ClassifierRule maps observed request shapes to a logical request type.
// A rule matches when the URL contains URLContains and, if BodyContains is
// set, the request body contains it too.
type ClassifierRule struct {
	Type         string `yaml:"type"`
	URLContains  string `yaml:"url_contains"`
	BodyContains string `yaml:"body_contains"`
}

// SyncConfig holds observer/sync orchestration configuration
type SyncConfig struct {
	RecordsKey      string           `yaml:"records_key"`
	Classifiers     []ClassifierRule `yaml:"classifiers"`
	Workers         int              `yaml:"workers"`
	QueueSize       int              `yaml:"queue_size"`
	FailureCoalesce time.Duration    `yaml:"failure_coalesce"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for portal-sync
type Config struct {
	Tracker     TrackerConfig     `yaml:"tracker"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Backup      BackupConfig      `yaml:"backup"`
	Storage     StorageConfig     `yaml:"storage"`
	Sync        SyncConfig        `yaml:"sync"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Tracker.RequestTimeout == 0 {
		cfg.Tracker.RequestTimeout = 30 * time.Second
	}
	if cfg.Tracker.CleanupInterval == 0 {
		cfg.Tracker.CleanupInterval = 60 * time.Second
	}
	if cfg.Tracker.HistoryGrace == 0 {
		cfg.Tracker.HistoryGrace = 5 * time.Second
	}
	if cfg.Tracker.HistoryRetention == 0 {
		cfg.Tracker.HistoryRetention = 10 * cfg.Tracker.CleanupInterval
	}
	if cfg.Tracker.MaxHistory == 0 {
		cfg.Tracker.MaxHistory = 500
	}
	if cfg.Tracker.ShutdownGrace == 0 {
		cfg.Tracker.ShutdownGrace = 5 * time.Second
	}

	if cfg.Dedup.Window == 0 {
		cfg.Dedup.Window = 5 * time.Second
	}
	if cfg.Dedup.SweepInterval == 0 {
		cfg.Dedup.SweepInterval = 30 * time.Second
	}

	if cfg.Consistency.LockTimeout == 0 {
		cfg.Consistency.LockTimeout = 10 * time.Second
	}
	if cfg.Consistency.LockPoll == 0 {
		cfg.Consistency.LockPoll = 25 * time.Millisecond
	}
	if cfg.Consistency.MaxRetries == 0 {
		cfg.Consistency.MaxRetries = 3
	}
	if cfg.Consistency.RetryBackoff == 0 {
		cfg.Consistency.RetryBackoff = 50 * time.Millisecond
	}

	if cfg.Backup.Retention == 0 {
		cfg.Backup.Retention = 5
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/portal-sync"
	}
	if cfg.Storage.MaxValueBytes == 0 {
		cfg.Storage.MaxValueBytes = 5 * 1024 * 1024 // 5MB, local-storage scale
	}

	if cfg.Sync.RecordsKey == "" {
		cfg.Sync.RecordsKey = "organizations"
	}
	if len(cfg.Sync.Classifiers) == 0 {
		cfg.Sync.Classifiers = []ClassifierRule{
			{Type: "organizations", URLContains: "/api/identity/v1/user/organizations"},
			{Type: "tenants", URLContains: "/graphql", BodyContains: "GetTenants"},
		}
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 2
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = 64
	}
	if cfg.Sync.FailureCoalesce == 0 {
		cfg.Sync.FailureCoalesce = 60 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9290
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Tracker.RequestTimeout < time.Second {
		return fmt.Errorf("tracker.request_timeout must be at least 1s")
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be positive")
	}
	if c.Consistency.MaxRetries < 0 {
		return fmt.Errorf("consistency.max_retries must not be negative")
	}
	if c.Backup.Retention < 1 {
		return fmt.Errorf("backup.retention must be at least 1")
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required unless storage.in_memory is set")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	for i, rule := range c.Sync.Classifiers {
		if rule.Type == "" || rule.URLContains == "" {
			return fmt.Errorf("sync.classifiers[%d]: type and url_contains are required", i)
		}
	}
	return nil
}
