package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig holds data directory configuration
type StorageConfig struct {
	DataDir      string  `yaml:"data_dir"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// WALConfig holds write-ahead log configuration
type WALConfig struct {
	SyncWrites          bool          `yaml:"sync_writes"`
	GroupCommitInterval time.Duration `yaml:"group_commit_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
}

// PageStoreConfig holds page store configuration
type PageStoreConfig struct {
	PageSize      int `yaml:"page_size"`
	MaxSizeClass  int `yaml:"max_size_class"`
	PreallocPages int `yaml:"prealloc_pages"`
}

// IndexConfig holds concurrent index configuration
type IndexConfig struct {
	MaxLevel int `yaml:"max_level"`
}

// EpochConfig holds epoch reclaimer configuration
type EpochConfig struct {
	ReaderSlots      int           `yaml:"reader_slots"`
	AdvanceThreshold int           `yaml:"advance_threshold"`
	AdvanceInterval  time.Duration `yaml:"advance_interval"`
}

// LimitsConfig holds key/value size limits enforced at the engine boundary
type LimitsConfig struct {
	MaxKeySize   int `yaml:"max_key_size"`
	MaxValueSize int `yaml:"max_value_size"`
}

// WorkerPoolConfig holds background worker pool configuration
type WorkerPoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the engine
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	WAL        WALConfig        `yaml:"wal"`
	PageStore  PageStoreConfig  `yaml:"page_store"`
	Index      IndexConfig      `yaml:"index"`
	Epoch      EpochConfig      `yaml:"epoch"`
	Limits     LimitsConfig     `yaml:"limits"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
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

// DefaultConfig returns a configuration with all defaults applied,
// for embedded use without a config file.
func DefaultConfig(dataDir string) *Config {
	cfg := &Config{}
	cfg.Storage.DataDir = dataDir
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/loam"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}

	if cfg.WAL.GroupCommitInterval == 0 {
		cfg.WAL.GroupCommitInterval = 2 * time.Millisecond
	}
	if cfg.WAL.MaxRetries == 0 {
		cfg.WAL.MaxRetries = 3
	}
	if cfg.WAL.RetryBackoff == 0 {
		cfg.WAL.RetryBackoff = 10 * time.Millisecond
	}

	if cfg.PageStore.PageSize == 0 {
		cfg.PageStore.PageSize = 4096
	}
	if cfg.PageStore.MaxSizeClass == 0 {
		cfg.PageStore.MaxSizeClass = 8 // up to 256 pages per record
	}

	if cfg.Index.MaxLevel == 0 {
		cfg.Index.MaxLevel = 16
	}

	if cfg.Epoch.ReaderSlots == 0 {
		cfg.Epoch.ReaderSlots = 128
	}
	if cfg.Epoch.AdvanceThreshold == 0 {
		cfg.Epoch.AdvanceThreshold = 128
	}
	if cfg.Epoch.AdvanceInterval == 0 {
		cfg.Epoch.AdvanceInterval = 100 * time.Millisecond
	}

	if cfg.Limits.MaxKeySize == 0 {
		cfg.Limits.MaxKeySize = 1024 // 1 KB
	}
	if cfg.Limits.MaxValueSize == 0 {
		cfg.Limits.MaxValueSize = 10 * 1024 * 1024 // 10 MB
	}

	if cfg.WorkerPool.Workers == 0 {
		cfg.WorkerPool.Workers = 2
	}
	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
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
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.PageStore.PageSize < 512 {
		return fmt.Errorf("page_store.page_size must be at least 512")
	}
	if c.PageStore.PageSize&(c.PageStore.PageSize-1) != 0 {
		return fmt.Errorf("page_store.page_size must be a power of two")
	}
	if c.Index.MaxLevel < 1 || c.Index.MaxLevel > 32 {
		return fmt.Errorf("index.max_level must be between 1 and 32")
	}
	if c.Epoch.ReaderSlots < 1 {
		return fmt.Errorf("epoch.reader_slots must be positive")
	}
	if c.Limits.MaxKeySize < 1 {
		return fmt.Errorf("limits.max_key_size must be positive")
	}
	return nil
}
