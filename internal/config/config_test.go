package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/loam-test")

	assert.Equal(t, "/tmp/loam-test", cfg.Storage.DataDir)
	assert.Equal(t, 4096, cfg.PageStore.PageSize)
	assert.Equal(t, 16, cfg.Index.MaxLevel)
	assert.Equal(t, 128, cfg.Epoch.ReaderSlots)
	assert.Equal(t, 2*time.Millisecond, cfg.WAL.GroupCommitInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
storage:
  data_dir: /data/loam
wal:
  sync_writes: true
  max_retries: 5
page_store:
  page_size: 8192
epoch:
  advance_threshold: 64
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/loam", cfg.Storage.DataDir)
	assert.True(t, cfg.WAL.SyncWrites)
	assert.Equal(t, 5, cfg.WAL.MaxRetries)
	assert.Equal(t, 8192, cfg.PageStore.PageSize)
	assert.Equal(t, 64, cfg.Epoch.AdvanceThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults still fill in unspecified fields
	assert.Equal(t, 16, cfg.Index.MaxLevel)
	assert.Equal(t, 1024, cfg.Limits.MaxKeySize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad page size",
			mutate:  func(c *Config) { c.PageStore.PageSize = 100 },
			wantErr: "page_size",
		},
		{
			name:    "non power of two page size",
			mutate:  func(c *Config) { c.PageStore.PageSize = 5000 },
			wantErr: "power of two",
		},
		{
			name:    "bad max level",
			mutate:  func(c *Config) { c.Index.MaxLevel = 64 },
			wantErr: "max_level",
		},
		{
			name:    "bad disk usage",
			mutate:  func(c *Config) { c.Storage.MaxDiskUsage = 1.5 },
			wantErr: "max_disk_usage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
