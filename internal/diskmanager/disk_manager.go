// Package diskmanager monitors free space under the data directory and
// rejects writes that would run the volume out of room. Checks are cached
// and refreshed on an interval so the hot write path never stats the
// filesystem more than once per interval.
package diskmanager

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loamdb/loam/internal/errors"
)

// Config holds disk manager configuration
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns the default thresholds for a data directory
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// DiskManager tracks disk usage for the data directory
type DiskManager struct {
	config Config
	logger *zap.Logger

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	circuitBroken  bool
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, errors.InvalidArgument("data directory is required", nil)
	}
	dm := &DiskManager{config: cfg, logger: logger}

	dm.mu.Lock()
	err := dm.refresh()
	dm.mu.Unlock()
	if err != nil {
		logger.Warn("initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

// CheckBeforeWrite rejects the write if the volume is over the circuit
// breaker threshold or the estimated bytes would not fit.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.config.CheckInterval {
		if err := dm.refresh(); err != nil {
			dm.logger.Warn("disk space check failed", zap.Error(err))
		}
	}

	if dm.circuitBroken {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes)
	}
	if estimatedBytes > dm.availableBytes {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes)
	}
	return nil
}

// refresh stats the filesystem and updates cached state. Caller holds mu.
func (dm *DiskManager) refresh() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dm.config.DataDir, &stat); err != nil {
		return errors.IOFailed("failed to stat filesystem", err)
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	usagePercent := 0.0
	if totalBytes > 0 {
		usagePercent = float64(totalBytes-availableBytes) / float64(totalBytes) * 100.0
	}

	previouslyBroken := dm.circuitBroken
	dm.usagePercent = usagePercent
	dm.availableBytes = availableBytes
	dm.circuitBroken = usagePercent >= dm.config.CircuitBreakerThreshold
	dm.lastCheck = time.Now()

	if dm.circuitBroken && !previouslyBroken {
		dm.logger.Error("disk circuit breaker engaged",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	} else if !dm.circuitBroken && previouslyBroken {
		dm.logger.Info("disk circuit breaker disengaged",
			zap.Float64("usage_percent", usagePercent))
	} else if usagePercent >= dm.config.WarningThreshold {
		dm.logger.Warn("disk usage high",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}
	return nil
}

// Usage returns the cached usage statistics
func (dm *DiskManager) Usage() (usagePercent float64, availableBytes uint64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.usagePercent, dm.availableBytes
}

// ForceCheck refreshes the cached state immediately
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.refresh()
}
