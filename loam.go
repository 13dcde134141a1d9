// Package loam is an embedded, crash-consistent key-value storage engine.
// Every write is logged and fsync'd before it becomes visible; reads are
// lock-free and never block behind writers. A database owns one data
// directory exclusively and restores its last durable state on open.
//
//	db, err := loam.Open("/var/lib/myapp")
//	if err != nil { ... }
//	defer db.Close()
//
//	seq, err := db.Put([]byte("user/42"), []byte(`{"name":"ada"}`))
//	val, err := db.Get([]byte("user/42"))
package loam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/loamdb/loam/internal/config"
	"github.com/loamdb/loam/internal/diskmanager"
	"github.com/loamdb/loam/internal/engine"
	"github.com/loamdb/loam/internal/errors"
	"github.com/loamdb/loam/internal/metrics"
)

// IsNotFound reports whether err is a missing-key result
func IsNotFound(err error) bool {
	return errors.IsNotFound(err)
}

// IsCASMismatch reports whether err is a failed compare-and-swap
func IsCASMismatch(err error) bool {
	return errors.IsCASMismatch(err)
}

// IsCorruption reports whether err indicates corrupted durable state
func IsCorruption(err error) bool {
	return errors.IsCorruption(err)
}

// DB is an open database handle. All methods are safe for concurrent use.
type DB struct {
	engine   *engine.Engine
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Open opens the database in dataDir with default configuration and
// recovers it to its last durable state. The directory must exist and
// not be held by another process.
func Open(dataDir string) (*DB, error) {
	return OpenWithConfig(config.DefaultConfig(dataDir), zap.NewNop())
}

// OpenWithConfig opens the database with explicit configuration and
// logger, then recovers it. Each handle registers its metrics on a
// private registry so multiple databases in one process never collide.
func OpenWithConfig(cfg *config.Config, logger *zap.Logger) (*DB, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(registry)

	eng, err := engine.Open(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	if err := eng.Recover(); err != nil {
		eng.Close()
		return nil, err
	}

	return &DB{
		engine:   eng,
		registry: registry,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Put stores value under key and returns the assigned sequence number.
// It returns once the write is durable.
func (db *DB) Put(key, value []byte) (uint64, error) {
	return db.engine.Put(key, value)
}

// Get returns the value stored under key. A missing key is reported with
// an error satisfying IsNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.engine.Get(key)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key []byte) (uint64, error) {
	return db.engine.Delete(key)
}

// CompareAndSwap replaces key's value with newValue only if the current
// value equals expected. A nil expected requires the key to be absent; a
// nil newValue deletes the key. A failed comparison is reported with an
// error satisfying IsCASMismatch.
func (db *DB) CompareAndSwap(key, expected, newValue []byte) (uint64, error) {
	return db.engine.CompareAndSwap(key, expected, newValue)
}

// Range calls fn in key order for every key with start <= key < end; an
// empty end means unbounded. Return false from fn to stop early. The scan
// is a live view, not a snapshot.
func (db *DB) Range(start, end []byte, fn func(key, value []byte) bool) error {
	return db.engine.Range(start, end, fn)
}

// Sync forces all pending writes to stable storage
func (db *DB) Sync() error {
	return db.engine.Sync()
}

// Len returns the number of live keys
func (db *DB) Len() int {
	return db.engine.Len()
}

// LastSeq returns the highest sequence number assigned so far
func (db *DB) LastSeq() uint64 {
	return db.engine.LastSeq()
}

// Ready reports whether the database has finished recovery and is
// accepting operations.
func (db *DB) Ready() bool {
	return db.engine.Ready()
}

// Registry returns the handle's private metrics registry
func (db *DB) Registry() *prometheus.Registry {
	return db.registry
}

// Metrics returns the handle's metric set
func (db *DB) Metrics() *metrics.Metrics {
	return db.metrics
}

// DiskManager returns the disk monitor for the data directory
func (db *DB) DiskManager() *diskmanager.DiskManager {
	return db.engine.DiskManager()
}

// Close flushes all state, writes a clean-shutdown checkpoint and
// releases the data directory. The handle is unusable afterwards.
func (db *DB) Close() error {
	return db.engine.Close()
}
