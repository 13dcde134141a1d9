// Package engine ties the storage components together: every mutation is
// appended to the write-ahead log, written to the page store, then
// published in the concurrent index; superseded record pages flow through
// the epoch reclaimer back to the page store's free lists.
//
// Readers are lock-free end to end. Writers to different keys share no
// locks either; writers to the same key serialize on a striped mutex so
// log order, index order and compare-and-swap stay mutually consistent
// for each key.
package engine

import (
	"bytes"
	"hash/fnv"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loamdb/loam/internal/config"
	"github.com/loamdb/loam/internal/diskmanager"
	"github.com/loamdb/loam/internal/epoch"
	"github.com/loamdb/loam/internal/errors"
	"github.com/loamdb/loam/internal/index"
	"github.com/loamdb/loam/internal/metrics"
	"github.com/loamdb/loam/internal/pagestore"
	"github.com/loamdb/loam/internal/util/workerpool"
	"github.com/loamdb/loam/internal/validation"
	"github.com/loamdb/loam/internal/wal"
)

// State is the engine lifecycle state
type State int32

const (
	StateClosed State = iota
	StateReplaying
	StateReady
)

func (s State) String() string {
	switch s {
	case StateReplaying:
		return "replaying"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

const writeStripes = 64

// Engine is a single-directory key-value storage engine
type Engine struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	wal       *wal.WAL
	store     *pagestore.Store
	index     *index.Index
	collector *epoch.Collector
	disk      *diskmanager.DiskManager
	validator *validation.Validator
	pool      *workerpool.Pool

	state    atomic.Int32
	shutdown atomic.Bool
	lock     *dirLock
	lastSeq  atomic.Uint64

	stripes [writeStripes]sync.Mutex

	stopCh    chan struct{}
	bgWG      sync.WaitGroup
	closeOnce sync.Once

	maintMu     sync.Mutex
	lastRetired uint64
	lastFreed   uint64
}

// Open acquires the data directory and opens the on-disk structures. The
// engine starts in the Closed state; no operation succeeds until Recover
// has rebuilt the index and moved it to Ready.
func Open(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.InvalidArgument("invalid engine configuration", err)
	}

	dataDir := cfg.Storage.DataDir
	if err := checkDataDir(dataDir); err != nil {
		return nil, err
	}

	lock, err := acquireLock(filepath.Join(dataDir, lockFileName), logger)
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(filepath.Join(dataDir, walFileName), wal.Config{
		SyncWrites:          cfg.WAL.SyncWrites,
		GroupCommitInterval: cfg.WAL.GroupCommitInterval,
		MaxRetries:          cfg.WAL.MaxRetries,
		RetryBackoff:        cfg.WAL.RetryBackoff,
	}, logger)
	if err != nil {
		lock.release()
		return nil, err
	}

	store, err := pagestore.Open(filepath.Join(dataDir, pagesFileName), pagestore.Config{
		PageSize:     cfg.PageStore.PageSize,
		MaxSizeClass: cfg.PageStore.MaxSizeClass,
	}, logger)
	if err != nil {
		w.Close()
		lock.release()
		return nil, err
	}

	disk, err := diskmanager.NewDiskManager(diskmanager.Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        cfg.Storage.MaxDiskUsage*100 - 10,
		CircuitBreakerThreshold: cfg.Storage.MaxDiskUsage * 100,
	}, logger)
	if err != nil {
		store.Close()
		w.Close()
		lock.release()
		return nil, err
	}

	e := &Engine{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		wal:       w,
		store:     store,
		index:     index.New(cfg.Index.MaxLevel),
		collector: epoch.NewCollector(epoch.Config{ReaderSlots: cfg.Epoch.ReaderSlots, AdvanceThreshold: cfg.Epoch.AdvanceThreshold}, logger),
		disk:      disk,
		validator: validation.NewValidatorWithLimits(cfg.Limits.MaxKeySize, cfg.Limits.MaxValueSize),
		lock:      lock,
		stopCh:    make(chan struct{}),
	}
	e.pool = workerpool.New(workerpool.Config{
		Name:       "engine-background",
		MaxWorkers: cfg.WorkerPool.Workers,
		QueueSize:  cfg.WorkerPool.QueueSize,
	}, logger)

	logger.Info("engine opened",
		zap.String("data_dir", dataDir),
		zap.Int("page_size", cfg.PageStore.PageSize),
		zap.Bool("sync_writes", cfg.WAL.SyncWrites))
	return e, nil
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// DiskManager exposes the disk monitor for readiness reporting
func (e *Engine) DiskManager() *diskmanager.DiskManager {
	return e.disk
}

// Ready reports whether the engine is accepting operations
func (e *Engine) Ready() bool {
	return e.State() == StateReady
}

func (e *Engine) requireReady() error {
	if e.State() != StateReady {
		return errors.Closed()
	}
	return nil
}

func (e *Engine) stripe(key []byte) *sync.Mutex {
	h := fnv.New32a()
	h.Write(key)
	return &e.stripes[h.Sum32()%writeStripes]
}

// noteSeq advances the high-water sequence number. Writers on different
// stripes can finish out of order, so the update is a max.
func (e *Engine) noteSeq(seq uint64) {
	for {
		cur := e.lastSeq.Load()
		if seq <= cur || e.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Put stores value under key and returns the assigned sequence number.
// The call returns once the log entry is on stable storage.
func (e *Engine) Put(key, value []byte) (uint64, error) {
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	if err := e.validator.ValidateWrite(key, value); err != nil {
		return 0, err
	}
	if err := e.disk.CheckBeforeWrite(validation.EstimateWriteSize(key, value, uint32(e.config.PageStore.PageSize))); err != nil {
		return 0, err
	}

	start := time.Now()
	mu := e.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	seq, err := e.append(wal.OpPut, key, value)
	if err != nil {
		return 0, err
	}
	loc, err := e.store.WriteRecord(pagestore.Record{Seq: seq, Key: key, Value: value})
	if err != nil {
		return 0, err
	}

	e.publish(string(key), index.Entry{Loc: loc, Seq: seq})
	e.noteSeq(seq)
	e.metrics.RecordPut(time.Since(start).Seconds(), len(key)+len(value))
	return seq, nil
}

// Get returns the value stored under key, or NotFound
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateKey(key); err != nil {
		return nil, err
	}

	start := time.Now()
	g := e.collector.Enter()
	defer g.Release()

	ent, ok := e.index.Get(string(key))
	if !ok || ent.Tombstone {
		e.metrics.RecordGet(time.Since(start).Seconds(), false)
		return nil, errors.KeyNotFound(string(key))
	}

	// The guard keeps ent.Loc alive until the read completes.
	rec, err := e.store.ReadRecord(ent.Loc)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordGet(time.Since(start).Seconds(), true)
	return rec.Value, nil
}

// Delete removes key and returns the assigned sequence number. Deleting
// an absent key is not an error; the tombstone still orders against
// concurrent writes.
func (e *Engine) Delete(key []byte) (uint64, error) {
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	if err := e.validator.ValidateKey(key); err != nil {
		return 0, err
	}

	mu := e.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	seq, err := e.append(wal.OpDelete, key, nil)
	if err != nil {
		return 0, err
	}

	e.publish(string(key), index.Entry{Seq: seq, Tombstone: true})
	e.noteSeq(seq)
	e.metrics.DeletesTotal.Inc()
	return seq, nil
}

// CompareAndSwap replaces key's value with newValue only if its current
// value equals expected. A nil expected requires the key to be absent; a
// nil newValue deletes the key on success.
func (e *Engine) CompareAndSwap(key, expected, newValue []byte) (uint64, error) {
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	if err := e.validator.ValidateKey(key); err != nil {
		return 0, err
	}
	if newValue != nil {
		if err := e.validator.ValidateValue(newValue); err != nil {
			return 0, err
		}
		if err := e.disk.CheckBeforeWrite(validation.EstimateWriteSize(key, newValue, uint32(e.config.PageStore.PageSize))); err != nil {
			return 0, err
		}
	}

	mu := e.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	// The stripe excludes every other writer of this key, so the
	// compare below stays valid through the install.
	current, exists, err := e.currentValue(key)
	if err != nil {
		return 0, err
	}

	if expected == nil {
		if exists {
			e.metrics.RecordCAS("mismatch")
			return 0, errors.CASMismatch(string(key))
		}
	} else {
		if !exists || !bytes.Equal(current, expected) {
			e.metrics.RecordCAS("mismatch")
			return 0, errors.CASMismatch(string(key))
		}
	}

	var seq uint64
	if newValue == nil {
		seq, err = e.append(wal.OpDelete, key, nil)
		if err != nil {
			return 0, err
		}
		e.publish(string(key), index.Entry{Seq: seq, Tombstone: true})
	} else {
		seq, err = e.append(wal.OpPut, key, newValue)
		if err != nil {
			return 0, err
		}
		var loc pagestore.Location
		loc, err = e.store.WriteRecord(pagestore.Record{Seq: seq, Key: key, Value: newValue})
		if err != nil {
			return 0, err
		}
		e.publish(string(key), index.Entry{Loc: loc, Seq: seq})
	}
	e.noteSeq(seq)
	e.metrics.RecordCAS("success")
	return seq, nil
}

func (e *Engine) currentValue(key []byte) ([]byte, bool, error) {
	g := e.collector.Enter()
	defer g.Release()

	ent, ok := e.index.Get(string(key))
	if !ok || ent.Tombstone {
		return nil, false, nil
	}
	rec, err := e.store.ReadRecord(ent.Loc)
	if err != nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Range calls fn in key order for every key with start <= key < end; an
// empty end is unbounded. The scan is a live view, not a snapshot:
// concurrent writes may or may not be observed.
func (e *Engine) Range(start, end []byte, fn func(key, value []byte) bool) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	if err := e.validator.ValidateRange(start, end); err != nil {
		return err
	}
	e.metrics.ScansTotal.Inc()

	g := e.collector.Enter()
	defer g.Release()

	var readErr error
	e.index.Range(string(start), string(end), func(k string, ent index.Entry) bool {
		rec, err := e.store.ReadRecord(ent.Loc)
		if err != nil {
			readErr = err
			return false
		}
		return fn([]byte(k), rec.Value)
	})
	return readErr
}

// Sync forces all pending log writes to stable storage
func (e *Engine) Sync() error {
	if err := e.requireReady(); err != nil {
		return err
	}
	start := time.Now()
	if err := e.wal.Sync(); err != nil {
		return err
	}
	e.metrics.RecordLogSync(time.Since(start).Seconds())
	return nil
}

// Len returns the number of live keys
func (e *Engine) Len() int {
	return e.index.Len()
}

// LastSeq returns the highest sequence number assigned so far
func (e *Engine) LastSeq() uint64 {
	return e.lastSeq.Load()
}

func (e *Engine) append(op wal.Op, key, value []byte) (uint64, error) {
	start := time.Now()
	seq, err := e.wal.Append(op, key, value)
	if err != nil {
		return 0, err
	}
	e.metrics.RecordLogAppend(time.Since(start).Seconds())
	return seq, nil
}

// publish installs the entry and retires whatever record it superseded.
// Retired locations reach the page store's free lists only after every
// reader that could observe them has moved on.
func (e *Engine) publish(key string, ent index.Entry) {
	old, installed := e.index.Put(key, ent)
	if !installed {
		// A higher sequence number is already published; this entry's
		// pages are unreachable from the index.
		if !ent.Tombstone {
			e.retire(ent.Loc)
		}
		return
	}
	if old != nil && !old.Tombstone {
		e.retire(old.Loc)
	}
}

func (e *Engine) retire(loc pagestore.Location) {
	e.collector.Retire(func() { e.store.Free(loc) })
}

// backgroundLoop periodically hands maintenance to the worker pool:
// epoch advancement, gauge refreshes and disk checks.
func (e *Engine) backgroundLoop() {
	defer e.bgWG.Done()

	ticker := time.NewTicker(e.config.Epoch.AdvanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pool.TrySubmit(workerpool.Task{Name: "maintenance", Fn: e.maintenance})
		}
	}
}

func (e *Engine) maintenance() error {
	e.collector.TryAdvance()

	e.maintMu.Lock()
	retired, freed := e.collector.Stats()
	e.metrics.UpdateEpochStats(e.collector.Epoch(), retired-e.lastRetired, freed-e.lastFreed)
	e.lastRetired, e.lastFreed = retired, freed
	e.maintMu.Unlock()

	e.metrics.IndexEntriesTotal.Set(float64(e.index.Len()))
	e.metrics.LogSizeBytes.Set(float64(e.wal.Size()))
	e.metrics.PagesTotal.Set(float64(e.store.NumPages()))
	return nil
}

// Close flushes everything, writes a checkpoint and releases the data
// directory. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.doClose() })
	return err
}

func (e *Engine) doClose() error {
	wasReady := State(e.state.Swap(int32(StateClosed))) == StateReady
	e.shutdown.Store(true)

	close(e.stopCh)
	e.bgWG.Wait()
	e.pool.Stop(5 * time.Second)

	// Wait out in-flight writers; new ones already fail the state check.
	for i := range e.stripes {
		e.stripes[i].Lock()
	}
	for i := range e.stripes {
		e.stripes[i].Unlock()
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if wasReady {
		e.collector.Drain()
		keep(e.wal.Sync())
		keep(e.store.Sync())
		if firstErr == nil {
			keep(e.writeCheckpoint())
		}
	}

	keep(e.wal.Close())
	keep(e.store.Close())
	e.lock.release()

	e.logger.Info("engine closed", zap.Uint64("last_seq", e.lastSeq.Load()))
	return firstErr
}
