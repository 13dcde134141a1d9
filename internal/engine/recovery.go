package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loamdb/loam/internal/errors"
	"github.com/loamdb/loam/internal/index"
	"github.com/loamdb/loam/internal/pagestore"
	"github.com/loamdb/loam/internal/util"
	"github.com/loamdb/loam/internal/wal"
)

const (
	lockFileName       = "LOCK"
	walFileName        = "wal.log"
	pagesFileName      = "pages.dat"
	checkpointFileName = "CHECKPOINT"

	checkpointSize = 8 + 8 + 8 + 4 // magic + wal offset + last seq + crc
)

var checkpointMagic = []byte("LOAMCKP1")

// Recover replays durable state and moves the engine to Ready. The
// checkpoint, when present and valid, lets recovery rebuild the index
// from a page store scan instead of a full log replay; it is consumed on
// read so a later crash always falls back to the full replay.
//
// Recover is idempotent: calling it on a Ready engine is a no-op.
func (e *Engine) Recover() error {
	if e.shutdown.Load() {
		return errors.Closed()
	}
	if !e.state.CompareAndSwap(int32(StateClosed), int32(StateReplaying)) {
		if e.State() == StateReady {
			return nil
		}
		return errors.InternalError("recovery already in progress", nil)
	}

	start := time.Now()
	e.logger.Info("starting recovery", zap.String("data_dir", e.config.Storage.DataDir))

	cp, haveCP := e.readCheckpoint()
	os.Remove(e.checkpointPath())

	live := make(map[string]index.Entry)
	var maxSeq uint64
	replayed := 0

	if haveCP {
		maxSeq = cp.lastSeq
		if err := e.rebuildFromStore(live); err != nil {
			return e.failRecovery(err)
		}
		e.logger.Info("rebuilt index from page store",
			zap.Int("keys", len(live)),
			zap.Uint64("checkpoint_seq", cp.lastSeq))
	} else {
		// No trusted page store state; rebuild every record from the log.
		if err := e.store.Reset(); err != nil {
			return e.failRecovery(err)
		}
	}

	replayStart := int64(wal.HeaderSize)
	if haveCP {
		replayStart = cp.walOffset
	}

	it := e.wal.ReadFrom(replayStart)
	for it.Next() {
		ent := it.Entry()
		replayed++
		// Appends are strictly sequence-ordered in file order. A decodable
		// entry running backwards is not a torn tail; the log cannot be
		// trusted.
		if ent.Seq <= maxSeq {
			return e.failRecovery(errors.Corruption(
				fmt.Sprintf("log sequence %d at or below %d in decodable prefix", ent.Seq, maxSeq), nil))
		}
		maxSeq = ent.Seq
		if err := e.applyLogged(live, ent); err != nil {
			return e.failRecovery(err)
		}
	}
	if err := it.Err(); err != nil {
		return e.failRecovery(errors.IOFailed("log replay failed", err))
	}

	// A torn tail is the expected crash boundary, not corruption. Drop it
	// so the next append starts at a clean entry boundary.
	truncated := it.Truncated()
	if truncated {
		if err := e.wal.Truncate(it.Offset()); err != nil {
			return e.failRecovery(err)
		}
	}

	for k, ent := range live {
		e.index.Put(k, ent)
	}
	e.wal.SetNextSeq(maxSeq + 1)
	e.noteSeq(maxSeq)

	// Replayed records must be durable before operations resume; a crash
	// right after Ready must not lose what replay just rebuilt.
	if err := e.store.Sync(); err != nil {
		return e.failRecovery(err)
	}

	e.metrics.RecordRecovery(time.Since(start).Seconds(), replayed, truncated)
	e.logger.Info("recovery complete",
		zap.Uint64("last_seq", maxSeq),
		zap.Int("entries_replayed", replayed),
		zap.Int("live_keys", len(live)),
		zap.Bool("tail_truncated", truncated),
		zap.Duration("elapsed", time.Since(start)))

	e.state.Store(int32(StateReady))
	e.bgWG.Add(1)
	go e.backgroundLoop()
	return nil
}

func (e *Engine) failRecovery(err error) error {
	e.state.Store(int32(StateClosed))
	e.logger.Error("recovery failed", zap.Error(err))
	return err
}

// rebuildFromStore scans the page store and keeps the highest sequence
// number per key. Superseded and tombstone records found along the way go
// straight back to the free lists; no concurrent reader exists yet.
func (e *Engine) rebuildFromStore(live map[string]index.Entry) error {
	return e.store.Scan(func(rec pagestore.Record, loc pagestore.Location) error {
		k := string(rec.Key)
		prev, exists := live[k]
		if exists && prev.Seq >= rec.Seq {
			e.store.Free(loc)
			return nil
		}
		if exists {
			e.store.Free(prev.Loc)
		}
		if rec.Tombstone {
			delete(live, k)
			e.store.Free(loc)
			return nil
		}
		live[k] = index.Entry{Loc: loc, Seq: rec.Seq}
		return nil
	})
}

// applyLogged applies one replayed log entry to the live set, writing put
// records back into the page store. Entries at or below the sequence
// number already held for the key are duplicates and are skipped.
func (e *Engine) applyLogged(live map[string]index.Entry, ent wal.Entry) error {
	k := string(ent.Key)
	prev, exists := live[k]
	if exists && prev.Seq >= ent.Seq {
		return nil
	}

	switch ent.Op {
	case wal.OpPut:
		loc, err := e.store.WriteRecord(pagestore.Record{Seq: ent.Seq, Key: ent.Key, Value: ent.Value})
		if err != nil {
			return err
		}
		if exists {
			e.store.Free(prev.Loc)
		}
		live[k] = index.Entry{Loc: loc, Seq: ent.Seq}
	case wal.OpDelete:
		if exists {
			e.store.Free(prev.Loc)
			delete(live, k)
		}
	}
	return nil
}

type checkpoint struct {
	walOffset int64
	lastSeq   uint64
}

func (e *Engine) checkpointPath() string {
	return filepath.Join(e.config.Storage.DataDir, checkpointFileName)
}

// readCheckpoint loads and validates the checkpoint file. Any defect
// (missing, short, bad checksum, offset past the log) just disables the
// fast path; recovery then does a full replay.
func (e *Engine) readCheckpoint() (checkpoint, bool) {
	var cp checkpoint

	data, err := os.ReadFile(e.checkpointPath())
	if err != nil || len(data) != checkpointSize {
		return cp, false
	}
	payload, ok := util.ValidateAndStripChecksum(data)
	if !ok || !bytes.Equal(payload[0:8], checkpointMagic) {
		e.logger.Warn("discarding invalid checkpoint")
		return cp, false
	}

	cp.walOffset = int64(binary.LittleEndian.Uint64(payload[8:16]))
	cp.lastSeq = binary.LittleEndian.Uint64(payload[16:24])
	if cp.walOffset < wal.HeaderSize || cp.walOffset > e.wal.Size() {
		e.logger.Warn("discarding checkpoint with out-of-range offset",
			zap.Int64("offset", cp.walOffset),
			zap.Int64("log_size", e.wal.Size()))
		return cp, false
	}
	return cp, true
}

// writeCheckpoint records the clean-shutdown cut: everything up to
// walOffset is reflected in the synced page store. Written atomically via
// rename so a crash mid-write leaves no checkpoint at all.
func (e *Engine) writeCheckpoint() error {
	buf := make([]byte, 0, checkpointSize)
	buf = append(buf, checkpointMagic...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.wal.Size()))
	buf = binary.LittleEndian.AppendUint64(buf, e.lastSeq.Load())
	buf = util.AppendChecksum(buf)

	path := e.checkpointPath()
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.IOFailed("failed to create checkpoint", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return errors.IOFailed("failed to write checkpoint", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.IOFailed("failed to sync checkpoint", err)
	}
	if err := f.Close(); err != nil {
		return errors.IOFailed("failed to close checkpoint", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.IOFailed("failed to publish checkpoint", err)
	}
	return syncDir(e.config.Storage.DataDir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.IOFailed("failed to open data directory", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.IOFailed("failed to sync data directory", err)
	}
	return nil
}

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return errors.DirMissing(dir)
	}
	return nil
}

// dirLock is the exclusive-access guard for a data directory. The lock
// file holds the owner's pid so a lock left behind by a dead process can
// be broken.
type dirLock struct {
	path string
	file *os.File
}

func acquireLock(path string, logger *zap.Logger) (*dirLock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			if err := f.Sync(); err != nil {
				f.Close()
				os.Remove(path)
				return nil, errors.IOFailed("failed to sync lock file", err)
			}
			return &dirLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.IOFailed("failed to create lock file", err)
		}

		data, readErr := os.ReadFile(path)
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if readErr == nil && pid > 0 && processAlive(pid) {
			return nil, errors.Locked(path, pid)
		}

		logger.Warn("breaking stale lock file", zap.String("path", path), zap.Int("pid", pid))
		os.Remove(path)
	}
	return nil, errors.Locked(path, 0)
}

// processAlive probes a pid with signal 0. EPERM means the process exists
// under another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func (l *dirLock) release() {
	l.file.Close()
	os.Remove(l.path)
}
