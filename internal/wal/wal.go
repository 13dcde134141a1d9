package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/loamdb/loam/internal/errors"
	"github.com/loamdb/loam/internal/util"
	"go.uber.org/zap"
)

// Op identifies the kind of logged mutation
type Op uint8

const (
	OpPut    Op = 1
	OpDelete Op = 2
)

// Entry is a single decoded log entry
type Entry struct {
	Seq   uint64
	Op    Op
	Key   []byte
	Value []byte
}

const (
	// HeaderSize is the size of the file header; replay without a
	// checkpoint starts at this offset.
	HeaderSize = 16

	entryHeaderSize = 17 // seq(8) + op(1) + keyLen(4) + valLen(4)
	formatVersion   = 1

	// Length sanity bounds. Garbage past a torn tail can decode to
	// arbitrary lengths; anything past these is treated as the tail.
	maxKeyLen   = 1 << 20
	maxValueLen = 1 << 30
)

var fileMagic = []byte("LOAMWAL1")

// Config holds write-ahead log configuration
type Config struct {
	SyncWrites          bool
	GroupCommitInterval time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
}

// WAL manages the write-ahead log file. Every mutation is appended and
// fsync'd here before it becomes visible in the index. Appends are
// group-committed: concurrent callers share one fsync, and each returns
// only after its own entry is on stable storage.
type WAL struct {
	mu          sync.Mutex // guards file writes, writeOffset and nextSeq
	file        *os.File
	path        string
	config      Config
	logger      *zap.Logger
	writeOffset int64
	nextSeq     uint64

	commitMu sync.Mutex
	pending  *batch
	notify   chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// batch is one group-commit generation: every appender waiting on it is
// released by a single fsync.
type batch struct {
	done chan struct{}
	err  error
}

// Open opens or creates a write-ahead log file
func Open(path string, cfg Config, logger *zap.Logger) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat wal file: %w", err)
	}

	w := &WAL{
		file:        file,
		path:        path,
		config:      cfg,
		logger:      logger,
		writeOffset: info.Size(),
		nextSeq:     1,
		notify:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := w.validateHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.syncLoop()

	return w, nil
}

// Append appends a single entry, assigns it the next sequence number and
// returns once the entry is durable on stable storage.
func (w *WAL) Append(op Op, key, value []byte) (uint64, error) {
	w.mu.Lock()
	seq := w.nextSeq
	buf := encodeEntry(seq, op, key, value)

	if err := w.writeWithRetry(buf, w.writeOffset); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	w.nextSeq++
	w.writeOffset += int64(len(buf))

	if w.config.SyncWrites {
		err := w.syncWithRetry()
		w.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return seq, nil
	}
	w.mu.Unlock()

	b := w.joinBatch()
	<-b.done
	if b.err != nil {
		return 0, b.err
	}
	return seq, nil
}

// Sync forces the pending group-commit batch to stable storage
func (w *WAL) Sync() error {
	w.commitMu.Lock()
	b := w.pending
	w.commitMu.Unlock()

	if b != nil {
		<-b.done
		return b.err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncWithRetry()
}

// joinBatch attaches the caller to the current group-commit batch,
// creating one and waking the sync loop if none is pending.
func (w *WAL) joinBatch() *batch {
	w.commitMu.Lock()
	b := w.pending
	if b == nil {
		b = &batch{done: make(chan struct{})}
		w.pending = b
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	w.commitMu.Unlock()
	return b
}

// syncLoop fsyncs one batch at a time. The short wait after wakeup lets
// concurrent appenders pile onto the same batch and share the fsync cost.
func (w *WAL) syncLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			w.flushPending()
			return
		case <-w.notify:
			time.Sleep(w.config.GroupCommitInterval)
			w.flushPending()
		}
	}
}

func (w *WAL) flushPending() {
	w.commitMu.Lock()
	b := w.pending
	w.pending = nil
	w.commitMu.Unlock()

	if b == nil {
		return
	}

	w.mu.Lock()
	err := w.syncWithRetry()
	w.mu.Unlock()

	b.err = err
	close(b.done)
}

// writeWithRetry retries transient write failures with backoff before
// surfacing an I/O error. The file region is rewritten from the same
// offset on every attempt, so a failed partial write cannot leak into a
// later entry's bytes.
func (w *WAL) writeWithRetry(buf []byte, offset int64) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryBackoff * time.Duration(attempt))
			w.logger.Warn("Retrying wal write",
				zap.Int("attempt", attempt),
				zap.Int64("offset", offset),
				zap.Error(lastErr))
		}
		if _, err := w.file.WriteAt(buf, offset); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errors.IOFailed("wal write failed", lastErr)
}

func (w *WAL) syncWithRetry() error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryBackoff * time.Duration(attempt))
		}
		if err := w.file.Sync(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errors.IOFailed("wal sync failed", lastErr)
}

// NextSeq returns the sequence number the next append will receive
func (w *WAL) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// SetNextSeq sets the next sequence number; called by recovery after the
// highest durable sequence number is known.
func (w *WAL) SetNextSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextSeq = seq
}

// Size returns the current end-of-log offset
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeOffset
}

// Truncate discards everything at and past offset. Recovery uses this to
// drop a torn tail after replay stops at the last valid entry boundary.
func (w *WAL) Truncate(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if offset < HeaderSize {
		offset = HeaderSize
	}
	if err := w.file.Truncate(offset); err != nil {
		return errors.IOFailed("wal truncate failed", err)
	}
	if err := w.file.Sync(); err != nil {
		return errors.IOFailed("wal sync failed", err)
	}
	w.writeOffset = offset

	w.logger.Info("Truncated wal tail", zap.Int64("offset", offset))
	return nil
}

// Close flushes the pending group-commit batch and closes the file
func (w *WAL) Close() error {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal on close: %w", err)
	}
	return w.file.Close()
}

func (w *WAL) writeHeader() error {
	hdr := make([]byte, HeaderSize)
	copy(hdr[0:8], fileMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], formatVersion)

	if _, err := w.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("failed to write wal header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal header: %w", err)
	}
	w.writeOffset = HeaderSize
	return nil
}

func (w *WAL) validateHeader() error {
	hdr := make([]byte, HeaderSize)
	if _, err := w.file.ReadAt(hdr, 0); err != nil {
		return errors.IncompatibleFormat("wal", 0, formatVersion)
	}
	if string(hdr[0:8]) != string(fileMagic) {
		return errors.IncompatibleFormat("wal", 0, formatVersion)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != formatVersion {
		return errors.IncompatibleFormat("wal", v, formatVersion)
	}
	return nil
}

// encodeEntry serializes an entry and appends its checksum.
// Format: [seq(8)][op(1)][keyLen(4)][valLen(4)][key][value][crc32(4)]
func encodeEntry(seq uint64, op Op, key, value []byte) []byte {
	buf := make([]byte, entryHeaderSize, entryHeaderSize+len(key)+len(value)+4)
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	buf[8] = byte(op)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(value)))
	buf = append(buf, key...)
	buf = append(buf, value...)
	return util.AppendChecksum(buf)
}

// Iterator is a restartable forward scan over log entries. It stops
// cleanly at the first undecodable entry: everything before it is trusted,
// everything at and after it is the crash boundary.
type Iterator struct {
	file   *os.File
	offset int64
	entry  Entry
	err    error
	torn   bool
	done   bool
}

// ReadFrom returns an iterator positioned at offset, or at the first entry
// when offset lies inside the file header.
func (w *WAL) ReadFrom(offset int64) *Iterator {
	if offset < HeaderSize {
		offset = HeaderSize
	}
	return &Iterator{file: w.file, offset: offset}
}

// Next advances to the next valid entry. It returns false at clean EOF and
// at the first torn or corrupt entry; Truncated distinguishes the two.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	hdr := make([]byte, entryHeaderSize)
	n, err := it.file.ReadAt(hdr, it.offset)
	if n == 0 && err == io.EOF {
		it.done = true
		return false
	}
	if n < entryHeaderSize {
		it.stop(err)
		return false
	}

	seq := binary.LittleEndian.Uint64(hdr[0:8])
	op := Op(hdr[8])
	keyLen := binary.LittleEndian.Uint32(hdr[9:13])
	valLen := binary.LittleEndian.Uint32(hdr[13:17])

	if op != OpPut && op != OpDelete {
		it.stop(nil)
		return false
	}
	if keyLen > maxKeyLen || valLen > maxValueLen {
		it.stop(nil)
		return false
	}

	rest := make([]byte, int(keyLen)+int(valLen)+4)
	n, err = it.file.ReadAt(rest, it.offset+entryHeaderSize)
	if n < len(rest) {
		it.stop(err)
		return false
	}

	full := append(hdr, rest...)
	payload, ok := util.ValidateAndStripChecksum(full)
	if !ok {
		it.stop(nil)
		return false
	}

	it.entry = Entry{
		Seq:   seq,
		Op:    op,
		Key:   payload[entryHeaderSize : entryHeaderSize+keyLen],
		Value: payload[entryHeaderSize+keyLen:],
	}
	it.offset += int64(len(full))
	return true
}

// stop marks the iterator done at a torn or unreadable entry. Real I/O
// errors other than a short read at EOF are preserved for Err.
func (it *Iterator) stop(err error) {
	it.done = true
	it.torn = true
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		it.err = err
	}
}

// Entry returns the current entry; valid after Next returns true
func (it *Iterator) Entry() Entry {
	return it.entry
}

// Offset returns the byte offset just past the last valid entry read.
// When the iterator stopped at a torn tail, this is the truncation point.
func (it *Iterator) Offset() int64 {
	return it.offset
}

// Truncated reports whether the scan ended at an undecodable entry rather
// than at a clean end of file.
func (it *Iterator) Truncated() bool {
	return it.torn
}

// Err returns a real I/O error encountered during the scan, if any.
// A torn tail is not an error.
func (it *Iterator) Err() error {
	return it.err
}
