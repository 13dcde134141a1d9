package pagestore

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"sync"

	"github.com/loamdb/loam/internal/errors"
	"github.com/loamdb/loam/internal/util"
	"go.uber.org/zap"
)

const (
	headerSize    = 16
	formatVersion = 1

	recordHeaderSize = 21 // magic(4) + seq(8) + flags(1) + keyLen(4) + valLen(4)
	recordTrailerLen = 4  // crc32

	flagTombstone = 0x01
)

var (
	fileMagic   = []byte("LOAMPAG1")
	recordMagic = []byte("LREC")
)

// Location identifies a record's pages in the store
type Location struct {
	Page  uint32 // first page index
	Count uint32 // allocated page count
}

// Record is the on-disk representation of one key-value entry. Records are
// immutable once written; an update writes a new record under a higher
// sequence number and the old one is freed through the epoch reclaimer.
type Record struct {
	Seq       uint64
	Tombstone bool
	Key       []byte
	Value     []byte
}

// Config holds page store configuration
type Config struct {
	PageSize     int
	MaxSizeClass int
}

// Store is the page-structured record file. Free space is tracked by
// size-class free lists; each class bucket has its own lock so the
// deferred-free path is serialized per bucket, never globally.
type Store struct {
	mu       sync.Mutex // guards file extension
	file     *os.File
	path     string
	config   Config
	logger   *zap.Logger
	numPages uint32 // pages allocated so far, including the header page

	classes  []*classList
	oversize *classList
}

// classList is one size-class free-list bucket
type classList struct {
	mu   sync.Mutex
	free []Location
}

// Open opens or creates a page store file
func Open(path string, cfg Config, logger *zap.Logger) (*Store, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open page store: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat page store: %w", err)
	}

	s := &Store{
		file:     file,
		path:     path,
		config:   cfg,
		logger:   logger,
		classes:  make([]*classList, cfg.MaxSizeClass),
		oversize: &classList{},
	}
	for i := range s.classes {
		s.classes[i] = &classList{}
	}

	if info.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		s.numPages = 1
	} else {
		if err := s.validateHeader(); err != nil {
			file.Close()
			return nil, err
		}
		// Round up so a record whose bytes end short of its final page
		// boundary is still inside the scanned range.
		s.numPages = uint32((info.Size() + int64(cfg.PageSize) - 1) / int64(cfg.PageSize))
	}

	return s, nil
}

// WriteRecord encodes and writes a record, allocating its pages. The
// encoded bytes are padded out to the full allocation, so the file
// always ends on a span boundary and reading a span never runs past the
// end of the file. Padding a reused span also clobbers whatever the
// previous occupant left on its trailing pages.
func (s *Store) WriteRecord(rec Record) (Location, error) {
	buf := encodeRecord(rec)

	loc := s.allocate(s.pagesFor(len(buf)))
	if span := int(loc.Count) * s.config.PageSize; len(buf) < span {
		buf = append(buf, make([]byte, span-len(buf))...)
	}
	if _, err := s.file.WriteAt(buf, s.pageOffset(loc.Page)); err != nil {
		s.Free(loc)
		return Location{}, errors.IOFailed("page store write failed", err)
	}
	return loc, nil
}

// ReadRecord reads and decodes the record at loc. A short read is
// tolerated as long as it covers the encoded record; anything past that
// is span padding.
func (s *Store) ReadRecord(loc Location) (Record, error) {
	buf := make([]byte, int(loc.Count)*s.config.PageSize)
	n, err := s.file.ReadAt(buf, s.pageOffset(loc.Page))
	if err != nil && n < recordHeaderSize+recordTrailerLen {
		return Record{}, errors.IOFailed("page store read failed", err)
	}
	return decodeRecord(buf[:n])
}

// Free returns a record's pages to its size-class free list and
// invalidates the record so a later sequential scan skips it. Callers
// never invoke this directly; frees arrive only through the epoch
// reclaimer's deferred-free path.
func (s *Store) Free(loc Location) {
	// Clobber the magic position on every page of the span. A scan steps
	// through freed spans page by page, and continuation pages hold raw
	// key and value bytes that could otherwise parse as a record header.
	var zero [4]byte
	for p := uint32(0); p < loc.Count; p++ {
		if _, err := s.file.WriteAt(zero[:], s.pageOffset(loc.Page+p)); err != nil {
			s.logger.Warn("Failed to invalidate freed record", zap.Uint32("page", loc.Page+p), zap.Error(err))
			break
		}
	}

	bucket := s.bucketFor(loc.Count)
	bucket.mu.Lock()
	bucket.free = append(bucket.free, loc)
	bucket.mu.Unlock()
}

// Scan iterates all live records in page order. Recovery from a checkpoint
// uses this to rebuild the index without replaying the whole log.
func (s *Store) Scan(fn func(rec Record, loc Location) error) error {
	s.mu.Lock()
	numPages := s.numPages
	s.mu.Unlock()

	page := make([]byte, s.config.PageSize)
	for idx := uint32(1); idx < numPages; {
		n, err := s.file.ReadAt(page, s.pageOffset(idx))
		if n < len(page) && err != nil {
			return errors.IOFailed("page store scan failed", err)
		}

		if string(page[0:4]) != string(recordMagic) {
			idx++
			continue
		}

		keyLen := binary.LittleEndian.Uint32(page[13:17])
		valLen := binary.LittleEndian.Uint32(page[17:21])
		total := recordHeaderSize + int(keyLen) + int(valLen) + recordTrailerLen
		count := s.roundedCount(s.pagesFor(total))

		buf := make([]byte, int(count)*s.config.PageSize)
		n, err = s.file.ReadAt(buf, s.pageOffset(idx))
		if n < total && err != nil {
			return errors.IOFailed("page store scan failed", err)
		}

		rec, err := decodeRecord(buf)
		if err != nil {
			return err
		}

		loc := Location{Page: idx, Count: count}
		if err := fn(rec, loc); err != nil {
			return err
		}
		idx += count
	}
	return nil
}

// Reset truncates the store back to just its header. Recovery without a
// valid checkpoint rebuilds every record from the log.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(int64(s.config.PageSize)); err != nil {
		return errors.IOFailed("page store truncate failed", err)
	}
	s.numPages = 1
	for _, c := range s.classes {
		c.mu.Lock()
		c.free = nil
		c.mu.Unlock()
	}
	s.oversize.mu.Lock()
	s.oversize.free = nil
	s.oversize.mu.Unlock()
	return nil
}

// Sync flushes the store to stable storage; called when a checkpoint is
// about to be written.
func (s *Store) Sync() error {
	if err := s.file.Sync(); err != nil {
		return errors.IOFailed("page store sync failed", err)
	}
	return nil
}

// NumPages returns the number of pages allocated so far
func (s *Store) NumPages() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

// Close flushes and closes the store
func (s *Store) Close() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync page store on close: %w", err)
	}
	return s.file.Close()
}

// allocate reserves count contiguous pages, reusing a free-list entry of
// the matching size class when one exists.
func (s *Store) allocate(count uint32) Location {
	rounded := s.roundedCount(count)
	if class, ok := s.classFor(count); ok {
		bucket := s.classes[class]
		bucket.mu.Lock()
		if n := len(bucket.free); n > 0 {
			loc := bucket.free[n-1]
			bucket.free = bucket.free[:n-1]
			bucket.mu.Unlock()
			return loc
		}
		bucket.mu.Unlock()
	} else {
		// Oversize allocations are reused only on an exact count match.
		s.oversize.mu.Lock()
		for i, loc := range s.oversize.free {
			if loc.Count == count {
				s.oversize.free = append(s.oversize.free[:i], s.oversize.free[i+1:]...)
				s.oversize.mu.Unlock()
				return loc
			}
		}
		s.oversize.mu.Unlock()
	}

	s.mu.Lock()
	loc := Location{Page: s.numPages, Count: rounded}
	s.numPages += rounded
	s.mu.Unlock()
	return loc
}

func (s *Store) pagesFor(byteLen int) uint32 {
	ps := s.config.PageSize
	return uint32((byteLen + ps - 1) / ps)
}

// roundedCount rounds a page count up to its allocation size: the next
// power of two within the size classes, or the exact count for oversize.
func (s *Store) roundedCount(count uint32) uint32 {
	if class, ok := s.classFor(count); ok {
		return 1 << class
	}
	return count
}

// classFor maps a page count to its power-of-two size class, or reports
// that the count belongs to the oversize bucket.
func (s *Store) classFor(count uint32) (int, bool) {
	class := bits.Len32(count - 1)
	if count == 1 {
		class = 0
	}
	if class >= s.config.MaxSizeClass {
		return 0, false
	}
	return class, true
}

func (s *Store) bucketFor(count uint32) *classList {
	if class, ok := s.classFor(count); ok {
		return s.classes[class]
	}
	return s.oversize
}

func (s *Store) pageOffset(page uint32) int64 {
	return int64(page) * int64(s.config.PageSize)
}

func (s *Store) writeHeader() error {
	hdr := make([]byte, s.config.PageSize)
	copy(hdr[0:8], fileMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], formatVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(s.config.PageSize))

	if _, err := s.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("failed to write page store header: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync page store header: %w", err)
	}
	return nil
}

func (s *Store) validateHeader() error {
	hdr := make([]byte, headerSize)
	if _, err := s.file.ReadAt(hdr, 0); err != nil {
		return errors.IncompatibleFormat("pagestore", 0, formatVersion)
	}
	if string(hdr[0:8]) != string(fileMagic) {
		return errors.IncompatibleFormat("pagestore", 0, formatVersion)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != formatVersion {
		return errors.IncompatibleFormat("pagestore", v, formatVersion)
	}
	if ps := binary.LittleEndian.Uint32(hdr[12:16]); ps != uint32(s.config.PageSize) {
		return errors.IncompatibleFormat("pagestore page size", ps, uint32(s.config.PageSize))
	}
	return nil
}

// encodeRecord serializes a record with its checksum.
// Format: [magic(4)][seq(8)][flags(1)][keyLen(4)][valLen(4)][key][value][crc32(4)]
func encodeRecord(rec Record) []byte {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(rec.Key)+len(rec.Value)+recordTrailerLen)
	copy(buf[0:4], recordMagic)
	binary.LittleEndian.PutUint64(buf[4:12], rec.Seq)
	if rec.Tombstone {
		buf[12] = flagTombstone
	}
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(rec.Key)))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(rec.Value)))
	buf = append(buf, rec.Key...)
	buf = append(buf, rec.Value...)
	return util.AppendChecksum(buf)
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < recordHeaderSize+recordTrailerLen {
		return Record{}, errors.Corruption("page store record too short", nil)
	}
	if string(buf[0:4]) != string(recordMagic) {
		return Record{}, errors.Corruption("page store record magic mismatch", nil)
	}

	keyLen := binary.LittleEndian.Uint32(buf[13:17])
	valLen := binary.LittleEndian.Uint32(buf[17:21])
	total := recordHeaderSize + int(keyLen) + int(valLen) + recordTrailerLen
	if total > len(buf) {
		return Record{}, errors.Corruption("page store record length exceeds allocation", nil)
	}

	payload, ok := util.ValidateAndStripChecksum(buf[:total])
	if !ok {
		return Record{}, errors.Corruption("page store record checksum mismatch", nil)
	}

	rec := Record{
		Seq:       binary.LittleEndian.Uint64(payload[4:12]),
		Tombstone: payload[12]&flagTombstone != 0,
		Key:       append([]byte{}, payload[recordHeaderSize:recordHeaderSize+keyLen]...),
		Value:     append([]byte{}, payload[recordHeaderSize+keyLen:]...),
	}
	return rec, nil
}
