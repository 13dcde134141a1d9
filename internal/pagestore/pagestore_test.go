package pagestore

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.dat")
	s, err := Open(path, Config{PageSize: 512, MaxSizeClass: 4}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteAndReadRecord(t *testing.T) {
	s := openTestStore(t)

	rec := Record{Seq: 7, Key: []byte("alpha"), Value: []byte("beta")}
	loc, err := s.WriteRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), loc.Count)

	got, err := s.ReadRecord(loc)
	require.NoError(t, err)
	assert.Equal(t, rec.Seq, got.Seq)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.Value, got.Value)
	assert.False(t, got.Tombstone)
}

func TestTrailingRecordReadableAndScannable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.dat")
	cfg := Config{PageSize: 512, MaxSizeClass: 4}

	s, err := Open(path, cfg, zap.NewNop())
	require.NoError(t, err)

	// The last record in the file must read back even though its payload
	// ends before its span does.
	loc, err := s.WriteRecord(Record{Seq: 3, Key: []byte("last"), Value: []byte("v")})
	require.NoError(t, err)
	got, err := s.ReadRecord(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size()%int64(cfg.PageSize), "file must end on a page boundary")

	s2, err := Open(path, cfg, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	got, err = s2.ReadRecord(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)

	var keys []string
	require.NoError(t, s2.Scan(func(rec Record, _ Location) error {
		keys = append(keys, string(rec.Key))
		return nil
	}))
	assert.Equal(t, []string{"last"}, keys, "scan must visit the trailing record")
}

func TestScanSkipsFreedSpanContainingMagicBytes(t *testing.T) {
	s := openTestStore(t)

	// Lay the value out so the record's second page starts with bytes
	// that parse as a record header. Key "big" puts value byte i at
	// record offset 24+i, so the second page begins at value[488].
	value := make([]byte, 1500)
	copy(value[488:], recordMagic)
	binary.LittleEndian.PutUint32(value[488+13:], 1) // keyLen
	binary.LittleEndian.PutUint32(value[488+17:], 1) // valLen

	loc, err := s.WriteRecord(Record{Seq: 1, Key: []byte("big"), Value: value})
	require.NoError(t, err)
	s.Free(loc)

	_, err = s.WriteRecord(Record{Seq: 2, Key: []byte("live"), Value: []byte("v")})
	require.NoError(t, err)

	var keys []string
	err = s.Scan(func(rec Record, _ Location) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err, "freed span must not parse as a record")
	assert.Equal(t, []string{"live"}, keys)
}

func TestTombstoneFlag(t *testing.T) {
	s := openTestStore(t)

	loc, err := s.WriteRecord(Record{Seq: 1, Tombstone: true, Key: []byte("k")})
	require.NoError(t, err)

	got, err := s.ReadRecord(loc)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)
	assert.Empty(t, got.Value)
}

func TestMultiPageRecord(t *testing.T) {
	s := openTestStore(t)

	value := bytes.Repeat([]byte{0xAB}, 3000) // spans several 512-byte pages
	loc, err := s.WriteRecord(Record{Seq: 2, Key: []byte("big"), Value: value})
	require.NoError(t, err)
	assert.Greater(t, loc.Count, uint32(1))

	got, err := s.ReadRecord(loc)
	require.NoError(t, err)
	assert.Equal(t, value, got.Value)
}

func TestFreeAndReuse(t *testing.T) {
	s := openTestStore(t)

	loc1, err := s.WriteRecord(Record{Seq: 1, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)

	s.Free(loc1)

	loc2, err := s.WriteRecord(Record{Seq: 2, Key: []byte("b"), Value: []byte("2")})
	require.NoError(t, err)
	assert.Equal(t, loc1.Page, loc2.Page, "freed pages should be reused for same size class")

	got, err := s.ReadRecord(loc2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got.Key)
}

func TestSizeClassRounding(t *testing.T) {
	s := openTestStore(t)

	// Needs 3 pages of payload; allocation rounds up to the 4-page class.
	value := bytes.Repeat([]byte{0x01}, 1200)
	loc, err := s.WriteRecord(Record{Seq: 1, Key: []byte("k"), Value: value})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), loc.Count)

	s.Free(loc)

	loc2, err := s.WriteRecord(Record{Seq: 2, Key: []byte("k"), Value: value})
	require.NoError(t, err)
	assert.Equal(t, loc.Page, loc2.Page)
}

func TestOversizeAllocation(t *testing.T) {
	s := openTestStore(t)

	// Larger than the biggest size class (2^3 = 8 pages with MaxSizeClass 4).
	value := bytes.Repeat([]byte{0x02}, 512*20)
	loc, err := s.WriteRecord(Record{Seq: 1, Key: []byte("huge"), Value: value})
	require.NoError(t, err)
	assert.Greater(t, loc.Count, uint32(8))

	got, err := s.ReadRecord(loc)
	require.NoError(t, err)
	assert.Equal(t, value, got.Value)

	s.Free(loc)

	loc2, err := s.WriteRecord(Record{Seq: 2, Key: []byte("huge"), Value: value})
	require.NoError(t, err)
	assert.Equal(t, loc.Page, loc2.Page, "oversize pages should be reused on exact match")
}

func TestScan(t *testing.T) {
	s := openTestStore(t)

	locA, err := s.WriteRecord(Record{Seq: 1, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	_, err = s.WriteRecord(Record{Seq: 2, Key: []byte("b"), Value: bytes.Repeat([]byte{0x03}, 2000)})
	require.NoError(t, err)
	_, err = s.WriteRecord(Record{Seq: 3, Key: []byte("c"), Value: []byte("3")})
	require.NoError(t, err)

	// A freed record must not reappear in a scan.
	s.Free(locA)

	var keys []string
	err = s.Scan(func(rec Record, loc Location) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestReset(t *testing.T) {
	s := openTestStore(t)

	_, err := s.WriteRecord(Record{Seq: 1, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	assert.Equal(t, uint32(1), s.NumPages())

	count := 0
	err = s.Scan(func(Record, Location) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReopenPreservesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.dat")
	cfg := Config{PageSize: 512, MaxSizeClass: 4}

	s, err := Open(path, cfg, zap.NewNop())
	require.NoError(t, err)
	loc, err := s.WriteRecord(Record{Seq: 9, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, cfg, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.ReadRecord(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestPageSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.dat")

	s, err := Open(path, Config{PageSize: 512, MaxSizeClass: 4}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, Config{PageSize: 1024, MaxSizeClass: 4}, zap.NewNop())
	require.Error(t, err)
}
