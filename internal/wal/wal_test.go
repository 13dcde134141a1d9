package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		SyncWrites:          false,
		GroupCommitInterval: time.Millisecond,
		MaxRetries:          3,
		RetryBackoff:        time.Millisecond,
	}
}

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path, testConfig(), zap.NewNop())
	require.NoError(t, err)
	return w, path
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	seq1, err := w.Append(OpPut, []byte("a"), []byte("1"))
	require.NoError(t, err)
	seq2, err := w.Append(OpPut, []byte("b"), []byte("2"))
	require.NoError(t, err)
	seq3, err := w.Append(OpDelete, []byte("a"), nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
	assert.Equal(t, uint64(3), seq3)

	var entries []Entry
	it := w.ReadFrom(HeaderSize)
	for it.Next() {
		e := it.Entry()
		e.Key = append([]byte{}, e.Key...)
		e.Value = append([]byte{}, e.Value...)
		entries = append(entries, e)
	}
	require.NoError(t, it.Err())
	assert.False(t, it.Truncated())

	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Seq: 1, Op: OpPut, Key: []byte("a"), Value: []byte("1")}, entries[0])
	assert.Equal(t, Entry{Seq: 2, Op: OpPut, Key: []byte("b"), Value: []byte("2")}, entries[1])
	assert.Equal(t, OpDelete, entries[2].Op)
	assert.Empty(t, entries[2].Value)
}

func TestReplayFromOffset(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	_, err := w.Append(OpPut, []byte("a"), []byte("1"))
	require.NoError(t, err)

	mid := w.Size()

	_, err = w.Append(OpPut, []byte("b"), []byte("2"))
	require.NoError(t, err)

	it := w.ReadFrom(mid)
	require.True(t, it.Next())
	assert.Equal(t, []byte("b"), it.Entry().Key)
	assert.False(t, it.Next())
}

func TestTornTailStopsReplay(t *testing.T) {
	w, path := openTestWAL(t)

	_, err := w.Append(OpPut, []byte("a"), []byte("1"))
	require.NoError(t, err)
	goodEnd := w.Size()
	_, err = w.Append(OpPut, []byte("b"), []byte("22222222"))
	require.NoError(t, err)
	fullEnd := w.Size()
	require.NoError(t, w.Close())

	// Truncating at every byte offset inside the second entry must leave
	// exactly the first entry replayable.
	for cut := goodEnd + 1; cut < fullEnd; cut++ {
		data, err := os.ReadFile(path)
		require.NoError(t, err)

		cutPath := filepath.Join(t.TempDir(), "wal.log")
		require.NoError(t, os.WriteFile(cutPath, data[:cut], 0644))

		cw, err := Open(cutPath, testConfig(), zap.NewNop())
		require.NoError(t, err)

		it := cw.ReadFrom(HeaderSize)
		require.True(t, it.Next(), "cut at %d", cut)
		assert.Equal(t, []byte("a"), it.Entry().Key)
		assert.False(t, it.Next(), "cut at %d", cut)
		assert.True(t, it.Truncated(), "cut at %d", cut)
		assert.NoError(t, it.Err())
		assert.Equal(t, goodEnd, it.Offset(), "cut at %d", cut)

		require.NoError(t, cw.Close())
	}
}

func TestCorruptEntryStopsReplay(t *testing.T) {
	w, path := openTestWAL(t)

	_, err := w.Append(OpPut, []byte("a"), []byte("1"))
	require.NoError(t, err)
	firstEnd := w.Size()
	_, err = w.Append(OpPut, []byte("b"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a bit inside the second entry's value.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, firstEnd+entryHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path, testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer w2.Close()

	it := w2.ReadFrom(HeaderSize)
	require.True(t, it.Next())
	assert.False(t, it.Next())
	assert.True(t, it.Truncated())
	assert.Equal(t, firstEnd, it.Offset())
}

func TestTruncate(t *testing.T) {
	w, path := openTestWAL(t)
	defer w.Close()

	_, err := w.Append(OpPut, []byte("a"), []byte("1"))
	require.NoError(t, err)
	keep := w.Size()
	_, err = w.Append(OpPut, []byte("b"), []byte("2"))
	require.NoError(t, err)

	require.NoError(t, w.Truncate(keep))
	assert.Equal(t, keep, w.Size())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, keep, info.Size())

	it := w.ReadFrom(HeaderSize)
	require.True(t, it.Next())
	assert.False(t, it.Next())
	assert.False(t, it.Truncated())
}

func TestGroupCommitConcurrentAppends(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	const writers = 16
	const perWriter = 25

	var wg sync.WaitGroup
	seqs := make(chan uint64, writers*perWriter)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				key := fmt.Sprintf("k-%d-%d", id, j)
				seq, err := w.Append(OpPut, []byte(key), []byte("v"))
				assert.NoError(t, err)
				seqs <- seq
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence number %d reused", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, writers*perWriter)

	count := 0
	var last uint64
	it := w.ReadFrom(HeaderSize)
	for it.Next() {
		assert.Greater(t, it.Entry().Seq, last, "sequence numbers must be strictly increasing in file order")
		last = it.Entry().Seq
		count++
	}
	assert.False(t, it.Truncated())
	assert.Equal(t, writers*perWriter, count)
}

func TestSyncWritesMode(t *testing.T) {
	cfg := testConfig()
	cfg.SyncWrites = true

	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path, cfg, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	seq, err := w.Append(OpPut, []byte("a"), []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestHeaderValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	require.NoError(t, os.WriteFile(path, []byte("NOTAWAL0\x00\x00\x00\x00\x00\x00\x00\x00"), 0644))

	_, err := Open(path, testConfig(), zap.NewNop())
	require.Error(t, err)
}

func TestReopenPreservesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")

	w, err := Open(path, testConfig(), zap.NewNop())
	require.NoError(t, err)
	_, err = w.Append(OpPut, []byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(path, testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer w2.Close()

	it := w2.ReadFrom(HeaderSize)
	require.True(t, it.Next())
	assert.Equal(t, []byte("a"), it.Entry().Key)
	assert.False(t, it.Next())
}

func BenchmarkAppend(b *testing.B) {
	path := filepath.Join(b.TempDir(), "wal.log")
	w, err := Open(path, testConfig(), zap.NewNop())
	require.NoError(b, err)
	defer w.Close()

	key := []byte("benchmark-key")
	value := make([]byte, 256)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := w.Append(OpPut, key, value); err != nil {
				b.Fatal(err)
			}
		}
	})
}
