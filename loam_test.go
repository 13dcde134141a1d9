package loam

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loamdb/loam/internal/config"
)

func TestOpenPutGetClose(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.True(t, db.Ready())

	_, err = db.Put([]byte("greeting"), []byte("hello"))
	require.NoError(t, err)

	got, err := db.Get([]byte("greeting"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = db.Get([]byte("absent"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := db.Put([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("val-%d", i)))
		require.NoError(t, err)
	}
	_, err = db.Delete([]byte("key-3"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	assert.Equal(t, 9, db2.Len())
	got, err := db2.Get([]byte("key-7"))
	require.NoError(t, err)
	assert.Equal(t, []byte("val-7"), got)
	_, err = db2.Get([]byte("key-3"))
	assert.True(t, IsNotFound(err))
}

func TestCompareAndSwapThroughFacade(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.CompareAndSwap([]byte("k"), nil, []byte("v1"))
	require.NoError(t, err)

	_, err = db.CompareAndSwap([]byte("k"), []byte("stale"), []byte("v2"))
	require.Error(t, err)
	assert.True(t, IsCASMismatch(err))

	_, err = db.CompareAndSwap([]byte("k"), []byte("v1"), []byte("v2"))
	require.NoError(t, err)
}

func TestRangeThroughFacade(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"b", "a", "c"} {
		_, err := db.Put([]byte(k), []byte("v"))
		require.NoError(t, err)
	}

	var keys []string
	err = db.Range(nil, nil, func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestSecondHandleRejected(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(dir)
	require.Error(t, err)
}

func TestOpenWithConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)
	cfg.WAL.SyncWrites = true

	db, err := OpenWithConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	seq, err := db.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, seq, db.LastSeq())
}
