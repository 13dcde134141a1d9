package epoch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCollector() *Collector {
	return NewCollector(Config{ReaderSlots: 8, AdvanceThreshold: 1 << 30}, zap.NewNop())
}

func TestGuardPinsEpoch(t *testing.T) {
	c := testCollector()

	g := c.Enter()
	assert.Equal(t, c.Epoch(), g.Epoch())
	g.Release()

	// Release is idempotent.
	g.Release()
}

func TestRetireNotFreedWhileGuardActive(t *testing.T) {
	c := testCollector()

	g := c.Enter()

	var freed atomic.Bool
	c.Retire(func() { freed.Store(true) })

	// One advance can succeed (the guard pins the current epoch), but the
	// second is blocked by the now-stale pin; the two-epoch lag holds.
	for i := 0; i < 10; i++ {
		c.TryAdvance()
	}
	assert.False(t, freed.Load(), "object freed while a guard that could reach it was active")

	g.Release()
}

func TestRetireFreedAfterGuardsClose(t *testing.T) {
	c := testCollector()

	g := c.Enter()
	var freed atomic.Bool
	c.Retire(func() { freed.Store(true) })
	g.Release()

	require.True(t, c.TryAdvance())
	assert.False(t, freed.Load(), "freed after a single advance; two-epoch lag violated")

	require.True(t, c.TryAdvance())
	assert.True(t, freed.Load())
}

func TestAdvanceBlockedByStaleGuard(t *testing.T) {
	c := testCollector()

	g := c.Enter()
	require.True(t, c.TryAdvance(), "guard at current epoch must not block the first advance")
	assert.False(t, c.TryAdvance(), "stale guard must block further advancement")

	g.Release()
	assert.True(t, c.TryAdvance())
}

func TestThresholdTriggersAdvance(t *testing.T) {
	c := NewCollector(Config{ReaderSlots: 8, AdvanceThreshold: 4}, zap.NewNop())

	var freed atomic.Int64
	for i := 0; i < 64; i++ {
		c.Retire(func() { freed.Add(1) })
	}
	assert.Greater(t, freed.Load(), int64(0), "threshold retirements should have advanced and freed")
}

func TestDrain(t *testing.T) {
	c := testCollector()

	var freed atomic.Int64
	for i := 0; i < 10; i++ {
		c.Retire(func() { freed.Add(1) })
	}

	c.Drain()
	assert.Equal(t, int64(10), freed.Load())

	retired, collected := c.Stats()
	assert.Equal(t, uint64(10), retired)
	assert.Equal(t, uint64(10), collected)
}

func TestEachObjectFreedExactlyOnce(t *testing.T) {
	c := NewCollector(Config{ReaderSlots: 64, AdvanceThreshold: 16}, zap.NewNop())

	const writers = 8
	const readers = 8
	const perWriter = 500

	counts := make([]atomic.Int64, writers*perWriter)
	stop := make(chan struct{})

	var readerWG sync.WaitGroup
	for r := 0; r < readers; r++ {
		readerWG.Add(1)
		go func() {
			defer readerWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := c.Enter()
				g.Release()
			}
		}()
	}

	var writerWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writerWG.Add(1)
		go func(w int) {
			defer writerWG.Done()
			for i := 0; i < perWriter; i++ {
				id := w*perWriter + i
				c.Retire(func() { counts[id].Add(1) })
			}
		}(w)
	}

	writerWG.Wait()
	close(stop)
	readerWG.Wait()

	c.Drain()

	for i := range counts {
		assert.Equal(t, int64(1), counts[i].Load(), "object %d freed %d times", i, counts[i].Load())
	}
}

func TestSlotExhaustionRecovers(t *testing.T) {
	c := NewCollector(Config{ReaderSlots: 2, AdvanceThreshold: 1 << 30}, zap.NewNop())

	g1 := c.Enter()
	g2 := c.Enter()

	acquired := make(chan *Guard)
	go func() {
		acquired <- c.Enter()
	}()

	g1.Release()
	g3 := <-acquired
	g3.Release()
	g2.Release()
}
