// Package epoch implements epoch-based memory reclamation for the
// concurrent index. Readers pin the global epoch for the duration of one
// traversal; superseded nodes are retired, not freed, and a retired
// object is only freed once the global epoch has advanced at least two
// steps past its retirement epoch and no active reader pins an epoch at
// or before it. The two-epoch lag tolerates a reader that entered just
// before a retirement and is still mid-traversal.
package epoch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const generations = 3

// Config holds reclaimer configuration
type Config struct {
	ReaderSlots      int
	AdvanceThreshold int
}

// Collector owns the global epoch counter and the per-generation retire
// lists. The global epoch and the reader slots are mutated only through
// atomic operations; retire lists are touched by writers and the advance
// path, never by readers.
type Collector struct {
	global  atomic.Uint64
	slots   []slot
	gens    [generations]*generation
	pending atomic.Int64 // retirements since the last advance
	config  Config
	logger  *zap.Logger

	retiredTotal atomic.Uint64
	freedTotal   atomic.Uint64
}

// slot holds one reader's pinned epoch; zero means unoccupied. Padded to
// keep concurrent readers off each other's cache lines.
type slot struct {
	epoch atomic.Uint64
	_     [56]byte
}

type generation struct {
	mu    sync.Mutex
	items []retired
}

type retired struct {
	epoch uint64
	free  func()
}

// NewCollector creates a collector with the global epoch at 1
func NewCollector(cfg Config, logger *zap.Logger) *Collector {
	c := &Collector{
		slots:  make([]slot, cfg.ReaderSlots),
		config: cfg,
		logger: logger,
	}
	for i := range c.gens {
		c.gens[i] = &generation{}
	}
	c.global.Store(1)
	return c
}

// Guard is a reader-held token recording the epoch pinned at acquisition.
// It exists only for the duration of one traversal and must be released
// on every exit path.
type Guard struct {
	c        *Collector
	idx      int
	epoch    uint64
	released bool
}

// Enter pins the current epoch and returns the reader's guard. Pinning is
// a slot claim plus two atomic loads; it never takes a lock.
func (c *Collector) Enter() *Guard {
	for {
		e := c.global.Load()
		for i := range c.slots {
			if c.slots[i].epoch.CompareAndSwap(0, e) {
				// The epoch may have advanced between the load and the
				// claim. Re-reading keeps the pin fresh; a fresher pin is
				// always safe because no traversal has started yet.
				if e2 := c.global.Load(); e2 != e {
					c.slots[i].epoch.Store(e2)
					e = e2
				}
				return &Guard{c: c, idx: i, epoch: e}
			}
		}
		// All slots busy; readers are short-lived, so yield and retry.
		runtime.Gosched()
	}
}

// Release unpins the guard. Safe to call more than once so callers can
// defer it and also release early.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.c.slots[g.idx].epoch.Store(0)
}

// Epoch returns the epoch pinned at acquisition
func (g *Guard) Epoch() uint64 {
	return g.epoch
}

// Retire enqueues an object for deferred freeing. The caller must have
// already unlinked the object; free runs once no reader that could still
// observe it remains.
func (c *Collector) Retire(free func()) {
	e := c.global.Load()
	gen := c.gens[e%generations]

	gen.mu.Lock()
	gen.items = append(gen.items, retired{epoch: e, free: free})
	gen.mu.Unlock()

	c.retiredTotal.Add(1)
	if c.pending.Add(1) >= int64(c.config.AdvanceThreshold) {
		c.TryAdvance()
	}
}

// TryAdvance advances the global epoch by one step if every occupied
// reader slot has observed the current epoch, then frees the generation
// that has fallen two steps behind. Returns whether the epoch advanced.
func (c *Collector) TryAdvance() bool {
	e := c.global.Load()
	for i := range c.slots {
		p := c.slots[i].epoch.Load()
		if p != 0 && p < e {
			return false
		}
	}
	if !c.global.CompareAndSwap(e, e+1) {
		// Lost the race to another advancer; its collect covers us.
		return false
	}
	c.pending.Store(0)
	c.collect(e + 1)
	return true
}

// collect frees every object retired at or before now-2. The advance
// protocol guarantees no active guard pins an epoch that old; the min-pin
// check keeps that invariant explicit.
func (c *Collector) collect(now uint64) {
	if now < 2 {
		return
	}
	safe := now - 2

	for i := range c.slots {
		p := c.slots[i].epoch.Load()
		if p != 0 && p <= safe {
			return
		}
	}

	gen := c.gens[safe%generations]
	gen.mu.Lock()
	var ready []retired
	keep := gen.items[:0]
	for _, it := range gen.items {
		if it.epoch <= safe {
			ready = append(ready, it)
		} else {
			keep = append(keep, it)
		}
	}
	gen.items = keep
	gen.mu.Unlock()

	for _, it := range ready {
		it.free()
	}
	if len(ready) > 0 {
		c.freedTotal.Add(uint64(len(ready)))
	}
}

// Drain advances until every retire list is empty. All guards must be
// released before calling; used on engine close.
func (c *Collector) Drain() {
	for !c.empty() {
		if !c.TryAdvance() {
			runtime.Gosched()
		}
	}
}

func (c *Collector) empty() bool {
	for _, gen := range c.gens {
		gen.mu.Lock()
		n := len(gen.items)
		gen.mu.Unlock()
		if n > 0 {
			return false
		}
	}
	return true
}

// Epoch returns the current global epoch
func (c *Collector) Epoch() uint64 {
	return c.global.Load()
}

// Stats returns lifetime retire/free counters
func (c *Collector) Stats() (retired, freed uint64) {
	return c.retiredTotal.Load(), c.freedTotal.Load()
}
