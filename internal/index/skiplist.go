// Package index implements the in-memory ordered map from keys to record
// locations. Traversal is lock-free: readers follow chains of atomic node
// pointers and are never blocked by writers; writers serialize with each
// other only at individual compare-and-swap points, so writes to
// different keys never contend.
//
// Every mutation, including delete, is a value-slot swap: a delete
// publishes a tombstone entry under its sequence number exactly like a
// put publishes a location. Sequence numbers are compared at the swap, so
// the visible entry for a key can never move backwards and the in-memory
// state always matches a replay of the log in sequence order. Tombstones
// are dropped when the index is rebuilt at recovery.
//
// Entry pointers carry the only state whose lifetime matters beyond the
// Go heap: the page-store location. Whoever swaps an entry out of a value
// slot owns it and must hand it to the epoch reclaimer; it is never freed
// in place. Node structs themselves are insert-only and reclaimed by the
// Go runtime.
package index

import (
	"math/rand"
	"sync/atomic"

	"github.com/loamdb/loam/internal/pagestore"
)

const probability = 0.5

// Entry is the value a key maps to: the location of the latest visible
// record and the sequence number that published it. A tombstone entry
// shadows older publications of its key and has no location.
type Entry struct {
	Loc       pagestore.Location
	Seq       uint64
	Tombstone bool
}

type node struct {
	key  string
	val  atomic.Pointer[Entry]
	next []atomic.Pointer[node]
}

// Index is a lock-free skiplist keyed by byte-string order
type Index struct {
	head     *node
	maxLevel int
	length   atomic.Int64 // live (non-tombstone) entries
}

// New creates an empty index with the given maximum tower height
func New(maxLevel int) *Index {
	return &Index{
		head:     &node{next: make([]atomic.Pointer[node], maxLevel)},
		maxLevel: maxLevel,
	}
}

func (ix *Index) randomLevel() int {
	level := 0
	for rand.Float64() < probability && level < ix.maxLevel-1 {
		level++
	}
	return level
}

// search locates the insertion window for key at every level.
// preds[i].next[i] pointed at succs[i] at observation time; level-0
// identity is revalidated by the caller's CAS.
func (ix *Index) search(key string, preds, succs []*node) {
	pred := ix.head
	for level := ix.maxLevel - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != nil && curr.key < key {
			pred = curr
			curr = pred.next[level].Load()
		}
		preds[level] = pred
		succs[level] = curr
	}
}

// Get returns the entry published under key, tombstone included; the
// caller decides whether a tombstone counts as absent. The caller must
// hold an epoch guard for the duration of the call and for as long as it
// uses the returned entry's location.
func (ix *Index) Get(key string) (*Entry, bool) {
	pred := ix.head
	for level := ix.maxLevel - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != nil && curr.key < key {
			pred = curr
			curr = pred.next[level].Load()
		}
		if level == 0 {
			if curr == nil || curr.key != key {
				return nil, false
			}
			e := curr.val.Load()
			if e == nil {
				return nil, false
			}
			return e, true
		}
	}
	return nil, false
}

// Put publishes entry under key. It returns the superseded entry, if any,
// and whether the new entry was installed; an entry at or below the
// sequence number already published is dropped (installed == false) so
// neither replay nor a racing writer can roll a key back. The caller
// retires whichever entry it ends up owning.
func (ix *Index) Put(key string, entry Entry) (old *Entry, installed bool) {
	topLevel := ix.randomLevel()
	preds := make([]*node, ix.maxLevel)
	succs := make([]*node, ix.maxLevel)

	for {
		ix.search(key, preds, succs)

		if n := succs[0]; n != nil && n.key == key {
			return ix.storeInto(n, &entry)
		}

		nn := &node{key: key, next: make([]atomic.Pointer[node], topLevel+1)}
		nn.val.Store(&entry)
		for i := 0; i <= topLevel; i++ {
			nn.next[i].Store(succs[i])
		}

		// Level 0 is the linearization point; a racing insert of the same
		// key makes the CAS fail and the retry resolves by sequence number.
		if !preds[0].next[0].CompareAndSwap(succs[0], nn) {
			continue
		}
		if !entry.Tombstone {
			ix.length.Add(1)
		}

		// Upper levels are best effort; the node is already reachable.
		for i := 1; i <= topLevel; i++ {
			for {
				nn.next[i].Store(succs[i])
				if preds[i].next[i].CompareAndSwap(succs[i], nn) {
					break
				}
				ix.search(key, preds, succs)
			}
		}
		return nil, true
	}
}

// storeInto swaps entry into an existing node's value slot, enforcing
// sequence-number monotonicity.
func (ix *Index) storeInto(n *node, entry *Entry) (*Entry, bool) {
	for {
		old := n.val.Load()
		if old != nil && old.Seq >= entry.Seq {
			return nil, false
		}
		if n.val.CompareAndSwap(old, entry) {
			ix.adjustLength(old, entry)
			return old, true
		}
	}
}

func (ix *Index) adjustLength(old, installed *Entry) {
	oldLive := old != nil && !old.Tombstone
	newLive := !installed.Tombstone
	switch {
	case newLive && !oldLive:
		ix.length.Add(1)
	case !newLive && oldLive:
		ix.length.Add(-1)
	}
}

// Range calls fn in key order for every live entry with start <= key <
// end. An empty end means unbounded. The scan is a best-effort
// interleaved view: entries published or shadowed mid-scan may or may not
// appear, but each observed key reflects a state no older than the scan's
// start. The caller must hold an epoch guard across the whole call.
func (ix *Index) Range(start, end string, fn func(key string, e Entry) bool) {
	pred := ix.head
	for level := ix.maxLevel - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != nil && curr.key < start {
			pred = curr
			curr = pred.next[level].Load()
		}
	}

	curr := pred.next[0].Load()
	for curr != nil {
		if end != "" && curr.key >= end {
			return
		}
		if curr.key >= start {
			if e := curr.val.Load(); e != nil && !e.Tombstone {
				if !fn(curr.key, *e) {
					return
				}
			}
		}
		curr = curr.next[0].Load()
	}
}

// Len returns the number of live (non-tombstone) entries
func (ix *Index) Len() int {
	return int(ix.length.Load())
}
