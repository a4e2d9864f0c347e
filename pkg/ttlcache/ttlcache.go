// Package ttlcache implements a generic K->V cache with per-entry expiry,
// evicted lazily off a monotonic clock the owner advances explicitly.
package ttlcache

import (
	"container/heap"
	"time"
)

type entry[V any] struct {
	value  V
	expiry *time.Time
}

// tombstone records that key's entry expires at t; the heap keeps these
// ordered by t so eviction only ever inspects the stalest entries first.
type tombstone[K comparable] struct {
	expiry time.Time
	key    K
}

type tombstoneHeap[K comparable] []tombstone[K]

func (h tombstoneHeap[K]) Len() int            { return len(h) }
func (h tombstoneHeap[K]) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h tombstoneHeap[K]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tombstoneHeap[K]) Push(x any)         { *h = append(*h, x.(tombstone[K])) }
func (h *tombstoneHeap[K]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Cache is a TTL-evicting map. The zero value is not usable; use New.
type Cache[K comparable, V any] struct {
	now     time.Time
	entries map[K]entry[V]
	heap    tombstoneHeap[K]
}

func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]entry[V]),
	}
}

// Insert stores v under k with an optional ttl (nil means it never
// expires). It returns the prior value and true if a live entry existed.
func (c *Cache[K, V]) Insert(k K, v V, ttl *time.Duration) (V, bool) {
	prior, hadPrior := c.Get(k)

	e := entry[V]{value: v}
	if ttl != nil {
		exp := c.now.Add(*ttl)
		e.expiry = &exp
		heap.Push(&c.heap, tombstone[K]{expiry: exp, key: k})
	}
	c.entries[k] = e
	return prior, hadPrior
}

// Get returns the live value stored under k, if any. An entry whose expiry
// has passed is treated as absent even if the tombstone hasn't been swept
// yet.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	if e.expiry != nil && !c.now.Before(*e.expiry) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Remove deletes k unconditionally, live or not.
func (c *Cache[K, V]) Remove(k K) {
	delete(c.entries, k)
}

// AdvanceClock moves the cache's notion of now forward and lazily evicts
// tombstones that are now stale. It panics if now regresses.
func (c *Cache[K, V]) AdvanceClock(now time.Time) {
	if now.Before(c.now) {
		panic("ttlcache: clock regression")
	}
	c.now = now
	c.TryEvict(c.heap.Len())
}

// TryEvict inspects at most n tombstones from the top of the heap and
// removes any whose key is still mapped to that exact expiry and has
// passed. It stops as soon as the top of the heap is not yet expired,
// which amortises eviction cost across calls.
func (c *Cache[K, V]) TryEvict(n int) {
	for i := 0; i < n && c.heap.Len() > 0; i++ {
		top := c.heap[0]
		if top.expiry.After(c.now) {
			return
		}
		heap.Pop(&c.heap)

		e, ok := c.entries[top.key]
		if !ok || e.expiry == nil || !e.expiry.Equal(top.expiry) {
			// Stale tombstone: superseded by a later Insert, or already removed.
			continue
		}
		delete(c.entries, top.key)
	}
}

// Clear empties the cache entirely.
func (c *Cache[K, V]) Clear() {
	c.entries = make(map[K]entry[V])
	c.heap = nil
}

// Iter yields only the currently-live entries.
func (c *Cache[K, V]) Iter(fn func(k K, v V)) {
	for k, e := range c.entries {
		if e.expiry != nil && !c.now.Before(*e.expiry) {
			continue
		}
		fn(k, e.value)
	}
}

// Len reports the number of map slots, including not-yet-swept expired
// entries; it is an upper bound on the live count, used by callers (e.g.
// the metrics exporter) that only need an approximate cache size.
func (c *Cache[K, V]) Len() int {
	return len(c.entries)
}
