// Package cache holds the in-memory thread cache shared by the threading
// service and its callers.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nhle/mailindex/internal/model"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 500

// Stats counts cache outcomes since creation.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// ThreadCache is a bounded least-recently-used cache of threads keyed by
// thread id. It is safe for concurrent use. Entries are evicted only when
// Put needs room; Get refreshes recency and never evicts.
type ThreadCache struct {
	entries  *lru.Cache[string, model.Thread]
	capacity int

	// mu orders invalidations against PutIfFresh. epoch counts invalidations.
	mu    sync.Mutex
	epoch uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewThreadCache creates a cache holding at most capacity threads.
func NewThreadCache(capacity int) (*ThreadCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	entries, err := lru.New[string, model.Thread](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating thread cache: %w", err)
	}

	return &ThreadCache{entries: entries, capacity: capacity}, nil
}

// Get returns a copy of the cached thread and marks it most recently used.
func (c *ThreadCache) Get(id string) (model.Thread, bool) {
	t, ok := c.entries.Get(id)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return t, ok
}

// Put stores a copy of t, evicting the least recently used thread when the
// cache is full.
func (c *ThreadCache) Put(t model.Thread) {
	if evicted := c.entries.Add(t.ID, t); evicted {
		c.evictions.Add(1)
	}
}

// Epoch returns the current invalidation epoch. Read it before loading a
// thread from the store and hand it to PutIfFresh.
func (c *ThreadCache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// PutIfFresh stores t only if nothing was invalidated since epoch was read,
// and reports whether it did. A row loaded before a concurrent write
// committed is therefore never cached after that write's invalidation.
func (c *ThreadCache) PutIfFresh(t model.Thread, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.Put(t)
	return true
}

// Invalidate drops one thread.
func (c *ThreadCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries.Remove(id)
}

// InvalidateAll empties the cache. Counters are kept.
func (c *ThreadCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries.Purge()
}

// Len returns the number of cached threads.
func (c *ThreadCache) Len() int {
	return c.entries.Len()
}

// Capacity returns the maximum number of cached threads.
func (c *ThreadCache) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the counters.
func (c *ThreadCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
