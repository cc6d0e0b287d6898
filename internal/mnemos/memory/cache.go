package memory

import (
	"container/heap"
	"sync"
	"time"
)

// PriorityCache is a bounded in-memory cache of record content. When full,
// inserting a new id evicts the entry with the lowest (priority,
// last touched) pair. Entries older than the TTL, measured from insertion,
// are treated as absent and dropped on the access that finds them.
//
// The cache is never authoritative; the store is.
type PriorityCache struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	entries map[string]*cacheEntry
	order   entryHeap
	seq     uint64

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	id          string
	content     any
	priority    float64
	lastTouched time.Time
	insertedAt  time.Time
	seq         uint64
	index       int
}

// CacheOption customises a PriorityCache.
type CacheOption func(*PriorityCache)

// WithClock replaces time.Now as the cache's time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *PriorityCache) { c.now = now }
}

// NewPriorityCache returns an empty cache holding at most capacity entries.
// A ttl of zero disables expiry.
func NewPriorityCache(capacity int, ttl time.Duration, opts ...CacheOption) *PriorityCache {
	if capacity < 1 {
		capacity = 1
	}
	c := &PriorityCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]*cacheEntry, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put inserts or replaces the entry for id. Inserting a new id into a full
// cache evicts exactly one entry first.
func (c *PriorityCache) Put(id string, content any, priority float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.seq++

	if e, ok := c.entries[id]; ok {
		e.content = content
		e.priority = priority
		e.lastTouched = now
		e.insertedAt = now
		e.seq = c.seq
		heap.Fix(&c.order, e.index)
		return
	}

	if len(c.entries) >= c.capacity {
		victim := heap.Pop(&c.order).(*cacheEntry)
		delete(c.entries, victim.id)
		c.evictions++
	}

	e := &cacheEntry{
		id:          id,
		content:     content,
		priority:    priority,
		lastTouched: now,
		insertedAt:  now,
		seq:         c.seq,
	}
	heap.Push(&c.order, e)
	c.entries[id] = e
}

// Get returns the content for id and records a hit or a miss. A hit
// refreshes the entry's last-touched time.
func (c *PriorityCache) Get(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if ok && c.expired(e, c.now()) {
		c.removeLocked(e)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, false
	}

	c.hits++
	e.lastTouched = c.now()
	heap.Fix(&c.order, e.index)
	return e.content, true
}

// Peek returns the content for id without touching it or the counters.
func (c *PriorityCache) Peek(id string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok || c.expired(e, c.now()) {
		return nil, false
	}
	return e.content, true
}

// Remove drops the given ids. Unknown ids are ignored.
func (c *PriorityCache) Remove(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if e, ok := c.entries[id]; ok {
			c.removeLocked(e)
		}
	}
}

// Clear empties the cache and resets its counters.
func (c *PriorityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.capacity)
	c.order = nil
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the number of entries, including any expired ones not yet
// dropped.
func (c *PriorityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Capacity returns the maximum number of entries.
func (c *PriorityCache) Capacity() int { return c.capacity }

// Metrics returns a snapshot of the counters.
func (c *PriorityCache) Metrics() CacheMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := CacheMetrics{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		m.HitRatio = float64(c.hits) / float64(total)
	}
	return m
}

func (c *PriorityCache) expired(e *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.insertedAt) >= c.ttl
}

func (c *PriorityCache) removeLocked(e *cacheEntry) {
	heap.Remove(&c.order, e.index)
	delete(c.entries, e.id)
}

// entryHeap orders entries by (priority, lastTouched, seq), lowest first.
type entryHeap []*cacheEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.lastTouched.Equal(b.lastTouched) {
		return a.lastTouched.Before(b.lastTouched)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*cacheEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
