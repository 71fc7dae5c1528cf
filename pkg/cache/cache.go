// Package cache implements the query-result cache: an LRU-bounded
// in-memory store keyed by canonical query signature, with a two-phase
// freshness model (soft staleAfter, hard TTL) and tag-based
// invalidation. Both the mutation path and the realtime path converge
// on InvalidateByTag, so the cache is the single reconciliation point.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/dashsync/dashsync.go/pkg/constants"
	"github.com/dashsync/dashsync.go/pkg/logger"
)

type entry struct {
	key        string
	value      any
	insertedAt time.Time
	ttl        time.Duration
	staleAfter time.Duration
	tags       []string
	element    *list.Element
}

func (e *entry) hasTag(tag string) bool {
	for _, t := range e.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Config configures a Cache. Zero values take the package defaults.
type Config struct {
	// Capacity bounds the number of entries before LRU eviction.
	Capacity int

	// Pinned reports whether an entry with the given tags must survive
	// capacity eviction. Wired to the optimistic mutation tracker so
	// entries for tables with outstanding mutations are never evicted
	// from under the overlay.
	Pinned func(tags []string) bool

	Logger logger.Logger
}

// Cache is safe for concurrent use. A mutex rather than sync.Map keeps
// eviction and TTL handling atomic with respect to reads.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lruList  *list.List
	capacity int
	pinned   func(tags []string) bool
	logger   logger.Logger

	stats Stats
}

func New(cfg Config) *Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = constants.DefaultCacheCapacity
	}

	return &Cache{
		entries:  make(map[string]*entry, capacity),
		lruList:  list.New(),
		capacity: capacity,
		pinned:   cfg.Pinned,
		logger:   logger.OrNop(cfg.Logger),
	}
}

// GetOptions control staleness handling for a single Get.
type GetOptions struct {
	// AllowStale serves entries past staleAfter (but before TTL),
	// flagged stale. When false, a soft-expired entry is a miss and the
	// caller blocks on a fresh fetch.
	AllowStale bool

	// Revalidate, if set, runs asynchronously on a stale hit so the
	// entry is refreshed in the background (stale-while-revalidate).
	Revalidate func()
}

// Get returns the cached value for key. stale reports whether the entry
// is past its soft expiry; ok reports whether a value was returned at
// all. An entry past its hard TTL is reported as a miss.
func (c *Cache) Get(key string, opts GetOptions) (value any, stale, ok bool) {
	c.mu.Lock()

	e, exists := c.entries[key]
	if !exists {
		c.stats.Misses.Add(1)
		c.mu.Unlock()
		return nil, false, false
	}

	age := time.Since(e.insertedAt)

	if age >= e.ttl {
		// Hard-expired: a miss, forcing a refetch. The entry itself is
		// kept until the refetch replaces it so Peek can serve a
		// degraded read if the refetch fails; capacity eviction reclaims
		// it eventually otherwise.
		c.stats.Misses.Add(1)
		c.mu.Unlock()
		return nil, false, false
	}

	if age >= e.staleAfter {
		if !opts.AllowStale {
			c.stats.Misses.Add(1)
			c.mu.Unlock()
			return nil, false, false
		}

		c.lruList.MoveToFront(e.element)
		c.stats.Hits.Add(1)
		c.stats.StaleHits.Add(1)
		value = e.value
		c.mu.Unlock()

		if opts.Revalidate != nil {
			go opts.Revalidate()
		}
		return value, true, true
	}

	c.lruList.MoveToFront(e.element)
	c.stats.Hits.Add(1)
	value = e.value
	c.mu.Unlock()

	return value, false, true
}

// Peek returns the value for key even when the entry is past its hard
// TTL, without touching LRU order or statistics. Used for degraded
// reads when a revalidation fails: stale-but-present beats blank.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	return e.value, true
}

// SetOptions control the lifecycle of a stored entry. Zero durations
// take the package defaults; StaleAfter is clamped to TTL.
type SetOptions struct {
	TTL        time.Duration
	StaleAfter time.Duration
	Tags       []string
}

// Set stores value under key, replacing any existing entry in place.
func (c *Cache) Set(key string, value any, opts SetOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = constants.DefaultTTL
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = constants.DefaultStaleAfter
	}
	if staleAfter > ttl {
		staleAfter = ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Sets.Add(1)

	if e, exists := c.entries[key]; exists {
		e.value = value
		e.insertedAt = time.Now()
		e.ttl = ttl
		e.staleAfter = staleAfter
		e.tags = opts.Tags
		c.lruList.MoveToFront(e.element)
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evictLRU()
	}

	e := &entry{
		key:        key,
		value:      value,
		insertedAt: time.Now(),
		ttl:        ttl,
		staleAfter: staleAfter,
		tags:       opts.Tags,
	}
	e.element = c.lruList.PushFront(e)
	c.entries[key] = e
}

// Invalidate removes the entry for key. Removing a missing key is a
// no-op, so duplicate invalidations are harmless.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[key]; exists {
		c.removeEntry(e)
		c.stats.Invalidations.Add(1)
	}
}

// InvalidateByTag removes every entry tagged tag and returns how many
// were removed. Entries with other tags are unaffected.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []*entry
	for _, e := range c.entries {
		if e.hasTag(tag) {
			matched = append(matched, e)
		}
	}

	for _, e := range matched {
		c.removeEntry(e)
	}

	if n := len(matched); n > 0 {
		c.stats.Invalidations.Add(int64(n))
		return n
	}
	return 0
}

// Clear removes every entry. Statistics are kept; ResetStats clears
// those separately for test isolation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry, c.capacity)
	c.lruList = list.New()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLRU removes the least recently used entry whose tags are not
// pinned. When every entry is pinned the cache grows past capacity
// rather than dropping an entry with outstanding optimistic mutations.
// Caller must hold c.mu.
func (c *Cache) evictLRU() {
	for el := c.lruList.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if c.pinned != nil && c.pinned(e.tags) {
			continue
		}
		c.removeEntry(e)
		c.stats.Evictions.Add(1)
		return
	}

	c.logger.Warn("cache over capacity, every entry pinned by pending mutations", "len", c.lruList.Len())
}

// removeEntry unlinks e from the map and LRU list. Caller must hold
// c.mu.
func (c *Cache) removeEntry(e *entry) {
	c.lruList.Remove(e.element)
	delete(c.entries, e.key)
}
