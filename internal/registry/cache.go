package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haven-ai/toolforge/internal/tool"
)

// Cache is a TTL-based in-memory cache with stale-while-revalidate for
// tool definitions, keyed by tool ID. Uses sync.Map for lock-free reads
// on the invoke hot path.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	def        *tool.Definition // nil = negative cache (ID not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Def          *tool.Definition // nil if not found or negative cache
	Hit          bool             // true if a value was found (fresh or stale)
	NeedsRefresh bool             // true if expired and this caller won the refresh
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *Cache) Get(id string) CacheGetResult {
	val, ok := c.store.Load(id)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Def: entry.def, Hit: true}
	}

	// Stale hit. Only one goroutine wins the CAS and refreshes.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Def:          entry.def,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a definition with a fresh TTL. Passing nil stores a
// negative cache entry (ID not found).
func (c *Cache) Set(id string, def *tool.Definition) {
	c.store.Store(id, &cacheEntry{
		def:       def,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry. Used on disable so the status change takes
// effect without waiting out the TTL.
func (c *Cache) Delete(id string) {
	c.store.Delete(id)
}
