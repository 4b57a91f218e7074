package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache for authenticated principal
// contexts. Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get() still returns the
// stale value immediately and signals that a background refresh is
// needed. No request blocks on DB + bcrypt after the first cold start.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *PrincipalContext
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *PrincipalContext
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if expired and this caller won the refresh
}

// Get looks up the API key in the cache.
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{Hit: false}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}

	// Stale hit. Only one goroutine wins the CAS and refreshes.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a principal context with a fresh TTL.
func (c *AuthCache) Set(apiKey string, pc *PrincipalContext) {
	c.store.Store(apiKey, &cacheEntry{
		principal: pc,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry so the next lookup goes back to the DB.
func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
