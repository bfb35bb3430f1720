package cache

import (
	"sync"
	"time"

	"chainmux/internal/store"
)

// cacheEntry represents a single cache entry with its timestamp
type cacheEntry struct {
	health    *store.EndpointHealth
	timestamp time.Time
}

// HealthCache provides thread-safe caching of endpoint health records with a
// TTL. It sits between the endpoint directory and the store so that every
// connection attempt does not hit Redis for every candidate endpoint.
type HealthCache struct {
	entries map[string]*cacheEntry // key: "chain:url"
	mu      sync.RWMutex
	ttl     time.Duration
}

// NewHealthCache creates a new health record cache with the specified TTL.
func NewHealthCache(ttl time.Duration) *HealthCache {
	return &HealthCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get retrieves a cached health record if it exists and is fresh.
func (hc *HealthCache) Get(chainID, url string) (*store.EndpointHealth, bool) {
	key := chainID + ":" + url

	hc.mu.RLock()
	entry, exists := hc.entries[key]
	hc.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Since(entry.timestamp) > hc.ttl {
		hc.Invalidate(chainID, url)
		return nil, false
	}

	return entry.health, true
}

// Set updates the cache with a new health record.
func (hc *HealthCache) Set(chainID, url string, health *store.EndpointHealth) {
	key := chainID + ":" + url

	hc.mu.Lock()
	hc.entries[key] = &cacheEntry{
		health:    health,
		timestamp: time.Now(),
	}
	hc.mu.Unlock()
}

// Invalidate removes a specific endpoint from the cache.
func (hc *HealthCache) Invalidate(chainID, url string) {
	key := chainID + ":" + url

	hc.mu.Lock()
	delete(hc.entries, key)
	hc.mu.Unlock()
}

// Clear removes all entries from the cache.
func (hc *HealthCache) Clear() {
	hc.mu.Lock()
	hc.entries = make(map[string]*cacheEntry)
	hc.mu.Unlock()
}
