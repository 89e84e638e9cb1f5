package license

import (
	"sync"
	"time"
)

// CacheEntry is a positive verification result for one token snapshot.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	CachedAt    time.Time `json:"cached_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HitCount    int       `json:"hit_count"`
}

// VerificationCache remembers successful verifications by token id. An entry
// only answers for the exact key material it was stored with.
type VerificationCache struct {
	entries   map[string]CacheEntry
	mutex     sync.RWMutex
	minTTL    time.Duration
	maxTTL    time.Duration
	now       func() time.Time
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
	stopOnce  sync.Once
}

const cacheSweepInterval = time.Minute

// NewVerificationCache starts a cache whose entry lifetimes are clamped to
// [minTTL, maxTTL]. Call Stop to end the sweeper goroutine.
func NewVerificationCache(minTTL, maxTTL time.Duration, now func() time.Time) *VerificationCache {
	if now == nil {
		now = time.Now
	}
	if maxTTL < minTTL {
		maxTTL = minTTL
	}
	cache := &VerificationCache{
		entries:  make(map[string]CacheEntry),
		minTTL:   minTTL,
		maxTTL:   maxTTL,
		now:      now,
		stopChan: make(chan struct{}),
	}

	go cache.cleanup(cacheSweepInterval)

	return cache
}

// TTL returns how long a result for a token with the given remaining
// lifetime may be cached: half the remaining lifetime, clamped. Tokens
// without expiry get the maximum.
func (c *VerificationCache) TTL(remaining time.Duration, expires bool) time.Duration {
	if !expires {
		return c.maxTTL
	}
	ttl := remaining / 2
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ttl
}

// Get reports whether tokenID has a live entry for fingerprint. An entry
// stored under a different fingerprint is dropped.
func (c *VerificationCache) Get(tokenID, fingerprint string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[tokenID]
	if exists && entry.Fingerprint != fingerprint {
		delete(c.entries, tokenID)
		exists = false
	}
	if !exists || c.now().After(entry.ExpiresAt) {
		c.missCount++
		return false
	}

	entry.HitCount++
	c.entries[tokenID] = entry
	c.hitCount++
	return true
}

// Set stores a positive result for tokenID.
func (c *VerificationCache) Set(tokenID, fingerprint string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	c.entries[tokenID] = CacheEntry{
		Fingerprint: fingerprint,
		CachedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Invalidate removes tokenID.
func (c *VerificationCache) Invalidate(tokenID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, tokenID)
}

// Clear drops every entry.
func (c *VerificationCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]CacheEntry)
}

// GetStats returns cache statistics
func (c *VerificationCache) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":         len(c.entries),
		"hit_count":       c.hitCount,
		"miss_count":      c.missCount,
		"hit_ratio":       hitRatio,
		"min_ttl_seconds": c.minTTL.Seconds(),
		"max_ttl_seconds": c.maxTTL.Seconds(),
	}
}

// Stop ends the sweeper goroutine. It is safe to call more than once.
func (c *VerificationCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *VerificationCache) sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *VerificationCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopChan:
			return
		}
	}
}
