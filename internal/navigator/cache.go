package navigator

import (
	"sync"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/model"
)

// cacheKey is (url, tier, escalationReason) — the §4.4 structured
// decision-cache key.
type cacheKey struct {
	url              string
	tier             Tier
	escalationReason string
}

type cacheEntry struct {
	decision model.Decision
	expires  time.Time
}

// DecisionCache short-circuits a Decide call when the observation footprint
// for a url/tier/reason hasn't changed since the last call within TTL.
// Invalidated wholesale on navigation, url change, or significant mutation
// (callers call InvalidateURL for those).
type DecisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
}

// NewDecisionCache builds a cache with the given TTL (default 60s per §4.4
// when ttl <= 0).
func NewDecisionCache(ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DecisionCache{ttl: ttl, entries: make(map[cacheKey]cacheEntry)}
}

// Get returns a cached decision for (url, tier, reason) if present and
// unexpired.
func (c *DecisionCache) Get(url string, tier Tier, reason string) (model.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{url: url, tier: tier, escalationReason: reason}
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return model.Decision{}, false
	}
	return entry.decision, true
}

// Put stores a fresh decision for (url, tier, reason).
func (c *DecisionCache) Put(url string, tier Tier, reason string, decision model.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{url: url, tier: tier, escalationReason: reason}
	c.entries[key] = cacheEntry{decision: decision, expires: time.Now().Add(c.ttl)}
}

// InvalidateURL drops every cached entry for url — called on navigation,
// url change, or significant mutation per §4.4's cache invalidation rule.
func (c *DecisionCache) InvalidateURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.url == url {
			delete(c.entries, key)
		}
	}
}
