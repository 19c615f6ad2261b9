// Package cache implements the tiered in-process result cache. It backs
// read-through caching of upstream responses and doubles as the circuit
// breaker fallback source, so the same key must resolve from both call sites.
package cache

import (
	"sync"
	"time"
)

// Tier is a logical cache namespace with its own default TTL.
type Tier string

const (
	// TierAPI holds raw upstream API responses.
	TierAPI Tier = "api"
	// TierAI holds derived AI enrichment results, stable across imports.
	TierAI Tier = "ai"
	// TierRef holds rarely-changing reference data.
	TierRef Tier = "ref"
)

// Tiers lists every cache tier.
var Tiers = []Tier{TierAPI, TierAI, TierRef}

// Stats counts cache activity for one tier.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Expired int64 `json:"expired"`
	Entries int   `json:"entries"`
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

type tierCache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
	hits       int64
	misses     int64
	sets       int64
	expired    int64
}

// Cache is a process-wide tiered TTL cache, safe for concurrent use from
// many workers. Entries are never mutated, only overwritten or expired.
type Cache struct {
	tiers   map[Tier]*tierCache
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// Options configures per-tier default TTLs.
type Options struct {
	APITTL time.Duration
	AITTL  time.Duration
	RefTTL time.Duration
	// SweepInterval controls the background janitor. Zero disables it;
	// expired entries are then dropped lazily on read.
	SweepInterval time.Duration
}

// New creates a tiered cache. TTLs that are zero get conservative defaults.
func New(opts Options) *Cache {
	if opts.APITTL <= 0 {
		opts.APITTL = 5 * time.Minute
	}
	if opts.AITTL <= 0 {
		opts.AITTL = 24 * time.Hour
	}
	if opts.RefTTL <= 0 {
		opts.RefTTL = time.Hour
	}

	c := &Cache{
		tiers: map[Tier]*tierCache{
			TierAPI: {entries: make(map[string]entry), defaultTTL: opts.APITTL},
			TierAI:  {entries: make(map[string]entry), defaultTTL: opts.AITTL},
			TierRef: {entries: make(map[string]entry), defaultTTL: opts.RefTTL},
		},
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go c.janitor(opts.SweepInterval)
	}
	return c
}

// Get returns the cached value for (tier, key), or nil and false on a miss
// or expired entry.
func (c *Cache) Get(tier Tier, key string) ([]byte, bool) {
	tc, ok := c.tiers[tier]
	if !ok {
		return nil, false
	}

	tc.mu.RLock()
	e, ok := tc.entries[key]
	tc.mu.RUnlock()

	if !ok {
		tc.mu.Lock()
		tc.misses++
		tc.mu.Unlock()
		return nil, false
	}

	if c.nowFunc().After(e.expiresAt) {
		tc.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the entry.
		if cur, still := tc.entries[key]; still && c.nowFunc().After(cur.expiresAt) {
			delete(tc.entries, key)
			tc.expired++
		}
		tc.misses++
		tc.mu.Unlock()
		return nil, false
	}

	tc.mu.Lock()
	tc.hits++
	tc.mu.Unlock()
	return e.value, true
}

// Set stores a value under (tier, key). A non-positive ttl uses the tier's
// default TTL.
func (c *Cache) Set(tier Tier, key string, value []byte, ttl time.Duration) {
	tc, ok := c.tiers[tier]
	if !ok {
		return
	}
	if ttl <= 0 {
		ttl = tc.defaultTTL
	}

	tc.mu.Lock()
	tc.entries[key] = entry{value: value, expiresAt: c.nowFunc().Add(ttl)}
	tc.sets++
	tc.mu.Unlock()
}

// Delete removes a single entry.
func (c *Cache) Delete(tier Tier, key string) {
	tc, ok := c.tiers[tier]
	if !ok {
		return
	}
	tc.mu.Lock()
	delete(tc.entries, key)
	tc.mu.Unlock()
}

// Flush clears one tier, or every tier when tier is empty.
func (c *Cache) Flush(tier Tier) {
	if tier == "" {
		for _, t := range Tiers {
			c.Flush(t)
		}
		return
	}
	tc, ok := c.tiers[tier]
	if !ok {
		return
	}
	tc.mu.Lock()
	tc.entries = make(map[string]entry)
	tc.mu.Unlock()
}

// StatsSnapshot returns current per-tier stats.
func (c *Cache) StatsSnapshot() map[Tier]Stats {
	out := make(map[Tier]Stats, len(c.tiers))
	for name, tc := range c.tiers {
		tc.mu.RLock()
		out[name] = Stats{
			Hits:    tc.hits,
			Misses:  tc.misses,
			Sets:    tc.sets,
			Expired: tc.expired,
			Entries: len(tc.entries),
		}
		tc.mu.RUnlock()
	}
	return out
}

// Close stops the janitor goroutine, if running.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.nowFunc()
	for _, tc := range c.tiers {
		tc.mu.Lock()
		for k, e := range tc.entries {
			if now.After(e.expiresAt) {
				delete(tc.entries, k)
				tc.expired++
			}
		}
		tc.mu.Unlock()
	}
}
