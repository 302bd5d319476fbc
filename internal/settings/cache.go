package settings

import (
	"context"
	"sync"
	"time"
)

// Loader loads the settings stored under key. A missing key yields the
// zero Settings and no error.
type Loader interface {
	LoadSettings(ctx context.Context, key string) (Settings, error)
}

// DefaultCacheTTL bounds how stale a cached entry may get between reloads.
const DefaultCacheTTL = time.Minute

type cacheEntry struct {
	s       Settings
	expires time.Time
}

// Cache is a TTL cache in front of a Loader. Invalidate drops every entry;
// the relay engine calls it on reload.
type Cache struct {
	src Loader
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	gen     uint64
}

func NewCache(src Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{src: src, ttl: ttl, now: time.Now, entries: map[string]cacheEntry{}}
}

func (c *Cache) LoadSettings(ctx context.Context, key string) (Settings, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.s, nil
	}
	gen := c.gen
	c.mu.Unlock()

	s, err := c.src.LoadSettings(ctx, key)
	if err != nil {
		return Settings{}, err
	}

	c.mu.Lock()
	// Skip the store when an Invalidate raced with the load.
	if c.gen == gen {
		c.entries[key] = cacheEntry{s: s, expires: now.Add(c.ttl)}
	}
	c.mu.Unlock()
	return s, nil
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.gen++
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
