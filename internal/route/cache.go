package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/models"
)

// Cache wraps a Service with a small TTL cache keyed by the rounded endpoints.
// A stationary vehicle hitting the periodic refresh is served from memory.
type Cache struct {
	next  Service
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	line []models.Position
	ts   time.Time
}

// NewCache creates a caching Service with the provided TTL.
func NewCache(next Service, ttl time.Duration) *Cache {
	return &Cache{next: next, store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Position) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// 5 decimals is roughly a meter, below the tracker's movement filter.
func fmtCoord(c models.Position) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

func (c *Cache) Route(ctx context.Context, from, to models.Position) ([]models.Position, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return e.line, nil
	}
	return c.Refresh(ctx, from, to)
}

// Refresh bypasses the lookup and replaces the cached entry.
func (c *Cache) Refresh(ctx context.Context, from, to models.Position) ([]models.Position, error) {
	k := keyFor(from, to)
	line, err := c.next.Route(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.evictExpired()
	c.store[k] = cacheEntry{line: line, ts: c.now()}
	c.mu.Unlock()
	return line, nil
}

// evictExpired must be called with mu held.
func (c *Cache) evictExpired() {
	now := c.now()
	for k, e := range c.store {
		if now.Sub(e.ts) > c.ttl {
			delete(c.store, k)
		}
	}
}
