// Package memory provides a process-local result cache with per-entry TTLs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/timeutil"
)

var _ scanning.ResultCache = (*Cache)(nil)

const defaultCapacity = 10_000

type entry struct {
	result   scanning.ScanResult
	storedAt time.Time
	expires  time.Time
}

// Cache is a bounded map of results. Expired entries are dropped lazily on
// read and swept when the cache is full.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	capacity int
	clock    timeutil.Provider
}

// NewCache creates a Cache holding at most capacity entries. A
// non-positive capacity selects the default.
func NewCache(capacity int, clock timeutil.Provider) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Cache{entries: make(map[string]entry), capacity: capacity, clock: clock}
}

// Get returns a copy of the live entry for key.
func (c *Cache) Get(ctx context.Context, key string) (scanning.ScanResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return scanning.ScanResult{}, false, err
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return scanning.ScanResult{}, false, nil
	}
	if !now.Before(e.expires) {
		delete(c.entries, key)
		return scanning.ScanResult{}, false, nil
	}
	return e.result.Clone(), true, nil
}

// PutIfAbsent stores a copy of result unless a live entry exists. A
// non-positive ttl is never stored.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, result scanning.ScanResult, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, nil
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	if len(c.entries) >= c.capacity {
		c.evictLocked(now)
	}
	c.entries[key] = entry{result: result.Clone(), storedAt: now, expires: now.Add(ttl)}
	return true, nil
}

// evictLocked drops expired entries, then the oldest entry if still full.
func (c *Cache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	if len(c.entries) >= c.capacity && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of stored entries, live or not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
