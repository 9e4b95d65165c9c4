// Package cache is a small in-memory TTL cache with cache-aside loading.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const cleanupInterval = time.Minute

type entry struct {
	data      interface{}
	expiresAt time.Time
}

// Stats tracks cache performance
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Keys      int
}

// Cache provides a thread-safe in-memory cache with TTL support
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	stats   Stats
	group   singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates a cache whose entries live for ttl unless set otherwise. A
// background goroutine drops expired entries until Close is called.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go c.cleanupLoop()
	return c
}

// Get returns the value stored under key if it has not expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false
	}
	now := c.now()
	if !now.After(e.expiresAt) {
		c.count(func(s *Stats) { s.Hits++ })
		return e.data, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a Set may have replaced the entry since the read above
	cur, ok := c.entries[key]
	if ok && !now.After(cur.expiresAt) {
		c.stats.Hits++
		return cur.data, true
	}
	if ok {
		delete(c.entries, key)
		c.stats.Evictions++
	}
	c.stats.Misses++
	return nil, false
}

func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{data: value, expiresAt: c.now().Add(ttl)}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Keys = len(c.entries)
	return s
}

// Close stops the cleanup goroutine. The cache stays usable.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			c.stats.Evictions++
		}
	}
}

// Fetch returns the cached value for key, or calls load, caches and returns
// its result. Concurrent misses on the same key share one load. Errors are
// returned to every waiter and never cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		res, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, res)
		return res, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
