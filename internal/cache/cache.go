// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cache provides bounded key/value caches with TTL. Each cache is
// owned by the component that creates it; there is no package-level state.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/metrics"
)

// Cache stores opaque byte values with expiration.
type Cache interface {
	// Get returns a copy of the value, or false if missing or expired.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value for ttl. A full cache evicts to make room.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Stats() Stats
	Close() error
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64 // expired or capacity-evicted entries removed
	CurrentSize int
}

// GetJSON decodes a cached JSON value into T.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var out T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}

// SetJSON encodes v as JSON and stores it.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Set(ctx, key, raw, ttl)
	return nil
}

type entry struct {
	value      []byte
	expiration time.Time
}

// MemoryCache is a bounded in-memory Cache. When full, Set drops expired
// entries first and then the entry closest to expiry.
type MemoryCache struct {
	name       string
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	stats   Stats

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache holding at most maxEntries values.
// cleanupInterval > 0 starts a janitor that removes expired entries; stop
// it with Close.
func NewMemoryCache(name string, maxEntries int, cleanupInterval time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c := &MemoryCache{
		name:       name,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]entry),
		stop:       make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiration) {
		c.stats.Misses++
		metrics.RecordCacheResult(c.name, "miss")
		return nil, false
	}
	c.stats.Hits++
	metrics.RecordCacheResult(c.name, "hit")
	return append([]byte(nil), e.value...), true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		if c.deleteExpiredLocked() == 0 {
			c.evictSoonestLocked()
		}
	}
	c.entries[key] = entry{value: append([]byte(nil), value...), expiration: c.now().Add(ttl)}
	c.stats.Sets++
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.CurrentSize = len(c.entries)
	return s
}

// Close stops the janitor. The cache remains usable.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) deleteExpiredLocked() int {
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, k)
			n++
		}
	}
	c.stats.Evictions += int64(n)
	return n
}

func (c *MemoryCache) evictSoonestLocked() {
	var (
		victim string
		soon   time.Time
		found  bool
	)
	for k, e := range c.entries {
		if !found || e.expiration.Before(soon) {
			victim, soon, found = k, e.expiration, true
		}
	}
	if found {
		delete(c.entries, victim)
		c.stats.Evictions++
		metrics.RecordCacheResult(c.name, "evict")
	}
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.deleteExpiredLocked()
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

var _ Cache = (*MemoryCache)(nil)
