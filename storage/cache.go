package storage

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
)

// ResultCache is the two-tier result store: an in-memory tier in front of the
// durable SQLite tier. Reads prefer memory and promote durable hits; writes
// land in memory synchronously and reach the durable tier through the
// WriteCoalescer, so lookups and stores never block on I/O.
//
// Entries are only ever written after a fully successful fetch, so a cached
// value is always a real backend result.
type ResultCache struct {
	mem    *otter.Cache[string, CacheEntry]
	store  Store
	writes *WriteCoalescer

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// NewResultCache creates a two-tier cache. store and writes may be nil for a
// memory-only cache (used by isolated tests).
func NewResultCache(maxEntries int, store Store, writes *WriteCoalescer) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = 50000
	}
	mem := otter.Must(&otter.Options[string, CacheEntry]{
		MaximumSize: maxEntries,
	})
	return &ResultCache{
		mem:    mem,
		store:  store,
		writes: writes,
		now:    time.Now,
	}
}

// Get returns the cached value for key, consulting memory then the durable
// tier. Expired entries are misses.
func (c *ResultCache) Get(key string) (float64, bool) {
	now := c.now()

	if entry, ok := c.mem.GetIfPresent(key); ok {
		if !entry.Expired(now) {
			c.hits.Add(1)
			return entry.Value, true
		}
		c.mem.Invalidate(key)
	}

	if c.store != nil {
		entry, ok, err := c.store.GetEntry(key)
		if err != nil {
			slog.Warn("durable cache read failed", slog.String("key", key), slog.Any("error", err))
		} else if ok && !entry.Expired(now) {
			// Promote to the memory tier.
			c.mem.Set(key, entry)
			c.hits.Add(1)
			return entry.Value, true
		}
	}

	c.misses.Add(1)
	return 0, false
}

// Has reports whether key would currently hit, without touching counters.
func (c *ResultCache) Has(key string) bool {
	if entry, ok := c.mem.GetIfPresent(key); ok && !entry.Expired(c.now()) {
		return true
	}
	if c.store != nil {
		entry, ok, err := c.store.GetEntry(key)
		return err == nil && ok && !entry.Expired(c.now())
	}
	return false
}

// Set stores a successfully fetched value. ttl zero means the entry never
// expires (immutable past); a positive ttl bounds the current open period.
func (c *ResultCache) Set(key string, value float64, kind EntryKind, ttl time.Duration) {
	now := c.now()
	entry := CacheEntry{
		Value:      value,
		InsertedAt: now,
		Kind:       kind,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mem.Set(key, entry)
	if c.writes != nil {
		c.writes.AddEntry(key, entry)
	}
}

// InvalidateAll drops both tiers synchronously.
func (c *ResultCache) InvalidateAll() error {
	c.mem.InvalidateAll()
	if c.writes != nil {
		c.writes.Clear()
	}
	if c.store != nil {
		if err := c.store.ClearEntries(); err != nil {
			return fmt.Errorf("failed to clear durable cache tier: %w", err)
		}
	}
	return nil
}

// Hits returns the cumulative hit count.
func (c *ResultCache) Hits() int64 { return c.hits.Load() }

// Misses returns the cumulative miss count.
func (c *ResultCache) Misses() int64 { return c.misses.Load() }

// SetClockForTesting overrides the cache clock. Only use in tests.
func (c *ResultCache) SetClockForTesting(now func() time.Time) {
	c.now = now
}
