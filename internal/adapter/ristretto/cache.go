// Package ristretto backs the cache port with a dgraph-io/ristretto
// in-process cache. It serves two key families: "session:<id>" entries
// holding JSON-serialized session state (the store's L1 layer), and
// "idempotency:<key>" entries holding replayed HTTP responses.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// avgEntryBytes sizes the admission counters: a serialized session with a
// modest todo list lands around 1 KiB, and ristretto wants roughly 10x the
// expected entry count in counters.
const avgEntryBytes = 1024

// Cache adapts a ristretto cache to the cache port. Each value's cost is
// its serialized length, so maxCostBytes bounds resident session state in
// bytes rather than entry count.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates the cache with a total value budget of maxCostBytes.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / avgEntryBytes * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get reports a miss with ok=false; ristretto itself never errors on reads.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value at its byte-length cost. The TTL doubles as the session
// store's inactivity backstop: even if the eviction sweep misses an entry,
// ristretto expires it on the same schedule.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete drops the key; used by the eviction sweep.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's internal goroutines on shutdown.
func (c *Cache) Close() {
	c.c.Close()
}
