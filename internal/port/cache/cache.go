// Package cache defines the byte-value cache port. The ristretto adapter
// implements it as the session store's L1 layer and as the idempotency
// middleware's response store; tests substitute plain maps.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL'd key-value store. Get reports a miss with ok=false rather
// than an error; errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
