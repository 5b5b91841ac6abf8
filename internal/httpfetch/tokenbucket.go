package httpfetch

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a single process-wide token bucket, unlike
// middleware.RateLimiter's per-IP map: every outbound fetch draws from the
// same bucket regardless of which endpoint it targets.
type tokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	rate      float64 // tokens per second
	burst     float64
	updatedAt time.Time
	now       func() time.Time
}

func newTokenBucket(requestsPerMinute int, windowMS int64) *tokenBucket {
	rate := float64(requestsPerMinute) / (float64(windowMS) / 1000.0)
	return &tokenBucket{
		tokens:    rate,
		rate:      rate,
		burst:     rate,
		updatedAt: time.Now(),
		now:       time.Now,
	}
}

// wait blocks until a token is available or ctx is done, whichever comes
// first.
func (b *tokenBucket) wait(ctx context.Context) error {
	for {
		wait, ok := b.tryAcquire()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *tokenBucket) tryAcquire() (wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.updatedAt = now

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		return time.Duration(deficit / b.rate * float64(time.Second)), false
	}
	b.tokens--
	return 0, true
}
