package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ironhelm/helmsman/internal/logger"
)

// maxTrackedClients caps the client table so an address-spraying scan cannot
// exhaust memory; past the cap, unknown clients are rejected outright.
const maxTrackedClients = 100_000

// RateLimiter throttles the operational HTTP surface per client address.
// The MCP transport carries the real orchestration traffic and has its own
// outbound token bucket in httpfetch; this limiter only protects the debug
// and admin routes from runaway polling.
type RateLimiter struct {
	rate  float64 // sustained tokens per second
	burst float64

	mu      sync.Mutex
	clients map[string]*clientBucket
}

// clientBucket is one client's token state, refilled lazily on access.
type clientBucket struct {
	tokens   float64
	refilled time.Time
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the given sustained rate (requests
// per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:    rate,
		burst:   float64(burst),
		clients: make(map[string]*clientBucket),
	}
}

// Handler enforces the per-client limit, answering 429 with a Retry-After
// hint when a client is out of tokens.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		remaining, retryAfter, ok := rl.take(client)

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

		if !ok {
			w.Header().Set("Retry-After", strconv.FormatFloat(math.Ceil(retryAfter), 'f', 0, 64))
			slog.Warn("operational surface rate limited",
				"client", client,
				"path", r.URL.Path,
				"request_id", logger.RequestID(r.Context()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take consumes one token for client, reporting the tokens left and, when
// rejected, how long until the next token accrues.
func (rl *RateLimiter) take(client string) (remaining int, retryAfter float64, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, tracked := rl.clients[client]
	if !tracked {
		if len(rl.clients) >= maxTrackedClients {
			return 0, 1 / rl.rate, false
		}
		b = &clientBucket{tokens: rl.burst, refilled: now}
		rl.clients[client] = b
	}

	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.refilled).Seconds()*rl.rate)
	b.refilled = now
	b.lastSeen = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rate, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// StartCleanup prunes clients idle longer than maxIdle on every interval
// tick, the same cadence pattern the session store's eviction sweep uses.
// The returned function stops the goroutine.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.prune(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) prune(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for client, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
		}
	}
}

// Len reports how many clients are currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientAddr keys the limiter on the connection's remote address. Forwarding
// headers are deliberately ignored: they are client-controlled and would let
// a caller mint fresh buckets at will.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
