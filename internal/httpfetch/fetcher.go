// Package httpfetch is the single shared outbound HTTP client every
// knowledge-orchestrator fetch goes through: SSRF-checked, rate-limited,
// retried with jittered backoff, and circuit-broken per endpoint.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/ironhelm/helmsman/internal/domain/endpoint"
	"github.com/ironhelm/helmsman/internal/logger"
	"github.com/ironhelm/helmsman/internal/resilience"
	"github.com/ironhelm/helmsman/internal/urlguard"
)

const maxRetries = 2

// Options parameterizes one Fetch call.
type Options struct {
	EndpointID       string
	ConfidenceWeight float64
	Timeout          time.Duration
	MaxContentLength int64
	MaxResponseSize  int
	AuthToken        string // sent as a bearer token when non-empty
}

// Fetcher is the process-wide shared client used for every outbound fetch.
type Fetcher struct {
	client    *http.Client
	guard     *urlguard.Guard
	bucket    *tokenBucket
	userAgent string

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker

	breakerMaxFailures int
	breakerTimeout     time.Duration
}

// New returns a Fetcher. requestsPerMinute/windowMS parameterize the
// process-wide token bucket; breakerMaxFailures/breakerTimeout parameterize
// the per-endpoint circuit breaker created lazily on first use.
func New(guard *urlguard.Guard, userAgent string, requestsPerMinute int, windowMS int64, breakerMaxFailures int, breakerTimeout time.Duration) *Fetcher {
	return &Fetcher{
		client:             &http.Client{},
		guard:              guard,
		bucket:             newTokenBucket(requestsPerMinute, windowMS),
		userAgent:          userAgent,
		breakers:           make(map[string]*resilience.Breaker),
		breakerMaxFailures: breakerMaxFailures,
		breakerTimeout:     breakerTimeout,
	}
}

func (f *Fetcher) breakerFor(endpointID string) *resilience.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[endpointID]
	if !ok {
		b = resilience.NewBreaker(endpointID, f.breakerMaxFailures, f.breakerTimeout)
		f.breakers[endpointID] = b
	}
	return b
}

// Fetch performs one GET against rawURL, applying the SSRF guard, the
// shared rate limiter, and the endpoint's circuit breaker, then retrying
// retriable failures with jittered exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) endpoint.FetchResult {
	start := time.Now()

	if err := f.guard.Check(ctx, rawURL); err != nil {
		return endpoint.FetchResult{
			EndpointID: opts.EndpointID,
			OK:         false,
			Error:      "ssrf_blocked",
			DurationMS: time.Since(start).Milliseconds(),
		}
	}

	breaker := f.breakerFor(opts.EndpointID)

	var result endpoint.FetchResult
	err := breaker.Execute(func() error {
		result = f.fetchWithRetry(ctx, rawURL, opts, start)
		if !result.OK {
			return fmt.Errorf("fetch failed: %s", result.Error)
		}
		return nil
	})
	if err == resilience.ErrCircuitOpen {
		result = endpoint.FetchResult{
			EndpointID: opts.EndpointID,
			OK:         false,
			Error:      "circuit_open",
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	if !result.OK {
		slog.Warn("endpoint fetch failed",
			"endpoint", opts.EndpointID,
			"reason", result.Error,
			"session_id", logger.SessionID(ctx),
		)
	}
	return result
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string, opts Options, start time.Time) endpoint.FetchResult {
	var lastErr string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errResult(opts.EndpointID, "timeout", start)
			case <-timer.C:
			}
		}

		if err := f.bucket.wait(ctx); err != nil {
			return errResult(opts.EndpointID, "timeout", start)
		}

		result, retriable := f.attempt(ctx, rawURL, opts, start)
		if result.OK || !retriable {
			return result
		}
		lastErr = result.Error
	}
	return endpoint.FetchResult{
		EndpointID: opts.EndpointID,
		OK:         false,
		Error:      lastErr,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, opts Options, start time.Time) (result endpoint.FetchResult, retriable bool) {
	reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errResult(opts.EndpointID, "invalid_request", start), false
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json, text/*")
	if opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return errResult(opts.EndpointID, "timeout", start), false
		}
		return errResult(opts.EndpointID, "network_error", start), true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		retriable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return endpoint.FetchResult{
			EndpointID: opts.EndpointID,
			OK:         false,
			Error:      fmt.Sprintf("http_%d", resp.StatusCode),
			DurationMS: time.Since(start).Milliseconds(),
		}, retriable
	}

	limit := opts.MaxContentLength
	if limit <= 0 {
		limit = int64(opts.MaxResponseSize)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return errResult(opts.EndpointID, "read_error", start), true
	}

	text := string(body)
	if opts.MaxResponseSize > 0 && len(text) > opts.MaxResponseSize {
		text = text[:opts.MaxResponseSize]
	}

	confidence := 0.0
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		confidence = opts.ConfidenceWeight
	}

	return endpoint.FetchResult{
		EndpointID: opts.EndpointID,
		OK:         true,
		Body:       text,
		DurationMS: time.Since(start).Milliseconds(),
		Confidence: confidence,
	}, false
}

func errResult(endpointID, reason string, start time.Time) endpoint.FetchResult {
	return endpoint.FetchResult{
		EndpointID: endpointID,
		OK:         false,
		Error:      reason,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// backoffDelay returns min(1000*2^attempt, 8000) ms with +/-20% jitter.
func backoffDelay(attempt int) time.Duration {
	base := 1000 * (1 << attempt)
	if base > 8000 {
		base = 8000
	}
	jitterFrac := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(base)*jitterFrac) * time.Millisecond
}
