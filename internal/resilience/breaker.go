// Package resilience guards the knowledge orchestrator's outbound endpoint
// calls: a per-endpoint circuit breaker keeps one degraded catalog entry
// from dragging every fan-out through its timeout.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while an endpoint's breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker tracks consecutive fetch failures for one registry endpoint.
// After maxFailures the breaker opens and the endpoint is skipped until
// timeout elapses; the next call then probes half-open, and one success
// closes the circuit again. State transitions are logged with the endpoint
// id so operators can see which catalog entries are degraded.
type Breaker struct {
	endpoint    string
	maxFailures int
	timeout     time.Duration

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
	now      func() time.Time // test hook
}

// NewBreaker creates the breaker for one endpoint id.
func NewBreaker(endpoint string, maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		endpoint:    endpoint,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// admit decides whether the next call may proceed, moving an expired open
// circuit to half-open.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return true
	}
	if b.now().Sub(b.openedAt) < b.timeout {
		return false
	}
	b.state = stateHalfOpen
	slog.Info("endpoint circuit probing", "endpoint", b.endpoint, "state", b.state.String())
	return true
}

// recordFailure must be called with b.mu held. A half-open probe failure or
// reaching the consecutive-failure threshold opens the circuit.
func (b *Breaker) recordFailure() {
	b.failures++
	if b.state != stateHalfOpen && b.failures < b.maxFailures {
		return
	}
	b.state = stateOpen
	b.openedAt = b.now()
	slog.Warn("endpoint circuit opened",
		"endpoint", b.endpoint,
		"consecutive_failures", b.failures,
		"retry_after", b.timeout,
	)
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess() {
	if b.state != stateClosed {
		slog.Info("endpoint circuit closed", "endpoint", b.endpoint)
	}
	b.failures = 0
	b.state = stateClosed
}
