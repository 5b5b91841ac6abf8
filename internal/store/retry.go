package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironhelm/helmsman/internal/domain"
	"github.com/ironhelm/helmsman/internal/port/graph"
)

const retryMaxAttempts = 3

// retryTask is one pending background operation, keyed by (session_id, op).
// A newer enqueue for the same key replaces the older one.
type retryTask struct {
	id       string
	attempt  int
	timer    *time.Timer
	canceled bool
}

// retryQueue schedules background re-execution of failed persistence
// operations with exponential backoff: base, 2x, 4x, giving up after
// retryMaxAttempts. One slot per (session_id, op); re-enqueueing resets
// the slot.
type retryQueue struct {
	mu    sync.Mutex
	slots map[string]*retryTask

	base   time.Duration
	log    *slog.Logger
	wg     *sync.WaitGroup
	closed bool
}

func newRetryQueue(base time.Duration, log *slog.Logger, wg *sync.WaitGroup) *retryQueue {
	if base <= 0 {
		base = 5 * time.Second
	}
	return &retryQueue{
		slots: make(map[string]*retryTask),
		base:  base,
		log:   log,
		wg:    wg,
	}
}

// retriable reports whether err is worth retrying. Permission/auth-class
// errors are permanent; everything else (network, timeout, transient store
// failures) gets the backoff treatment.
func retriable(err error) bool {
	return !errors.Is(err, graph.ErrUnauthorized)
}

// enqueue schedules fn to run again after the backoff for the given attempt.
// fn receives a fresh context; it must return nil on success or the error to
// classify for the next round.
func (q *retryQueue) enqueue(sessionID, op string, attempt int, fn func(ctx context.Context) error) {
	key := sessionID + "/" + op

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if prev, ok := q.slots[key]; ok {
		prev.canceled = true
		if prev.timer.Stop() {
			q.wg.Done()
		}
	}

	task := &retryTask{id: uuid.NewString(), attempt: attempt}
	delay := q.base << (attempt - 1)

	q.wg.Add(1)
	task.timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()

		q.mu.Lock()
		canceled := task.canceled
		if q.slots[key] == task {
			delete(q.slots, key)
		}
		q.mu.Unlock()
		if canceled {
			return
		}

		err := fn(context.Background())
		if err == nil {
			return
		}

		if task.attempt >= retryMaxAttempts || !retriable(err) {
			q.log.Error("session store: giving up on background operation",
				"retry_id", task.id,
				"session_id", sessionID,
				"op", op,
				"attempts", task.attempt,
				"error", fmt.Errorf("%w: %w", domain.ErrRetryExhausted, err),
			)
			return
		}

		q.log.Warn("session store: background operation failed, will retry",
			"retry_id", task.id,
			"session_id", sessionID,
			"op", op,
			"attempt", task.attempt,
			"error", err,
		)
		q.enqueue(sessionID, op, task.attempt+1, fn)
	})

	q.slots[key] = task
}

// close stops accepting new work and cancels pending timers.
func (q *retryQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for key, task := range q.slots {
		task.canceled = true
		if task.timer.Stop() {
			q.wg.Done()
		}
		delete(q.slots, key)
	}
}
