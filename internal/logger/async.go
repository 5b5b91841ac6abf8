package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes and stops a handler on shutdown. The synchronous path
// returns a no-op so callers can defer Close unconditionally.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples session-turn logging from stdout: records go into
// a bounded queue drained by background workers, so a slow log sink never
// stalls a turn inside the per-session lock. When the queue is full the
// record is dropped and counted; Close reports the total through the inner
// handler so lost volume is visible in the stream itself.
type AsyncHandler struct {
	inner   slog.Handler
	queue   chan slog.Record
	workers *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler starts the worker pool over a queue of the given capacity.
func NewAsyncHandler(inner slog.Handler, queueSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner:   inner,
		queue:   make(chan slog.Record, queueSize),
		workers: &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range workers {
		h.workers.Add(1)
		go func() {
			defer h.workers.Done()
			for rec := range h.queue {
				_ = h.inner.Handle(context.Background(), rec)
			}
		}()
	}
	return h
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record without blocking; a full queue drops it.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.queue <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs shares the queue and workers, wrapping an attributed inner
// handler so per-logger fields like service and session_id survive the
// async hop.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithAttrs(attrs),
		queue:   h.queue,
		workers: h.workers,
		dropped: h.dropped,
	}
}

// WithGroup shares the queue and workers, wrapping a grouped inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithGroup(name),
		queue:   h.queue,
		workers: h.workers,
		dropped: h.dropped,
	}
}

// DroppedCount reports how many records the full queue discarded.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close drains the queue, stops the workers, and, if anything was dropped,
// writes one final synchronous record accounting for the loss.
func (h *AsyncHandler) Close() {
	close(h.queue)
	h.workers.Wait()

	if n := h.dropped.Load(); n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.inner.Handle(context.Background(), rec)
	}
}
