// Package logger provides structured logging for the orchestrator: JSON to
// stdout, a service attribute on every record, context keys for request and
// session correlation, and an optional async handler that keeps slow sinks
// out of the per-session turn path.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/ironhelm/helmsman/internal/config"
)

// Async queue sizing: 10k records absorbs a burst of chatty KNOWLEDGE
// fan-outs; four workers keep the queue drained under normal turn volume.
const (
	asyncQueueSize = 10_000
	asyncWorkers   = 4
)

// New builds the process logger from the Logging section. With Async set,
// records flow through an AsyncHandler and the returned Closer must be
// called on shutdown to flush; otherwise the Closer is a no-op.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	var h slog.Handler = handler
	var closer Closer = nopCloser{}
	if cfg.Async {
		async := NewAsyncHandler(handler, asyncQueueSize, asyncWorkers)
		h = async
		closer = async
	}

	return slog.New(h).With("service", cfg.Service), closer
}

// parseLevel maps a config string to a slog.Level, defaulting to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
