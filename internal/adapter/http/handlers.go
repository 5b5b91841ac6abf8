// Package http provides the operational HTTP surface: health, session
// introspection, and config reload. The orchestration entry point itself
// lives on the MCP transport, not here.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ironhelm/helmsman/internal/domain"
	"github.com/ironhelm/helmsman/internal/domain/session"
	"github.com/ironhelm/helmsman/internal/registry"
)

// SessionReader is the subset of the session store the debug surface reads.
type SessionReader interface {
	Peek(ctx context.Context, sessionID string) (session.State, bool)
}

// Reloader re-reads configuration in place.
type Reloader interface {
	Reload() error
}

// Handlers carries the collaborators every handler closes over.
type Handlers struct {
	Sessions SessionReader
	Registry *registry.Registry
	Config   Reloader
	Version  string
	Started  time.Time
}

// Healthz reports process liveness plus registry size.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	type healthStatus struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Endpoints     int    `json:"endpoints"`
	}

	status := healthStatus{
		Status:        "ok",
		Version:       h.Version,
		UptimeSeconds: int64(time.Since(h.Started).Seconds()),
	}
	if h.Registry != nil {
		status.Endpoints = h.Registry.Len()
	}
	writeJSON(w, http.StatusOK, status)
}

// GetSession returns one session's control state, without materializing a
// default for unknown ids.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	st, ok := h.Sessions.Peek(r.Context(), sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": domain.ErrNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ReloadConfig re-reads the YAML/environment configuration.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, _ *http.Request) {
	if h.Config == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reload not configured"})
		return
	}
	if err := h.Config.Reload(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
