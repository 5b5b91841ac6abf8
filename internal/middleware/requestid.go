// Package middleware provides HTTP middleware for the operational surface.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ironhelm/helmsman/internal/logger"
)

const headerRequestID = "X-Request-ID"

// RequestID honors an inbound X-Request-ID or mints a fresh UUID, stamps it
// into the context for downstream log correlation, and echoes it on the
// response so callers can quote it when reporting a problem.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}
