package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ironhelm/helmsman/internal/middleware"
	"github.com/ironhelm/helmsman/internal/port/cache"
)

// CORS returns middleware that sets CORS headers for the debug surface.
func CORS(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter builds the operational router: health, session introspection,
// and config reload. idemCache backs the idempotency middleware on mutating
// routes; limiter throttles per client IP.
func NewRouter(h *Handlers, corsOrigin string, limiter *middleware.RateLimiter, idemCache cache.Cache) chi.Router {
	r := chi.NewRouter()

	r.Use(CORS(corsOrigin))
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if limiter != nil {
		r.Use(limiter.Handler)
	}

	r.Get("/healthz", h.Healthz)

	r.Route("/debug", func(r chi.Router) {
		r.Get("/sessions/{id}", h.GetSession)
	})

	r.Route("/admin", func(r chi.Router) {
		if idemCache != nil {
			r.Use(middleware.Idempotency(idemCache))
		}
		r.Post("/config/reload", h.ReloadConfig)
	})

	return r
}
