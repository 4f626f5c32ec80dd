// Package http exposes the license guard to the local UI: status and
// activation endpoints, a websocket for lock overlay pushes, health and
// Prometheus metrics.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"trialguard/internal/middleware"
)

// RouterDeps holds the handlers mounted by NewRouter. Metrics, WebSocket
// and Limiter are optional.
type RouterDeps struct {
	License   *LicenseHandler
	Metrics   http.Handler
	WebSocket http.HandlerFunc
	// Limiter throttles the /api routes.
	Limiter *middleware.RateLimiter
	Logger  *slog.Logger
}

// NewRouter builds the chi router for the local API.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
		})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.WebSocket != nil {
		r.Get("/ws", deps.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.StructuredLogger(deps.Logger))
		if deps.Limiter != nil {
			r.Use(deps.Limiter.Handler)
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Mount("/license", deps.License.Routes())
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status_code":404,"error_code":"NOT_FOUND","message":"Resource not found"}`))
	})
	return r
}
