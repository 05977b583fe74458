// Package api provides the HTTP surface for the report webhook service.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skillsight/reporthooks/internal/api/handlers"
	"github.com/skillsight/reporthooks/internal/api/handlers/webhooks"
	"github.com/skillsight/reporthooks/pkg/metrics"
)

// RouterConfig holds the handlers and middleware sources for the router.
type RouterConfig struct {
	WebhookHandler *webhooks.Handler
	HealthHandler  *handlers.HealthHandler

	// Metrics is optional; when set the router records request metrics and
	// exposes /metrics.
	Metrics *metrics.Registry

	// LoggingMiddleware is optional request logging, typically
	// logging.NewHTTPMiddleware(...).Handler.
	LoggingMiddleware func(http.Handler) http.Handler
}

// NewRouter creates a new Chi router with all routes and middleware configured.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.LoggingMiddleware != nil {
		r.Use(cfg.LoggingMiddleware)
	} else {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if cfg.Metrics != nil {
		r.Use(metrics.HTTPMiddleware(cfg.Metrics, "/metrics", "/health"))
	}

	r.MethodNotAllowed(methodNotAllowed)
	r.NotFound(notFound)

	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Health)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	if cfg.WebhookHandler != nil {
		cfg.WebhookHandler.RegisterRoutes(r)
	}

	return r
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	respondJSONError(w, http.StatusNotFound, "not found")
}

func respondJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		return
	}
}
