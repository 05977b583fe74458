// Package handlers contains HTTP request handlers shared by the API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness information.
type HealthHandler struct {
	store Pinger
}

// NewHealthHandler creates a health handler over the given store.
func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store}
}

// HealthResponse is the body of a health check.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Database  string `json:"database,omitempty"`
}

// Health handles GET /health. A failing store turns the response into 503
// so load balancers can rotate the instance out.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Database = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			health.Database = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		// Response already committed, nothing to do.
		return
	}
}
