package webhooks

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all webhook routes on the given router. The job
// runner's callbacks come from browser-hosted tooling during development,
// so the webhook surface answers CORS preflight with a wildcard origin.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(corsMiddleware)

		// Completion callbacks
		r.Post("/report", h.Report)
		r.Post("/final-report", h.FinalReport)
		r.Post("/dynamic-questionnaire", h.DynamicQuestionnaire)

		// Retry controls
		r.Post("/retry", h.Retry)
		r.Get("/retry", h.Sweep)

		// Audit trail
		r.Get("/audit", h.ListAudit)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Webhook-Signature")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
