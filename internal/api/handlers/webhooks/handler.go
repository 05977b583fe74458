// Package webhooks provides the HTTP handlers for the report completion
// webhook endpoints and their retry controls.
package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/retry"
	"github.com/skillsight/reporthooks/internal/webhook/security"
	"github.com/skillsight/reporthooks/internal/webhook/service"
)

// maxBodyBytes caps an inbound webhook body. Research reports are text, a
// few hundred KB at most.
const maxBodyBytes = 4 << 20

// Handler provides HTTP handlers for webhook operations.
type Handler struct {
	processor *service.Processor
	retrier   *retry.Retrier
	audits    repository.AuditStore
	validate  *validator.Validate
}

// NewHandler creates a new webhook handler.
func NewHandler(processor *service.Processor, retrier *retry.Retrier, audits repository.AuditStore) *Handler {
	return &Handler{
		processor: processor,
		retrier:   retrier,
		audits:    audits,
		validate:  validator.New(),
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// RetryRequest is the body of a targeted retry call.
type RetryRequest struct {
	ReportType  string `json:"report_type" validate:"required"`
	ReportID    string `json:"report_id" validate:"required"`
	WebhookType string `json:"webhook_type,omitempty"`
}

// Report handles POST /webhooks/report, the preliminary completion variant.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	h.handleCompletion(w, r, service.KindReport)
}

// FinalReport handles POST /webhooks/final-report.
func (h *Handler) FinalReport(w http.ResponseWriter, r *http.Request) {
	h.handleCompletion(w, r, service.KindFinal)
}

// DynamicQuestionnaire handles POST /webhooks/dynamic-questionnaire.
func (h *Handler) DynamicQuestionnaire(w http.ResponseWriter, r *http.Request) {
	h.handleCompletion(w, r, service.KindDynamic)
}

// handleCompletion reads the raw body and hands it to the processor. The
// body must stay byte-exact for signature verification, so no decoding
// happens before the processor sees it.
func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request, kind service.Kind) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	outcome := h.processor.HandleCompletion(r.Context(), kind, body, r.Header.Get(security.SignatureHeader))
	h.respondJSON(w, outcome.Code, outcome.Body)
}

// Retry handles POST /webhooks/retry, a targeted single-report retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondValidationError(w, err)
		return
	}

	result, err := h.retrier.Retry(r.Context(), req.ReportType, req.ReportID, req.WebhookType)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if result.Refused {
		code = http.StatusBadRequest
	}
	h.respondJSON(w, code, result)
}

// Sweep handles GET /webhooks/retry, running one sweep pass. The response
// is always 200 with the aggregate, even when no candidates were found.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.retrier.SweepFailed(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// ListAudit handles GET /webhooks/audit with optional report_id, job_id,
// limit and offset query parameters.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	filter := repository.AuditFilter{
		ReportID: r.URL.Query().Get("report_id"),
		JobID:    r.URL.Query().Get("job_id"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}

	attempts, err := h.audits.ListAttempts(r.Context(), filter)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list audit records")
		return
	}
	if attempts == nil {
		attempts = []repository.AuditRecord{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// respondJSON writes a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Response already committed, nothing to do.
			return
		}
	}
}

// respondError writes a JSON error response with the given status code.
func (h *Handler) respondError(w http.ResponseWriter, code int, message string) {
	h.respondJSON(w, code, ErrorResponse{Error: message})
}

// respondValidationError writes a JSON validation error response.
func (h *Handler) respondValidationError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		details := make(map[string]string)
		for _, e := range validationErrs {
			details[e.Field()] = formatValidationError(e)
		}
		h.respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Details: details,
		})
		return
	}
	h.respondError(w, http.StatusBadRequest, "invalid input")
}

// formatValidationError formats a validation error into a human-readable message.
func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "is invalid"
	}
}
