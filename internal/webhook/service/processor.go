package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skillsight/reporthooks/internal/lock"
	"github.com/skillsight/reporthooks/internal/report"
	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/security"
)

// Logger defines the logging interface for the processor.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics receives one observation per processed inbound delivery.
type Metrics interface {
	ObserveInbound(kind, outcome string, duration time.Duration)
}

// Outcome is the HTTP-shaped result of processing one delivery.
type Outcome struct {
	Code int
	Body map[string]any
}

// Processor drives one inbound completion webhook through verification,
// validation, the idempotency guard, the state updater and the audit log.
// It holds no mutable state; every request is independent.
type Processor struct {
	store   repository.ReportStore
	audits  repository.AuditStore
	secret  string
	locker    lock.Locker
	logger    Logger
	metrics   Metrics
	lockTTL   time.Duration
	lockRetry time.Duration
	now       func() time.Time
}

// Option configures the Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithLocker sets the per-report locker serializing check-then-act.
func WithLocker(locker lock.Locker) Option {
	return func(p *Processor) { p.locker = locker }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a processor over the given stores and shared
// secret.
func NewProcessor(store repository.ReportStore, audits repository.AuditStore, secret string, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		audits:    audits,
		secret:    secret,
		lockTTL:   30 * time.Second,
		lockRetry: 50 * time.Millisecond,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleCompletion processes one delivery. Exactly one audit row is
// written per call regardless of outcome; audit failures are swallowed so
// they can never mask the primary result.
func (p *Processor) HandleCompletion(ctx context.Context, kind Kind, rawBody []byte, signatureHeader string) Outcome {
	started := p.now()
	audit := &repository.AuditRecord{
		ID:             uuid.New().String(),
		WebhookType:    string(kind),
		RequestPayload: auditPayload(rawBody),
		AttemptNumber:  1,
	}
	var outcome Outcome
	defer func() {
		audit.ResponseStatus = outcome.Code
		audit.ResponseBody = encodeBody(outcome.Body)
		p.writeAudit(ctx, audit)
		if p.metrics != nil {
			p.metrics.ObserveInbound(string(kind), outcomeLabel(outcome.Code), p.now().Sub(started))
		}
	}()

	if !security.VerifyHeader(p.secret, rawBody, signatureHeader) {
		audit.ErrorMessage = "invalid signature"
		outcome = errorOutcome(http.StatusUnauthorized, "invalid signature")
		return outcome
	}

	payload, table, err := ParsePayload(kind, rawBody)
	if err != nil {
		audit.ErrorMessage = err.Error()
		outcome = errorOutcome(http.StatusBadRequest, err.Error())
		return outcome
	}
	audit.JobID = payload.JobID
	audit.ReportID = payload.ReportID
	audit.ReportTable = table

	existing, err := p.store.GetReport(ctx, table, payload.ReportID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			audit.ErrorMessage = "report not found"
			outcome = errorOutcome(http.StatusNotFound, "report not found")
			return outcome
		}
		p.logError("fetching report", err, payload)
		audit.ErrorMessage = err.Error()
		outcome = errorOutcome(http.StatusInternalServerError, "failed to load report")
		return outcome
	}
	audit.AttemptNumber = existing.WebhookAttempts + 1

	if existing.Processed() {
		outcome = Outcome{Code: http.StatusOK, Body: map[string]any{
			"message":   "already processed",
			"report_id": payload.ReportID,
		}}
		return outcome
	}

	// Serialize check-then-act for this row. A contended lock means a
	// concurrent delivery for the same report is between its two
	// persistence writes, so the acquire waits for the holder rather than
	// proceeding past it. Only a lock backend failure degrades to
	// lock-less operation; the conditional update in the store still
	// guards correctness then.
	if p.locker != nil {
		if release := p.waitReportLock(ctx, table+":"+payload.ReportID); release != nil {
			defer release()
		}

		// Re-read under the lock: the previous holder may have finished
		// this delivery between the first read and the acquire.
		fresh, err := p.store.GetReport(ctx, table, payload.ReportID)
		if err == nil {
			existing = fresh
			audit.AttemptNumber = existing.WebhookAttempts + 1
			if existing.Processed() {
				outcome = Outcome{Code: http.StatusOK, Body: map[string]any{
					"message":   "already processed",
					"report_id": payload.ReportID,
				}}
				return outcome
			}
		}
	}

	update := p.buildUpdate(kind, existing, payload)
	applied, err := p.store.ApplyResult(ctx, table, payload.ReportID, update)
	if err != nil {
		p.logError("applying result", err, payload)
		audit.ErrorMessage = err.Error()
		outcome = errorOutcome(http.StatusInternalServerError, "failed to update report")
		return outcome
	}
	if !applied {
		// A concurrent delivery won the conditional update.
		outcome = Outcome{Code: http.StatusOK, Body: map[string]any{
			"message":   "already processed",
			"report_id": payload.ReportID,
		}}
		return outcome
	}

	webhookStatus := report.WebhookSuccess
	if payload.Error != "" {
		webhookStatus = report.WebhookFailed
	}
	responseData := map[string]any{
		"job_id":       payload.JobID,
		"webhook_type": string(kind),
		"timestamp":    p.now().Format(time.RFC3339),
	}
	// Second phase, deliberately a separate round trip: a crash between
	// the two writes leaves the attempt counter stale, which is an
	// accepted at-least-once artifact.
	if err := p.store.UpdateWebhookStatus(ctx, table, payload.ReportID, webhookStatus, responseData, true); err != nil {
		p.logError("updating webhook status", err, payload)
		audit.ErrorMessage = "webhook status update failed: " + err.Error()
	}

	if p.logger != nil {
		p.logger.Info("webhook processed",
			"webhookType", string(kind),
			"reportID", payload.ReportID,
			"jobID", payload.JobID,
			"status", string(update.Status),
			"webhookStatus", string(webhookStatus),
		)
	}

	outcome = Outcome{Code: http.StatusOK, Body: map[string]any{
		"message":   "report updated",
		"report_id": payload.ReportID,
		"status":    string(update.Status),
	}}
	return outcome
}

// waitReportLock acquires the per-report lock, polling while another
// delivery holds it. It returns a nil release when the lock backend
// failed or the request context ended first; callers then proceed without
// the lock.
func (p *Processor) waitReportLock(ctx context.Context, key string) func() {
	for {
		release, err := p.locker.Acquire(ctx, key, p.lockTTL)
		if err == nil {
			return release
		}
		if !errors.Is(err, lock.ErrNotAcquired) {
			if p.logger != nil {
				p.logger.Warn("proceeding without report lock",
					"key", key, "error", err.Error())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			if p.logger != nil {
				p.logger.Warn("request ended while waiting for report lock", "key", key)
			}
			return nil
		case <-time.After(p.lockRetry):
		}
	}
}

// buildUpdate applies the state-updater rules: content and status from the
// payload with defaults, and the shallow last-writer-wins metadata merge
// of existing metadata, incoming final_data and protocol bookkeeping.
func (p *Processor) buildUpdate(kind Kind, existing *report.Record, payload *CompletionPayload) report.Update {
	status := report.StatusCompleted
	if payload.ResearchStatus != "" {
		status = report.Status(payload.ResearchStatus)
	}

	now := p.now()
	bookkeeping := map[string]any{
		"webhook_updated":   true,
		"webhook_timestamp": now.Format(time.RFC3339),
		"webhook_type":      string(kind),
		"job_id":            payload.JobID,
	}
	if payload.Error != "" {
		bookkeeping["error"] = payload.Error
	}
	if kind == KindFinal && status == report.StatusCompleted {
		bookkeeping["final_completion"] = now.Format(time.RFC3339)
		bookkeeping["processing_stage"] = "final"
	}

	merged := report.MergeMetadata(existing.Metadata, payload.ResearchMetadata, nil)
	merged = report.MergeMetadata(merged, payload.FinalData, bookkeeping)

	return report.Update{
		Content:  payload.ResearchReport,
		Status:   status,
		Metadata: merged,
	}
}

func (p *Processor) writeAudit(ctx context.Context, rec *repository.AuditRecord) {
	if p.audits == nil {
		return
	}
	rec.CreatedAt = p.now()
	if err := p.audits.RecordAttempt(ctx, rec); err != nil && p.logger != nil {
		// Audit failure must never fail the webhook response.
		p.logger.Error("failed to write audit row",
			"reportID", rec.ReportID, "error", err.Error())
	}
}

func (p *Processor) logError(action string, err error, payload *CompletionPayload) {
	if p.logger == nil {
		return
	}
	p.logger.Error(action+" failed",
		"reportID", payload.ReportID, "jobID", payload.JobID, "error", err.Error())
}

func errorOutcome(code int, msg string) Outcome {
	return Outcome{Code: code, Body: map[string]any{"error": msg}}
}

func outcomeLabel(code int) string {
	switch {
	case code < 300:
		return "ok"
	case code < 500:
		return "rejected"
	default:
		return "error"
	}
}

func encodeBody(body map[string]any) string {
	if len(body) == 0 {
		return ""
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// auditPayload preserves the request body in the audit row. Bodies that
// are not valid JSON are stored as a JSON string so the row itself stays
// well formed.
func auditPayload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}
