// Package retry replays failed report deliveries, both on demand for a
// single report and as a sweep over every retryable record.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skillsight/reporthooks/internal/report"
	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/service"
	outbound "github.com/skillsight/reporthooks/pkg/integration/webhook"
)

// Logger defines the logging interface for the retry package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics receives retry and sweep observations.
type Metrics interface {
	ObserveRetry(outcome string)
	ObserveSweep(processed, successes, failures int)
}

// Deliverer sends one reconstructed payload downstream.
type Deliverer interface {
	Deliver(ctx context.Context, path string, payload any) (*outbound.DeliveryResult, error)
}

// Config holds the retry policy.
type Config struct {
	MaxAttempts int           // Hard ceiling on webhook_attempts
	Cooldown    time.Duration // Minimum age of webhook_last_attempt for the sweep
	ItemDelay   time.Duration // Pause between sweep items
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Cooldown:    5 * time.Minute,
		ItemDelay:   100 * time.Millisecond,
	}
}

// RetryResult is the structured outcome of a targeted retry. A refusal is a
// business rule, not a fault: it is reported here, never as an error.
type RetryResult struct {
	Success    bool   `json:"success"`
	Refused    bool   `json:"refused,omitempty"`
	Message    string `json:"message,omitempty"`
	ReportID   string `json:"report_id"`
	Table      string `json:"report_table,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// SweepResult aggregates one sweep pass.
type SweepResult struct {
	Processed int      `json:"processed"`
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
	Errors    []string `json:"errors"`
}

// Retrier drives failed deliveries back through the outbound client.
type Retrier struct {
	store   repository.ReportStore
	audits  repository.AuditStore
	client  Deliverer
	config  Config
	logger  Logger
	metrics Metrics
}

// Option configures the Retrier.
type Option func(*Retrier)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(r *Retrier) {
		r.logger = logger
	}
}

// WithConfig sets the retry policy.
func WithConfig(cfg Config) Option {
	return func(r *Retrier) {
		r.config = cfg
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Retrier) {
		r.metrics = m
	}
}

// NewRetrier creates a Retrier over the given stores and outbound client.
func NewRetrier(store repository.ReportStore, audits repository.AuditStore, client Deliverer, opts ...Option) *Retrier {
	r := &Retrier{
		store:  store,
		audits: audits,
		client: client,
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retry replays the delivery for one report. The attempt ceiling and the
// missing-job-id rule are checked here and reported as refusals; store and
// transport faults come back as errors.
func (r *Retrier) Retry(ctx context.Context, reportType, reportID, webhookType string) (*RetryResult, error) {
	table, err := report.TableForType(reportType)
	if err != nil {
		return &RetryResult{Refused: true, Message: err.Error(), ReportID: reportID}, nil
	}

	rec, err := r.store.GetReport(ctx, table, reportID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &RetryResult{Refused: true, Message: "report not found", ReportID: reportID, Table: table}, nil
		}
		return nil, fmt.Errorf("fetching report: %w", err)
	}

	if refusal := r.refusalFor(rec); refusal != "" {
		r.observeRetry("refused")
		return &RetryResult{Refused: true, Message: refusal, ReportID: reportID, Table: table, Attempt: rec.WebhookAttempts}, nil
	}

	result := r.deliverRecord(ctx, table, rec, webhookType)
	return result, nil
}

// SweepFailed queries for every retryable record and replays each one
// sequentially, pausing between items to bound downstream load. A single
// item's failure is recorded and the sweep continues.
func (r *Retrier) SweepFailed(ctx context.Context) (*SweepResult, error) {
	candidates, err := r.store.GetFailedWebhooks(ctx, r.config.MaxAttempts, r.config.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("querying failed webhooks: %w", err)
	}

	sweep := &SweepResult{Errors: []string{}}
	if len(candidates) == 0 {
		r.observeSweep(sweep)
		return sweep, nil
	}

	if r.logger != nil {
		r.logger.Debug("sweeping failed webhooks", "count", len(candidates))
	}

	for i, candidate := range candidates {
		if i > 0 && r.config.ItemDelay > 0 {
			select {
			case <-time.After(r.config.ItemDelay):
			case <-ctx.Done():
				r.observeSweep(sweep)
				return sweep, ctx.Err()
			}
		}

		sweep.Processed++
		if err := r.sweepOne(ctx, candidate); err != nil {
			sweep.Failures++
			sweep.Errors = append(sweep.Errors,
				fmt.Sprintf("%s/%s: %v", candidate.TableName, candidate.RecordID, err))
		} else {
			sweep.Successes++
		}
	}

	if r.logger != nil {
		r.logger.Info("sweep completed",
			"processed", sweep.Processed,
			"successes", sweep.Successes,
			"failures", sweep.Failures,
		)
	}
	r.observeSweep(sweep)
	return sweep, nil
}

func (r *Retrier) sweepOne(ctx context.Context, candidate repository.FailedWebhook) error {
	rec, err := r.store.GetReport(ctx, candidate.TableName, candidate.RecordID)
	if err != nil {
		return fmt.Errorf("fetching report: %w", err)
	}
	if refusal := r.refusalFor(rec); refusal != "" {
		return fmt.Errorf("%s", refusal)
	}

	result := r.deliverRecord(ctx, candidate.TableName, rec, "")
	if !result.Success {
		return fmt.Errorf("%s", result.Message)
	}
	return nil
}

// refusalFor returns a non-empty reason when the record must not be retried.
func (r *Retrier) refusalFor(rec *report.Record) string {
	if rec.WebhookJobID == "" {
		return "no webhook job id recorded"
	}
	if rec.WebhookAttempts >= r.config.MaxAttempts {
		return fmt.Sprintf("max retry attempts reached (%d)", rec.WebhookAttempts)
	}
	return ""
}

// deliverRecord reconstructs the payload from the stored record, sends it,
// then records the outcome on the record and in the audit log. The original
// request body is not retained beyond the audit log, so the replayed payload
// is built from the report's current state.
func (r *Retrier) deliverRecord(ctx context.Context, table string, rec *report.Record, webhookType string) *RetryResult {
	attempt := rec.WebhookAttempts + 1
	reportType, err := report.TypeForTable(table)
	if err != nil {
		return &RetryResult{Refused: true, Message: err.Error(), ReportID: rec.ID, Table: table}
	}
	path, err := report.PathForType(reportType)
	if err != nil {
		return &RetryResult{Refused: true, Message: err.Error(), ReportID: rec.ID, Table: table}
	}
	if webhookType == "" {
		webhookType = r.storedWebhookType(rec)
	}

	payload := &service.CompletionPayload{
		JobID:            rec.WebhookJobID,
		ReportID:         rec.ID,
		ReportType:       reportType,
		ResearchReport:   rec.Content,
		ResearchMetadata: rec.Metadata,
	}
	if rec.Status == report.StatusCompleted || rec.Status == report.StatusFailed {
		payload.ResearchStatus = string(rec.Status)
	}

	delivery, deliveryErr := r.client.Deliver(ctx, path, payload)
	if delivery == nil {
		// The client bailed before sending, e.g. on a cancelled context.
		delivery = &outbound.DeliveryResult{DeliveredAt: time.Now().UTC()}
		if deliveryErr != nil {
			delivery.Error = deliveryErr.Error()
		}
	}

	webhookStatus := report.WebhookSuccess
	outcome := "ok"
	if !delivery.Success {
		webhookStatus = report.WebhookFailed
		outcome = "failed"
	}

	responseData := map[string]any{
		"job_id":       rec.WebhookJobID,
		"webhook_type": webhookType,
		"retried_at":   delivery.DeliveredAt.Format(time.RFC3339),
		"status_code":  delivery.StatusCode,
	}
	if err := r.store.UpdateWebhookStatus(ctx, table, rec.ID, webhookStatus, responseData, true); err != nil {
		if r.logger != nil {
			r.logger.Error("failed to record retry outcome",
				"reportID", rec.ID, "table", table, "error", err.Error())
		}
	}

	r.writeAudit(ctx, webhookType, table, rec, payload, delivery, attempt)
	r.observeRetry(outcome)

	if r.logger != nil {
		r.logger.Info("retry delivered",
			"reportID", rec.ID,
			"table", table,
			"attempt", attempt,
			"success", delivery.Success,
			"statusCode", delivery.StatusCode,
		)
	}

	result := &RetryResult{
		Success:    delivery.Success,
		ReportID:   rec.ID,
		Table:      table,
		Attempt:    attempt,
		StatusCode: delivery.StatusCode,
	}
	if !delivery.Success {
		result.Message = delivery.Error
		if result.Message == "" {
			result.Message = fmt.Sprintf("delivery returned status %d", delivery.StatusCode)
		}
	}
	return result
}

// storedWebhookType recovers the variant stamped into the record's metadata
// by the original delivery, defaulting to the final variant.
func (r *Retrier) storedWebhookType(rec *report.Record) string {
	if rec.Metadata != nil {
		if v, ok := rec.Metadata["webhook_type"].(string); ok && v != "" {
			return v
		}
	}
	return string(service.KindFinal)
}

func (r *Retrier) writeAudit(ctx context.Context, webhookType, table string, rec *report.Record, payload *service.CompletionPayload, delivery *outbound.DeliveryResult, attempt int) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	audit := &repository.AuditRecord{
		ID:             uuid.New().String(),
		WebhookType:    webhookType,
		JobID:          rec.WebhookJobID,
		ReportID:       rec.ID,
		ReportTable:    table,
		RequestPayload: raw,
		ResponseStatus: delivery.StatusCode,
		ResponseBody:   delivery.ResponseBody,
		ErrorMessage:   delivery.Error,
		AttemptNumber:  attempt,
	}
	if err := r.audits.RecordAttempt(ctx, audit); err != nil {
		if r.logger != nil {
			r.logger.Error("failed to write audit record",
				"reportID", rec.ID, "error", err.Error())
		}
	}
}

func (r *Retrier) observeRetry(outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveRetry(outcome)
	}
}

func (r *Retrier) observeSweep(sweep *SweepResult) {
	if r.metrics != nil {
		r.metrics.ObserveSweep(sweep.Processed, sweep.Successes, sweep.Failures)
	}
}
