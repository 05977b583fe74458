// Package repository provides data access for report records and the
// webhook audit trail. The persistence service is modeled as two ports: a
// ReportStore over the per-type report tables and an append-only
// AuditStore. Postgres is the primary backend, MongoDB the alternate, and
// an in-memory implementation backs unit tests.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/skillsight/reporthooks/internal/report"
)

// ErrNotFound is returned when no report row matches the requested id.
var ErrNotFound = errors.New("report not found")

// FailedWebhook identifies one sweep candidate: a report row whose last
// delivery failed and whose cooldown has elapsed.
type FailedWebhook struct {
	TableName string `json:"table_name"`
	RecordID  string `json:"record_id"`
}

// AuditRecord captures one webhook delivery attempt. Rows are append-only
// and never consulted for control decisions.
type AuditRecord struct {
	ID             string          `json:"id" bson:"_id"`
	WebhookType    string          `json:"webhook_type" bson:"webhook_type"`
	JobID          string          `json:"job_id" bson:"job_id"`
	ReportID       string          `json:"report_id" bson:"report_id"`
	ReportTable    string          `json:"report_table,omitempty" bson:"report_table,omitempty"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty" bson:"request_payload,omitempty"`
	ResponseStatus int             `json:"response_status" bson:"response_status"`
	ResponseBody   string          `json:"response_body,omitempty" bson:"response_body,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty" bson:"error_message,omitempty"`
	AttemptNumber  int             `json:"attempt_number" bson:"attempt_number"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at"`
}

// AuditFilter narrows audit listings for the operator read endpoint.
type AuditFilter struct {
	ReportID string
	JobID    string
	Limit    int
	Offset   int
}

// ReportStore is the persistence port for report rows.
type ReportStore interface {
	// GetReport retrieves a report row by table and id.
	GetReport(ctx context.Context, table, id string) (*report.Record, error)

	// ApplyResult writes content, status and the merged metadata in one
	// statement, conditioned on the row not already being in the
	// success+completed terminal state. It returns false when the
	// condition rejected the write, which callers treat as an
	// already-processed duplicate.
	ApplyResult(ctx context.Context, table, id string, update report.Update) (bool, error)

	// UpdateWebhookStatus sets the delivery status, optionally bumps the
	// attempt counter, stamps the last-attempt time and stores the
	// response data. This mirrors the update_webhook_status procedure of
	// the hosted persistence service and is a separate round trip from
	// ApplyResult.
	UpdateWebhookStatus(ctx context.Context, table, id string, status report.WebhookStatus, responseData map[string]any, incrementAttempts bool) error

	// GetFailedWebhooks returns sweep candidates across all report
	// tables, honoring the attempt ceiling and the cooldown since the
	// last attempt. Mirrors the get_failed_webhooks procedure.
	GetFailedWebhooks(ctx context.Context, maxAttempts int, retryAfter time.Duration) ([]FailedWebhook, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// AuditStore is the persistence port for the forensic delivery log.
type AuditStore interface {
	// RecordAttempt appends one audit row.
	RecordAttempt(ctx context.Context, rec *AuditRecord) error

	// ListAttempts returns audit rows matching the filter, newest first.
	ListAttempts(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

// Store combines both ports; every backend implements it.
type Store interface {
	ReportStore
	AuditStore

	// Close releases the backend's resources.
	Close(ctx context.Context) error
}
