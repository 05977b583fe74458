// Package report defines the report record model shared by the webhook
// protocol: statuses, the logical-type to physical-table mapping, and the
// metadata merge rule applied on every completion delivery.
package report

import (
	"fmt"
	"strings"
	"time"
)

// Status is the business outcome of a report.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// WebhookStatus is the delivery outcome of the most recent webhook attempt.
// It is tracked independently of Status: a delivery can succeed while the
// business result it carries is "failed".
type WebhookStatus string

const (
	WebhookPending WebhookStatus = "pending"
	WebhookSuccess WebhookStatus = "success"
	WebhookFailed  WebhookStatus = "failed"
)

// Physical report tables.
const (
	TableGreeting      = "greeting_reports"
	TableOrganization  = "organization_reports"
	TableRequirement   = "requirement_reports"
	TableFinal         = "final_reports"
	TableQuestionnaire = "dynamic_questionnaires"
)

// Record is one row in a report table. It is created by the job-submission
// flow with StatusPending and zero attempts, and mutated only by the webhook
// subsystem afterward.
type Record struct {
	ID                 string         `json:"id" bson:"_id"`
	Content            string         `json:"research_report" bson:"research_report"`
	Status             Status         `json:"status" bson:"status"`
	Metadata           map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	WebhookStatus      WebhookStatus  `json:"webhook_status" bson:"webhook_status"`
	WebhookJobID       string         `json:"webhook_job_id,omitempty" bson:"webhook_job_id,omitempty"`
	WebhookAttempts    int            `json:"webhook_attempts" bson:"webhook_attempts"`
	WebhookLastAttempt *time.Time     `json:"webhook_last_attempt,omitempty" bson:"webhook_last_attempt,omitempty"`
	CreatedAt          time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" bson:"updated_at"`
}

// Processed reports whether the record has reached the terminal
// delivered-and-completed state guarded by the idempotency check.
func (r *Record) Processed() bool {
	return r.WebhookStatus == WebhookSuccess && r.Status == StatusCompleted
}

// Update holds the fields the state updater writes in the content phase.
// Metadata is the fully merged map, not a delta.
type Update struct {
	Content  string
	Status   Status
	Metadata map[string]any
}

// TableForType maps a logical report type to its physical table. The match
// is case-insensitive; unknown types are a hard error, never defaulted.
func TableForType(reportType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(reportType)) {
	case "greeting":
		return TableGreeting, nil
	case "org", "organization":
		return TableOrganization, nil
	case "requirement", "requirements":
		return TableRequirement, nil
	case "final":
		return TableFinal, nil
	case "dynamic":
		return TableQuestionnaire, nil
	default:
		return "", fmt.Errorf("unknown report type %q", reportType)
	}
}

// TypeForTable is the inverse of TableForType, used when a sweep candidate
// carries only its table name.
func TypeForTable(table string) (string, error) {
	switch table {
	case TableGreeting:
		return "greeting", nil
	case TableOrganization:
		return "organization", nil
	case TableRequirement:
		return "requirement", nil
	case TableFinal:
		return "final", nil
	case TableQuestionnaire:
		return "dynamic", nil
	default:
		return "", fmt.Errorf("unknown report table %q", table)
	}
}

// KnownTables lists every physical report table, in sweep order.
func KnownTables() []string {
	return []string{
		TableGreeting,
		TableOrganization,
		TableRequirement,
		TableFinal,
		TableQuestionnaire,
	}
}

// PathForType resolves the downstream job-runner path segment for a report
// type when re-delivering a stored payload.
func PathForType(reportType string) (string, error) {
	table, err := TableForType(reportType)
	if err != nil {
		return "", err
	}
	switch table {
	case TableGreeting:
		return "/greeting", nil
	case TableOrganization:
		return "/organization", nil
	case TableRequirement:
		return "/requirement", nil
	case TableFinal:
		return "/final", nil
	default:
		return "/dynamic", nil
	}
}

// MergeMetadata applies the protocol's merge rule: existing map, then the
// incoming final_data, then the bookkeeping fields, last writer wins per
// key. Nested maps are replaced wholesale, never deep-merged. The inputs
// are not mutated.
func MergeMetadata(existing, finalData, bookkeeping map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(finalData)+len(bookkeeping))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range finalData {
		merged[k] = v
	}
	for k, v := range bookkeeping {
		merged[k] = v
	}
	return merged
}
