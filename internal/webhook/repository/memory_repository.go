package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skillsight/reporthooks/internal/report"
)

// MemoryStore is an in-memory implementation of Store. Useful for testing
// and development.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]map[string]*report.Record
	audits  []AuditRecord
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]map[string]*report.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock, for tests.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SeedReport inserts a report row, as the out-of-scope submission flow
// would.
func (s *MemoryStore) SeedReport(table string, rec *report.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reports[table] == nil {
		s.reports[table] = make(map[string]*report.Record)
	}
	recCopy := cloneRecord(rec)
	s.reports[table][rec.ID] = recCopy
}

// GetReport retrieves a report row by table and id.
func (s *MemoryStore) GetReport(ctx context.Context, table, id string) (*report.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.reports[table][id]
	if !ok {
		return nil, fmt.Errorf("table %s id %s: %w", table, id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// ApplyResult writes the content phase, guarded by the terminal-state
// condition.
func (s *MemoryStore) ApplyResult(ctx context.Context, table, id string, update report.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.reports[table][id]
	if !ok {
		return false, fmt.Errorf("table %s id %s: %w", table, id, ErrNotFound)
	}
	if rec.WebhookStatus == report.WebhookSuccess && rec.Status == report.StatusCompleted {
		return false, nil
	}

	rec.Content = update.Content
	rec.Status = update.Status
	rec.Metadata = update.Metadata
	rec.UpdatedAt = s.now()
	return true, nil
}

// UpdateWebhookStatus sets the delivery status and attempt bookkeeping.
func (s *MemoryStore) UpdateWebhookStatus(ctx context.Context, table, id string, status report.WebhookStatus, responseData map[string]any, incrementAttempts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.reports[table][id]
	if !ok {
		return fmt.Errorf("table %s id %s: %w", table, id, ErrNotFound)
	}

	rec.WebhookStatus = status
	if incrementAttempts {
		rec.WebhookAttempts++
	}
	now := s.now()
	rec.WebhookLastAttempt = &now
	if len(responseData) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(responseData))
		}
		rec.Metadata["webhook_response"] = responseData
	}
	rec.UpdatedAt = now
	return nil
}

// GetFailedWebhooks returns sweep candidates across every report table.
func (s *MemoryStore) GetFailedWebhooks(ctx context.Context, maxAttempts int, retryAfter time.Duration) ([]FailedWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-retryAfter)

	var failed []FailedWebhook
	for _, table := range report.KnownTables() {
		rows := s.reports[table]
		ids := make([]string, 0, len(rows))
		for id := range rows {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			rec := rows[id]
			if rec.WebhookStatus != report.WebhookFailed {
				continue
			}
			if rec.WebhookAttempts >= maxAttempts {
				continue
			}
			if rec.WebhookLastAttempt != nil && rec.WebhookLastAttempt.After(cutoff) {
				continue
			}
			failed = append(failed, FailedWebhook{TableName: table, RecordID: id})
		}
	}
	return failed, nil
}

// RecordAttempt appends one audit row.
func (s *MemoryStore) RecordAttempt(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	if recCopy.CreatedAt.IsZero() {
		recCopy.CreatedAt = s.now()
	}
	s.audits = append(s.audits, recCopy)
	return nil
}

// ListAttempts returns audit rows matching the filter, newest first.
func (s *MemoryStore) ListAttempts(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []AuditRecord
	for i := len(s.audits) - 1; i >= 0; i-- {
		rec := s.audits[i]
		if filter.ReportID != "" && rec.ReportID != filter.ReportID {
			continue
		}
		if filter.JobID != "" && rec.JobID != filter.JobID {
			continue
		}
		matched = append(matched, rec)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// AuditCount reports the number of audit rows written, for tests.
func (s *MemoryStore) AuditCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audits)
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func cloneRecord(rec *report.Record) *report.Record {
	recCopy := *rec
	if rec.Metadata != nil {
		recCopy.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			recCopy.Metadata[k] = v
		}
	}
	if rec.WebhookLastAttempt != nil {
		ts := *rec.WebhookLastAttempt
		recCopy.WebhookLastAttempt = &ts
	}
	return &recCopy
}
