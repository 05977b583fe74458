package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillsight/reporthooks/internal/lock"
	"github.com/skillsight/reporthooks/internal/report"
	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/security"
)

const testSecret = "test-webhook-secret"

func newTestProcessor(t *testing.T) (*Processor, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	proc := NewProcessor(store, store, testSecret, WithLocker(lock.NewMemoryLocker()))
	return proc, store
}

func signedBody(t *testing.T, payload map[string]any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw, security.SignHeader(testSecret, raw)
}

func completionPayload() map[string]any {
	return map[string]any{
		"job_id":          "j-1",
		"report_id":       "r-1",
		"report_type":     "greeting",
		"research_report": "# Greeting Report",
		"research_status": "completed",
	}
}

func seedPendingGreeting(store *repository.MemoryStore) {
	store.SeedReport(report.TableGreeting, &report.Record{
		ID:            "r-1",
		Status:        report.StatusPending,
		WebhookStatus: report.WebhookPending,
		Metadata:      map[string]any{"y": 2},
	})
}

func TestProcessor_SuccessfulDelivery(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)

	body, sig := signedBody(t, completionPayload())
	outcome := proc.HandleCompletion(context.Background(), KindFinal, body, sig)

	assert.Equal(t, http.StatusOK, outcome.Code)
	assert.Equal(t, "report updated", outcome.Body["message"])

	rec, err := store.GetReport(context.Background(), report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusCompleted, rec.Status)
	assert.Equal(t, report.WebhookSuccess, rec.WebhookStatus)
	assert.Equal(t, 1, rec.WebhookAttempts)
	assert.Equal(t, "# Greeting Report", rec.Content)

	attempts, err := store.ListAttempts(context.Background(), repository.AuditFilter{ReportID: "r-1"})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, http.StatusOK, attempts[0].ResponseStatus)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, report.TableGreeting, attempts[0].ReportTable)
}

func TestProcessor_Idempotence(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)
	ctx := context.Background()

	body, sig := signedBody(t, completionPayload())
	first := proc.HandleCompletion(ctx, KindFinal, body, sig)
	require.Equal(t, http.StatusOK, first.Code)

	afterFirst, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)

	second := proc.HandleCompletion(ctx, KindFinal, body, sig)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "already processed", second.Body["message"])

	afterSecond, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Content, afterSecond.Content)
	assert.Equal(t, afterFirst.WebhookAttempts, afterSecond.WebhookAttempts)
	assert.Equal(t, afterFirst.UpdatedAt, afterSecond.UpdatedAt)

	// Both calls audited; the short-circuit row carries the record's
	// counter plus one.
	attempts, err := store.ListAttempts(ctx, repository.AuditFilter{ReportID: "r-1"})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[0].AttemptNumber)
}

func TestProcessor_SignatureRejection(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)
	ctx := context.Background()

	body, _ := signedBody(t, completionPayload())

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong secret", header: security.SignHeader("other-secret", body)},
		{name: "malformed header", header: "sha256=zzzz"},
		{name: "tampered body", header: security.SignHeader(testSecret, []byte("other"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := store.AuditCount()
			outcome := proc.HandleCompletion(ctx, KindFinal, body, tt.header)
			assert.Equal(t, http.StatusUnauthorized, outcome.Code)

			// No mutation, but an audit row is still written.
			rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
			require.NoError(t, err)
			assert.Equal(t, report.StatusPending, rec.Status)
			assert.Zero(t, rec.WebhookAttempts)
			assert.Equal(t, before+1, store.AuditCount())
		})
	}
}

func TestProcessor_BadJSON(t *testing.T) {
	proc, store := newTestProcessor(t)
	body := []byte(`{not json`)
	sig := security.SignHeader(testSecret, body)

	outcome := proc.HandleCompletion(context.Background(), KindFinal, body, sig)

	assert.Equal(t, http.StatusBadRequest, outcome.Code)
	assert.Equal(t, "invalid JSON body", outcome.Body["error"])
	assert.Equal(t, 1, store.AuditCount())
}

func TestProcessor_MissingFields(t *testing.T) {
	proc, _ := newTestProcessor(t)
	body, sig := signedBody(t, map[string]any{"report_type": "greeting"})

	outcome := proc.HandleCompletion(context.Background(), KindFinal, body, sig)

	assert.Equal(t, http.StatusBadRequest, outcome.Code)
	assert.Contains(t, outcome.Body["error"], "invalid payload")
}

func TestProcessor_UnknownReportType(t *testing.T) {
	proc, store := newTestProcessor(t)
	payload := completionPayload()
	payload["report_type"] = "bogus"
	body, sig := signedBody(t, payload)

	outcome := proc.HandleCompletion(context.Background(), KindFinal, body, sig)

	assert.Equal(t, http.StatusBadRequest, outcome.Code)

	// The audit row has no report table: no lookup was attempted.
	attempts, err := store.ListAttempts(context.Background(), repository.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Empty(t, attempts[0].ReportTable)
}

func TestProcessor_ReportNotFound(t *testing.T) {
	proc, store := newTestProcessor(t)
	body, sig := signedBody(t, completionPayload())

	outcome := proc.HandleCompletion(context.Background(), KindFinal, body, sig)

	assert.Equal(t, http.StatusNotFound, outcome.Code)

	attempts, err := store.ListAttempts(context.Background(), repository.AuditFilter{ReportID: "r-1"})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, http.StatusNotFound, attempts[0].ResponseStatus)
}

func TestProcessor_MetadataMerge(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store) // existing metadata {y: 2}
	ctx := context.Background()

	payload := completionPayload()
	payload["final_data"] = map[string]any{"x": 1}
	body, sig := signedBody(t, payload)

	outcome := proc.HandleCompletion(ctx, KindFinal, body, sig)
	require.Equal(t, http.StatusOK, outcome.Code)

	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), rec.Metadata["x"])
	assert.Equal(t, 2, rec.Metadata["y"])
	assert.Equal(t, true, rec.Metadata["webhook_updated"])
	assert.NotEmpty(t, rec.Metadata["webhook_timestamp"])
	assert.Equal(t, "j-1", rec.Metadata["job_id"])
}

func TestProcessor_FinalVariantStampsCompletionMetadata(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)
	ctx := context.Background()

	body, sig := signedBody(t, completionPayload())
	require.Equal(t, http.StatusOK, proc.HandleCompletion(ctx, KindFinal, body, sig).Code)

	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "final", rec.Metadata["processing_stage"])
	assert.NotEmpty(t, rec.Metadata["final_completion"])
}

func TestProcessor_PreliminaryVariantDoesNotStampFinalMetadata(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)
	ctx := context.Background()

	body, sig := signedBody(t, completionPayload())
	require.Equal(t, http.StatusOK, proc.HandleCompletion(ctx, KindReport, body, sig).Code)

	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.NotContains(t, rec.Metadata, "processing_stage")
	assert.NotContains(t, rec.Metadata, "final_completion")
}

func TestProcessor_PayloadErrorForcesFailedDelivery(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)
	ctx := context.Background()

	payload := completionPayload()
	payload["error"] = "model timed out"
	payload["research_status"] = "failed"
	body, sig := signedBody(t, payload)

	outcome := proc.HandleCompletion(ctx, KindFinal, body, sig)
	assert.Equal(t, http.StatusOK, outcome.Code)

	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.WebhookFailed, rec.WebhookStatus)
	assert.Equal(t, report.StatusFailed, rec.Status)
	assert.Equal(t, "model timed out", rec.Metadata["error"])
	assert.Equal(t, 1, rec.WebhookAttempts)
}

func TestProcessor_BusinessFailureStillCountsAsDelivered(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)
	ctx := context.Background()

	// research_status "failed" with no error field: the delivery itself
	// succeeded, only the business result is a failure.
	payload := completionPayload()
	payload["research_status"] = "failed"
	body, sig := signedBody(t, payload)

	outcome := proc.HandleCompletion(ctx, KindFinal, body, sig)
	assert.Equal(t, http.StatusOK, outcome.Code)

	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, rec.Status)
	assert.Equal(t, report.WebhookSuccess, rec.WebhookStatus)
}

func TestProcessor_DefaultsStatusToCompleted(t *testing.T) {
	proc, store := newTestProcessor(t)
	seedPendingGreeting(store)
	ctx := context.Background()

	payload := completionPayload()
	delete(payload, "research_status")
	delete(payload, "research_report")
	body, sig := signedBody(t, payload)

	require.Equal(t, http.StatusOK, proc.HandleCompletion(ctx, KindFinal, body, sig).Code)

	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusCompleted, rec.Status)
	assert.Empty(t, rec.Content)
}

func TestProcessor_DynamicKindDefaultsTable(t *testing.T) {
	proc, store := newTestProcessor(t)
	store.SeedReport(report.TableQuestionnaire, &report.Record{
		ID:            "q-1",
		Status:        report.StatusPending,
		WebhookStatus: report.WebhookPending,
	})
	ctx := context.Background()

	body, sig := signedBody(t, map[string]any{
		"job_id":          "j-9",
		"report_id":       "q-1",
		"research_report": `{"questions": []}`,
	})

	outcome := proc.HandleCompletion(ctx, KindDynamic, body, sig)
	assert.Equal(t, http.StatusOK, outcome.Code)

	rec, err := store.GetReport(ctx, report.TableQuestionnaire, "q-1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusCompleted, rec.Status)
}

func TestProcessor_AuditFailureDoesNotFailRequest(t *testing.T) {
	store := repository.NewMemoryStore()
	proc := NewProcessor(store, failingAudits{}, testSecret)
	seedPendingGreeting(store)

	body, sig := signedBody(t, completionPayload())
	outcome := proc.HandleCompletion(context.Background(), KindFinal, body, sig)

	assert.Equal(t, http.StatusOK, outcome.Code)
}

func TestProcessor_FixedClock(t *testing.T) {
	store := repository.NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	proc := NewProcessor(store, store, testSecret, WithNow(func() time.Time { return fixed }))
	seedPendingGreeting(store)

	body, sig := signedBody(t, completionPayload())
	require.Equal(t, http.StatusOK, proc.HandleCompletion(context.Background(), KindFinal, body, sig).Code)

	rec, err := store.GetReport(context.Background(), report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, fixed.Format(time.RFC3339), rec.Metadata["webhook_timestamp"])
}

type failingAudits struct{}

func (failingAudits) RecordAttempt(ctx context.Context, rec *repository.AuditRecord) error {
	return assert.AnError
}

func (failingAudits) ListAttempts(ctx context.Context, filter repository.AuditFilter) ([]repository.AuditRecord, error) {
	return nil, assert.AnError
}

// stallingStore blocks the first UpdateWebhookStatus call until resumed,
// holding a delivery between its two persistence writes.
type stallingStore struct {
	*repository.MemoryStore
	entered chan struct{}
	resume  chan struct{}
	once    sync.Once
}

func (s *stallingStore) UpdateWebhookStatus(ctx context.Context, table, id string, status report.WebhookStatus, responseData map[string]any, incrementAttempts bool) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.resume
	})
	return s.MemoryStore.UpdateWebhookStatus(ctx, table, id, status, responseData, incrementAttempts)
}

func TestProcessor_ConcurrentDuplicateWaitsForLock(t *testing.T) {
	memory := repository.NewMemoryStore()
	store := &stallingStore{
		MemoryStore: memory,
		entered:     make(chan struct{}),
		resume:      make(chan struct{}),
	}
	seedPendingGreeting(memory)

	proc := NewProcessor(store, memory, testSecret, WithLocker(lock.NewMemoryLocker()))
	proc.lockRetry = 5 * time.Millisecond

	body, sig := signedBody(t, completionPayload())

	first := make(chan Outcome, 1)
	go func() { first <- proc.HandleCompletion(context.Background(), KindReport, body, sig) }()
	<-store.entered

	second := make(chan Outcome, 1)
	go func() { second <- proc.HandleCompletion(context.Background(), KindReport, body, sig) }()

	// The duplicate must wait on the lock while the first delivery is
	// between its content write and its status write.
	select {
	case <-second:
		t.Fatal("duplicate delivery finished while the first held the lock")
	case <-time.After(100 * time.Millisecond):
	}

	close(store.resume)

	firstOutcome := <-first
	secondOutcome := <-second
	assert.Equal(t, http.StatusOK, firstOutcome.Code)
	assert.Equal(t, "report updated", firstOutcome.Body["message"])
	assert.Equal(t, http.StatusOK, secondOutcome.Code)
	assert.Equal(t, "already processed", secondOutcome.Body["message"])

	rec, err := memory.GetReport(context.Background(), report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.WebhookAttempts)
	assert.Equal(t, report.WebhookSuccess, rec.WebhookStatus)
}

type failingLocker struct{}

func (failingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return nil, errors.New("lock backend unavailable")
}

func TestProcessor_LockBackendFailureDegrades(t *testing.T) {
	store := repository.NewMemoryStore()
	seedPendingGreeting(store)
	proc := NewProcessor(store, store, testSecret, WithLocker(failingLocker{}))

	body, sig := signedBody(t, completionPayload())
	outcome := proc.HandleCompletion(context.Background(), KindReport, body, sig)

	assert.Equal(t, http.StatusOK, outcome.Code)
	assert.Equal(t, "report updated", outcome.Body["message"])
}
