package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillsight/reporthooks/internal/report"
	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/service"
	outbound "github.com/skillsight/reporthooks/pkg/integration/webhook"
)

type deliverCall struct {
	path    string
	payload *service.CompletionPayload
}

// fakeDeliverer records calls and fails delivery for report ids in failFor.
type fakeDeliverer struct {
	mu      sync.Mutex
	calls   []deliverCall
	failFor map[string]bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, path string, payload any) (*outbound.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	completion, _ := payload.(*service.CompletionPayload)
	f.calls = append(f.calls, deliverCall{path: path, payload: completion})

	if completion != nil && f.failFor[completion.ReportID] {
		result := &outbound.DeliveryResult{
			StatusCode:  http.StatusBadGateway,
			Error:       "unexpected status code: 502",
			DeliveredAt: time.Now(),
		}
		return result, errors.New("unexpected status code: 502")
	}
	return &outbound.DeliveryResult{
		StatusCode:  http.StatusOK,
		Success:     true,
		DeliveredAt: time.Now(),
	}, nil
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seedFailed(store *repository.MemoryStore, table, id string, attempts int) {
	store.SeedReport(table, &report.Record{
		ID:              id,
		Content:         "# Report body",
		Status:          report.StatusCompleted,
		Metadata:        map[string]any{"webhook_type": "final"},
		WebhookStatus:   report.WebhookFailed,
		WebhookJobID:    "job-" + id,
		WebhookAttempts: attempts,
	})
}

func newTestRetrier(store *repository.MemoryStore, client Deliverer) *Retrier {
	cfg := DefaultConfig()
	cfg.ItemDelay = 0
	return NewRetrier(store, store, client, WithConfig(cfg))
}

func TestRetrier_TargetedRetrySuccess(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "r-1", 1)
	client := &fakeDeliverer{}
	retrier := newTestRetrier(store, client)
	ctx := context.Background()

	result, err := retrier.Retry(ctx, "greeting", "r-1", "final")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.Refused)
	assert.Equal(t, 2, result.Attempt)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.WebhookSuccess, rec.WebhookStatus)
	assert.Equal(t, 2, rec.WebhookAttempts)
	assert.NotNil(t, rec.WebhookLastAttempt)

	attempts, err := store.ListAttempts(ctx, repository.AuditFilter{ReportID: "r-1"})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 2, attempts[0].AttemptNumber)
	assert.Equal(t, http.StatusOK, attempts[0].ResponseStatus)
}

func TestRetrier_PayloadReconstruction(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "r-1", 0)
	client := &fakeDeliverer{}
	retrier := newTestRetrier(store, client)

	_, err := retrier.Retry(context.Background(), "greeting", "r-1", "final")
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	call := client.calls[0]
	assert.Equal(t, "/greeting", call.path)
	require.NotNil(t, call.payload)
	assert.Equal(t, "job-r-1", call.payload.JobID)
	assert.Equal(t, "r-1", call.payload.ReportID)
	assert.Equal(t, "greeting", call.payload.ReportType)
	assert.Equal(t, "# Report body", call.payload.ResearchReport)
	assert.Equal(t, "completed", call.payload.ResearchStatus)
}

func TestRetrier_TargetedRetryFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "r-1", 1)
	client := &fakeDeliverer{failFor: map[string]bool{"r-1": true}}
	retrier := newTestRetrier(store, client)
	ctx := context.Background()

	result, err := retrier.Retry(ctx, "greeting", "r-1", "final")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, result.Refused)
	assert.Contains(t, result.Message, "502")

	// The failed attempt still counts.
	rec, err := store.GetReport(ctx, report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.WebhookFailed, rec.WebhookStatus)
	assert.Equal(t, 2, rec.WebhookAttempts)
}

func TestRetrier_Refusals(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "maxed", 3)
	store.SeedReport(report.TableGreeting, &report.Record{
		ID:            "no-job",
		Status:        report.StatusFailed,
		WebhookStatus: report.WebhookFailed,
	})
	client := &fakeDeliverer{}
	retrier := newTestRetrier(store, client)
	ctx := context.Background()

	tests := []struct {
		name       string
		reportType string
		reportID   string
		wantMsg    string
	}{
		{name: "attempt ceiling", reportType: "greeting", reportID: "maxed", wantMsg: "max retry attempts"},
		{name: "missing job id", reportType: "greeting", reportID: "no-job", wantMsg: "job id"},
		{name: "unknown report type", reportType: "bogus", reportID: "maxed", wantMsg: "bogus"},
		{name: "report not found", reportType: "greeting", reportID: "missing", wantMsg: "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := retrier.Retry(ctx, tt.reportType, tt.reportID, "")
			require.NoError(t, err)
			assert.True(t, result.Refused)
			assert.False(t, result.Success)
			assert.Contains(t, result.Message, tt.wantMsg)
		})
	}

	// Refusals never reach the client.
	assert.Zero(t, client.callCount())
}

func TestRetrier_SweepFailed(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "a", 1)
	seedFailed(store, report.TableOrganization, "b", 2)
	seedFailed(store, report.TableRequirement, "broken", 0)
	// Not candidates: already delivered, or over the ceiling.
	store.SeedReport(report.TableGreeting, &report.Record{
		ID:            "done",
		Status:        report.StatusCompleted,
		WebhookStatus: report.WebhookSuccess,
		WebhookJobID:  "job-done",
	})
	seedFailed(store, report.TableFinal, "maxed", 3)

	client := &fakeDeliverer{failFor: map[string]bool{"broken": true}}
	retrier := newTestRetrier(store, client)

	sweep, err := retrier.SweepFailed(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sweep.Processed)
	assert.Equal(t, 2, sweep.Successes)
	assert.Equal(t, 1, sweep.Failures)
	require.Len(t, sweep.Errors, 1)
	assert.Contains(t, sweep.Errors[0], "broken")
	assert.Equal(t, 3, client.callCount())
}

func TestRetrier_SweepEmpty(t *testing.T) {
	store := repository.NewMemoryStore()
	retrier := newTestRetrier(store, &fakeDeliverer{})

	sweep, err := retrier.SweepFailed(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sweep.Processed)
	assert.Zero(t, sweep.Successes)
	assert.Zero(t, sweep.Failures)
	assert.NotNil(t, sweep.Errors)
	assert.Empty(t, sweep.Errors)
}

func TestRetrier_SweepRespectsCooldown(t *testing.T) {
	store := repository.NewMemoryStore()
	recent := time.Now().UTC()
	store.SeedReport(report.TableGreeting, &report.Record{
		ID:                 "cooling",
		Status:             report.StatusFailed,
		WebhookStatus:      report.WebhookFailed,
		WebhookJobID:       "job-cooling",
		WebhookAttempts:    1,
		WebhookLastAttempt: &recent,
	})
	client := &fakeDeliverer{}
	retrier := newTestRetrier(store, client)

	sweep, err := retrier.SweepFailed(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sweep.Processed)
	assert.Zero(t, client.callCount())
}

func TestRetrier_SweepPacesItems(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "r-1", 1)
	seedFailed(store, report.TableOrganization, "r-2", 1)
	seedFailed(store, report.TableRequirement, "r-3", 1)

	client := &fakeDeliverer{}
	cfg := DefaultConfig()
	cfg.ItemDelay = 25 * time.Millisecond
	retrier := NewRetrier(store, store, client, WithConfig(cfg))

	start := time.Now()
	sweep, err := retrier.SweepFailed(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, 3, sweep.Processed)
	assert.Equal(t, 3, sweep.Successes)
	assert.Equal(t, 3, client.callCount())
	// Two inter-item pauses separate three sequential deliveries.
	assert.GreaterOrEqual(t, elapsed, 2*cfg.ItemDelay)
}

func TestRetrier_SweepDelayStopsOnCancel(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "r-1", 1)
	seedFailed(store, report.TableOrganization, "r-2", 1)

	client := &fakeDeliverer{}
	cfg := DefaultConfig()
	cfg.ItemDelay = time.Hour
	retrier := NewRetrier(store, store, client, WithConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sweep, err := retrier.SweepFailed(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, sweep)

	// Only the first item ran; the second was still behind its delay.
	assert.Equal(t, 1, sweep.Processed)
	assert.Equal(t, 1, client.callCount())
}

// nilResultDeliverer mimics a client that bails before sending.
type nilResultDeliverer struct{}

func (nilResultDeliverer) Deliver(ctx context.Context, path string, payload any) (*outbound.DeliveryResult, error) {
	return nil, context.Canceled
}

func TestRetrier_NilDeliveryResultStampsAttemptTime(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFailed(store, report.TableGreeting, "r-1", 1)

	retrier := newTestRetrier(store, nilResultDeliverer{})
	result, err := retrier.Retry(context.Background(), "greeting", "r-1", "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Refused)

	rec, err := store.GetReport(context.Background(), report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.WebhookAttempts)

	resp, ok := rec.Metadata["webhook_response"].(map[string]any)
	require.True(t, ok)
	stamp, ok := resp["retried_at"].(string)
	require.True(t, ok)
	retriedAt, err := time.Parse(time.RFC3339, stamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), retriedAt, time.Minute)
}
