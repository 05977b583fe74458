package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillsight/reporthooks/internal/report"
	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/retry"
	outbound "github.com/skillsight/reporthooks/pkg/integration/webhook"
)

type okDeliverer struct{ calls int }

func (d *okDeliverer) Deliver(ctx context.Context, path string, payload any) (*outbound.DeliveryResult, error) {
	d.calls++
	return &outbound.DeliveryResult{StatusCode: 200, Success: true}, nil
}

func newTestScheduler(store *repository.MemoryStore, client retry.Deliverer) *Scheduler {
	cfg := retry.DefaultConfig()
	cfg.ItemDelay = 0
	retrier := retry.NewRetrier(store, store, client, retry.WithConfig(cfg))
	return New(retrier, DefaultConfig())
}

func TestScheduler_HandleSweep(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedReport(report.TableGreeting, &report.Record{
		ID:              "r-1",
		Status:          report.StatusFailed,
		WebhookStatus:   report.WebhookFailed,
		WebhookJobID:    "j-1",
		WebhookAttempts: 1,
	})
	client := &okDeliverer{}
	s := newTestScheduler(store, client)

	err := s.handleSweep(context.Background(), asynq.NewTask(TypeSweepFailed, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)

	rec, err := store.GetReport(context.Background(), report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.WebhookSuccess, rec.WebhookStatus)
}

func TestScheduler_HandleRetry(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedReport(report.TableGreeting, &report.Record{
		ID:              "r-1",
		Status:          report.StatusFailed,
		WebhookStatus:   report.WebhookFailed,
		WebhookJobID:    "j-1",
		WebhookAttempts: 1,
	})
	s := newTestScheduler(store, &okDeliverer{})

	payload, err := json.Marshal(RetryTaskPayload{ReportType: "greeting", ReportID: "r-1"})
	require.NoError(t, err)

	err = s.handleRetry(context.Background(), asynq.NewTask(TypeRetryReport, payload))
	require.NoError(t, err)

	rec, err := store.GetReport(context.Background(), report.TableGreeting, "r-1")
	require.NoError(t, err)
	assert.Equal(t, report.WebhookSuccess, rec.WebhookStatus)
	assert.Equal(t, 2, rec.WebhookAttempts)
}

func TestScheduler_HandleRetryBadPayload(t *testing.T) {
	s := newTestScheduler(repository.NewMemoryStore(), &okDeliverer{})

	err := s.handleRetry(context.Background(), asynq.NewTask(TypeRetryReport, []byte("{")))
	assert.Error(t, err)
}
