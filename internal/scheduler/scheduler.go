// Package scheduler runs the failed-delivery sweep and targeted retries on
// a Redis-backed task queue. It is the distributed alternative to the
// in-process sweep runner for multi-instance deployments, where the queue
// deduplicates the periodic sweep across instances.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/skillsight/reporthooks/internal/webhook/retry"
)

const (
	// TypeSweepFailed is the recurring sweep task.
	TypeSweepFailed = "webhooks:sweep_failed"

	// TypeRetryReport is a targeted single-report retry task.
	TypeRetryReport = "webhooks:retry_report"

	queueName = "webhooks"
)

// RetryTaskPayload identifies the report a targeted retry task addresses.
type RetryTaskPayload struct {
	ReportType  string `json:"report_type"`
	ReportID    string `json:"report_id"`
	WebhookType string `json:"webhook_type,omitempty"`
}

// Logger defines the logging interface for the scheduler.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Config holds the queue connection and scheduling settings.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SweepCronSpec is the cron expression for the periodic sweep.
	SweepCronSpec string

	// Concurrency is the worker count of the task server.
	Concurrency int

	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SweepCronSpec:   "*/5 * * * *",
		Concurrency:     2,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Scheduler wires the asynq client, server and cron scheduler around the
// Retrier.
type Scheduler struct {
	retrier   *retry.Retrier
	config    Config
	logger    Logger
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux

	mu      sync.Mutex
	running bool
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler over the given Retrier.
func New(retrier *retry.Retrier, cfg Config, opts ...Option) *Scheduler {
	if cfg.SweepCronSpec == "" {
		cfg.SweepCronSpec = "*/5 * * * *"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	s := &Scheduler{
		retrier: retrier,
		config:  cfg,
		client:  asynq.NewClient(redisOpt),
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:     cfg.Concurrency,
			Queues:          map[string]int{queueName: 1},
			ShutdownTimeout: cfg.ShutdownTimeout,
		}),
		scheduler: asynq.NewScheduler(redisOpt, nil),
		mux:       asynq.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc(TypeSweepFailed, s.handleSweep)
	s.mux.HandleFunc(TypeRetryReport, s.handleRetry)
	return s
}

// Start registers the recurring sweep and starts the queue server and cron
// scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	sweepTask := asynq.NewTask(TypeSweepFailed, nil)
	if _, err := s.scheduler.Register(s.config.SweepCronSpec, sweepTask,
		asynq.Queue(queueName), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("register sweep task: %w", err)
	}

	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	if err := s.server.Start(s.mux); err != nil {
		s.scheduler.Shutdown()
		return fmt.Errorf("start task server: %w", err)
	}

	s.running = true
	if s.logger != nil {
		s.logger.Info("scheduler started",
			"sweepCron", s.config.SweepCronSpec,
			"concurrency", s.config.Concurrency,
		)
	}
	return nil
}

// Stop shuts the scheduler down, waiting for in-flight tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	s.scheduler.Shutdown()
	s.server.Shutdown()
	s.client.Close()

	if s.logger != nil {
		s.logger.Info("scheduler stopped")
	}
}

// EnqueueRetry queues a targeted retry for background processing.
func (s *Scheduler) EnqueueRetry(ctx context.Context, reportType, reportID, webhookType string) error {
	payload, err := json.Marshal(RetryTaskPayload{
		ReportType:  reportType,
		ReportID:    reportID,
		WebhookType: webhookType,
	})
	if err != nil {
		return fmt.Errorf("encode retry payload: %w", err)
	}

	task := asynq.NewTask(TypeRetryReport, payload)
	if _, err := s.client.EnqueueContext(ctx, task,
		asynq.Queue(queueName), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue retry task: %w", err)
	}
	return nil
}

func (s *Scheduler) handleSweep(ctx context.Context, _ *asynq.Task) error {
	result, err := s.retrier.SweepFailed(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("scheduled sweep failed", "error", err.Error())
		}
		return err
	}
	if s.logger != nil {
		s.logger.Info("scheduled sweep completed",
			"processed", result.Processed,
			"successes", result.Successes,
			"failures", result.Failures,
		)
	}
	return nil
}

func (s *Scheduler) handleRetry(ctx context.Context, t *asynq.Task) error {
	var payload RetryTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal retry payload: %w", err)
	}

	result, err := s.retrier.Retry(ctx, payload.ReportType, payload.ReportID, payload.WebhookType)
	if err != nil {
		return fmt.Errorf("retry %s/%s: %w", payload.ReportType, payload.ReportID, err)
	}
	if s.logger != nil && result.Refused {
		s.logger.Warn("queued retry refused",
			"reportID", payload.ReportID,
			"reason", result.Message,
		)
	}
	return nil
}
