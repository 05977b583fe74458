package retry

import (
	"context"
	"sync"
	"time"
)

// SweepRunner periodically runs the failed-delivery sweep. It is the
// in-process alternative to the scheduler-driven sweep for deployments
// without a task queue.
type SweepRunner struct {
	retrier  *Retrier
	interval time.Duration
	logger   Logger
	ticker   *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	mu       sync.RWMutex
}

// RunnerOption configures the SweepRunner.
type RunnerOption func(*SweepRunner)

// WithRunnerLogger sets the logger for the runner.
func WithRunnerLogger(logger Logger) RunnerOption {
	return func(s *SweepRunner) {
		s.logger = logger
	}
}

// NewSweepRunner creates a runner that sweeps on the given interval.
func NewSweepRunner(retrier *Retrier, interval time.Duration, opts ...RunnerOption) *SweepRunner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &SweepRunner{
		retrier:  retrier,
		interval: interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins periodic sweeping. The first sweep runs immediately.
func (s *SweepRunner) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.interval)
	s.running = true

	s.wg.Add(1)
	go s.run()

	if s.logger != nil {
		s.logger.Info("sweep runner started", "interval", s.interval)
	}
}

// Stop gracefully shuts down the runner.
func (s *SweepRunner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}

	s.wg.Wait()

	if s.logger != nil {
		s.logger.Info("sweep runner stopped")
	}
}

// IsRunning returns whether the runner is currently active.
func (s *SweepRunner) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// TriggerNow forces an immediate sweep outside the normal schedule.
func (s *SweepRunner) TriggerNow() {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	if !running {
		return
	}
	go s.sweep()
}

func (s *SweepRunner) run() {
	defer s.wg.Done()

	// Process immediately on startup
	s.sweep()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C:
			s.sweep()
		}
	}
}

func (s *SweepRunner) sweep() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.retrier.SweepFailed(ctx); err != nil {
		if s.logger != nil {
			s.logger.Error("sweep failed", "error", err.Error())
		}
	}
}
