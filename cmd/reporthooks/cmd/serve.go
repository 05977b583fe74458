package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/skillsight/reporthooks/internal/api"
	"github.com/skillsight/reporthooks/internal/api/handlers"
	"github.com/skillsight/reporthooks/internal/api/handlers/webhooks"
	"github.com/skillsight/reporthooks/internal/config"
	"github.com/skillsight/reporthooks/internal/lock"
	"github.com/skillsight/reporthooks/internal/scheduler"
	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/retry"
	"github.com/skillsight/reporthooks/internal/webhook/service"
	outbound "github.com/skillsight/reporthooks/pkg/integration/webhook"
	"github.com/skillsight/reporthooks/pkg/logging"
	"github.com/skillsight/reporthooks/pkg/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long: `Start the HTTP server that receives completion callbacks, plus the
background sweep for failed deliveries.`,
		Example: `  reporthooks serve
  HTTP_ADDR=:9090 reporthooks serve`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	logger.SetDefault()

	ctx := context.Background()
	store, err := repository.Open(ctx, repository.ParseBackend(cfg.Database.Backend), repository.Options{
		PostgresDSN:   cfg.Database.URL,
		MongoURI:      cfg.Database.MongoURI,
		MongoDatabase: cfg.Database.MongoDatabase,
	})
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("closing store", "error", err.Error())
		}
	}()

	var locker lock.Locker
	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, "")
		logger.Info("using redis report lock", "addr", cfg.Redis.Addr)
	} else {
		locker = lock.NewMemoryLocker()
	}

	registry := metrics.NewRegistry(metrics.DefaultConfig())

	processor := service.NewProcessor(store, store, cfg.WebhookSecret,
		service.WithLocker(locker),
		service.WithLogger(logger.WithModule("processor")),
		service.WithMetrics(registry),
	)

	client := outbound.NewClient(outbound.Config{
		BaseURL:       cfg.Delivery.BaseURL,
		Secret:        cfg.WebhookSecret,
		Timeout:       cfg.Delivery.Timeout,
		MaxConcurrent: cfg.Delivery.MaxConcurrent,
	})
	retrier := retry.NewRetrier(store, store, client,
		retry.WithConfig(retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Cooldown:    cfg.Retry.Cooldown,
			ItemDelay:   cfg.Retry.ItemDelay,
		}),
		retry.WithLogger(logger.WithModule("retry")),
		retry.WithMetrics(registry),
	)

	router := api.NewRouter(api.RouterConfig{
		WebhookHandler:    webhooks.NewHandler(processor, retrier, store),
		HealthHandler:     handlers.NewHealthHandler(store),
		Metrics:           registry,
		LoggingMiddleware: logging.NewHTTPMiddleware(logger.Logger).Handler,
	})
	server := api.NewServer(router, api.ServerConfig{
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	// Failed deliveries are swept either by the queue-backed scheduler
	// (multi-instance, needs Redis) or by the in-process runner.
	var stopSweep func()
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(retrier, scheduler.Config{
			RedisAddr:     cfg.Redis.Addr,
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
			SweepCronSpec: cfg.Scheduler.SweepCronSpec,
			Concurrency:   cfg.Scheduler.Concurrency,
		}, scheduler.WithLogger(logger.WithModule("scheduler")))
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		stopSweep = sched.Stop
	} else {
		runner := retry.NewSweepRunner(retrier, cfg.Retry.SweepInterval,
			retry.WithRunnerLogger(logger.WithModule("sweep")))
		runner.Start(ctx)
		stopSweep = runner.Stop
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		<-quit
		logger.Info("shutting down")

		stopSweep()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("forced shutdown", "error", err.Error())
		}
		close(done)
	}()

	logger.Info("server listening",
		"addr", cfg.HTTPAddr,
		"backend", cfg.Database.Backend,
		"schedulerEnabled", cfg.Scheduler.Enabled,
	)
	if err := server.Start(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	<-done
	logger.Info("server stopped")
	return nil
}
