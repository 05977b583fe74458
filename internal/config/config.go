// Package config loads the service configuration from environment
// variables. A single Config is built at process start and passed by
// parameter into every constructor; there is no package-level state.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	// HTTPAddr is the listen address for the webhook server.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// WebhookSecret is the shared HMAC secret for inbound and outbound
	// signatures. Required.
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	Server    ServerConfig    `envPrefix:"SERVER_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Delivery  DeliveryConfig  `envPrefix:"DELIVERY_"`
	Retry     RetryConfig     `envPrefix:"RETRY_"`
	Scheduler SchedulerConfig `envPrefix:"SCHEDULER_"`
	Log       LogConfig       `envPrefix:"LOG_"`
}

// ServerConfig tunes the HTTP server lifecycle.
type ServerConfig struct {
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`

	// ShutdownGrace bounds connection draining on SIGINT/SIGTERM.
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
}

// DatabaseConfig selects and configures the report store backend.
type DatabaseConfig struct {
	// Backend is one of postgres, mongodb, memory.
	Backend string `env:"BACKEND" envDefault:"postgres"`

	// URL is the Postgres DSN.
	URL string `env:"URL" envDefault:"postgres://localhost:5432/reporthooks?sslmode=disable"`

	// MongoURI and MongoDatabase configure the MongoDB backend.
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"reporthooks"`
}

// RedisConfig configures the per-report lock and the task queue. Redis is
// optional; when Addr is empty both fall back to in-process alternatives.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// DeliveryConfig configures the outbound delivery client.
type DeliveryConfig struct {
	// BaseURL is the downstream job-runner webhook base URL.
	BaseURL string `env:"BASE_URL"`

	// Timeout bounds one outbound POST.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`

	// MaxConcurrent caps in-flight outbound deliveries.
	MaxConcurrent int `env:"MAX_CONCURRENT" envDefault:"50"`
}

// RetryConfig holds the retry policy.
type RetryConfig struct {
	// MaxAttempts is the hard ceiling on webhook_attempts.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"3"`

	// Cooldown is the minimum age of the last attempt before a sweep
	// picks a record up again.
	Cooldown time.Duration `env:"COOLDOWN" envDefault:"5m"`

	// ItemDelay is the pause between sweep items.
	ItemDelay time.Duration `env:"ITEM_DELAY" envDefault:"100ms"`

	// SweepInterval drives the in-process sweep runner.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

// SchedulerConfig configures the queue-backed sweep scheduler. It requires
// Redis; when disabled the in-process sweep runner is used instead.
type SchedulerConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"false"`

	// SweepCronSpec is the cron expression for the periodic sweep task.
	SweepCronSpec string `env:"SWEEP_CRON" envDefault:"*/5 * * * *"`

	// Concurrency is the worker count of the task server.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `env:"LEVEL" envDefault:"info"`
	Format    string `env:"FORMAT" envDefault:"json"`
	Output    string `env:"OUTPUT" envDefault:"stdout"`
	AddSource bool   `env:"ADD_SOURCE" envDefault:"false"`
}

// Load reads configuration from the environment, after loading a .env file
// when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *Config) Sanitize() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = 30 * time.Second
	}
	if c.Delivery.Timeout <= 0 {
		c.Delivery.Timeout = 10 * time.Second
	}
	if c.Delivery.MaxConcurrent <= 0 {
		c.Delivery.MaxConcurrent = 50
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Cooldown <= 0 {
		c.Retry.Cooldown = 5 * time.Minute
	}
	if c.Retry.ItemDelay < 0 {
		c.Retry.ItemDelay = 100 * time.Millisecond
	}
	if c.Retry.SweepInterval <= 0 {
		c.Retry.SweepInterval = 5 * time.Minute
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 2
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}
	if c.Scheduler.Enabled && !c.Redis.Enabled() {
		return errors.New("SCHEDULER_ENABLED requires REDIS_ADDR")
	}
	return nil
}
