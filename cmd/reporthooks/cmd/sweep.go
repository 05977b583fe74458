package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skillsight/reporthooks/internal/config"
	"github.com/skillsight/reporthooks/internal/webhook/repository"
	"github.com/skillsight/reporthooks/internal/webhook/retry"
	outbound "github.com/skillsight/reporthooks/pkg/integration/webhook"
	"github.com/skillsight/reporthooks/pkg/logging"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one failed-delivery sweep and exit",
		Long: `Run a single sweep over failed webhook deliveries, replaying each
eligible record, and print the aggregate result as JSON. Useful from
cron or for operator-driven replays.`,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stderr",
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

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
		retry.WithLogger(logger.WithModule("sweep")),
	)

	result, err := retrier.SweepFailed(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
