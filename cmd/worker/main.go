package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"server/internal/credits"
	"server/internal/infra"
	"server/internal/metrics"
	"server/internal/outbox"
	"server/internal/stream"
)

const providerRequestTimeout = 30 * time.Second

// The worker is the durable half of outbox delivery: the API dispatches on a
// best-effort kick, the worker's periodic sweep picks up everything the API
// missed (crashes, retry backoffs, stuck claims).
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()
	sqlClient := infra.NewSQLRunner(pool, logger)

	pipe := metrics.NewPipeline()
	caster := stream.NewBroadcaster(logger)
	ledger := credits.NewLedger(logger)

	provider := outbox.NewProviderClient(cfg.ProviderEndpoint, cfg.CallbackSecret, providerRequestTimeout)
	dispatcher := outbox.NewDispatcher(sqlClient, provider, ledger, caster, pipe, logger, outbox.Options{
		MaxAttempts:    cfg.DispatchMaxAttempts,
		InitialBackoff: cfg.DispatchInitialBackoff,
		MaxBackoff:     cfg.DispatchMaxBackoff,
	})

	sched := cron.New()
	schedule := fmt.Sprintf("@every %s", cfg.DispatchSweepInterval)
	if _, err := sched.AddFunc(schedule, dispatcher.Kick); err != nil {
		logger.Fatal().Err(err).Str("schedule", schedule).Msg("worker: invalid sweep schedule")
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	logger.Info().
		Dur("sweep_interval", cfg.DispatchSweepInterval).
		Int("max_attempts", cfg.DispatchMaxAttempts).
		Msg("worker: started")

	// Prime one sweep on boot so a backlog does not wait for the first tick.
	dispatcher.Kick()

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
