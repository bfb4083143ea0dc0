package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/callback"
	"server/internal/credits"
	"server/internal/enhance"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/metrics"
	"server/internal/outbox"
	"server/internal/storage"
	"server/internal/stream"
)

const providerRequestTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	sqlClient := infra.NewSQLRunner(dbpool, logger)

	geoResolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable, callback origins will be unresolved")
	}

	pipe := metrics.NewPipeline()
	caster := stream.NewBroadcaster(logger)
	ledger := credits.NewLedger(logger)

	provider := outbox.NewProviderClient(cfg.ProviderEndpoint, cfg.CallbackSecret, providerRequestTimeout)
	dispatcher := outbox.NewDispatcher(sqlClient, provider, ledger, caster, pipe, logger, outbox.Options{
		MaxAttempts:    cfg.DispatchMaxAttempts,
		InitialBackoff: cfg.DispatchInitialBackoff,
		MaxBackoff:     cfg.DispatchMaxBackoff,
	})

	orchestrator := enhance.NewOrchestrator(sqlClient, ledger, caster, dispatcher, pipe, logger, enhance.Options{
		Provider:       cfg.ProviderName,
		Model:          cfg.ProviderModel,
		CallbackURL:    cfg.CallbackURL,
		CallbackSecret: cfg.CallbackSecret,
		MaxMegapixels:  cfg.MaxMegapixels,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	ingestor := callback.NewIngestor(sqlClient, ledger, caster, pipe, geoResolver, logger, cfg.CallbackSecret, cfg.CallbackMaxSkew)

	var uploader *storage.Uploader
	if cfg.StorageBucket != "" {
		uploader, err = storage.NewUploader(storage.Config{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.StorageUseSSL,
			URLTTL:    cfg.UploadURLTTL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure upload storage")
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("could not ensure upload bucket")
		}
	}

	app := &handlers.App{
		SQL:            sqlClient,
		Logger:         logger,
		Orchestrator:   orchestrator,
		Ingestor:       ingestor,
		Broadcaster:    caster,
		Uploads:        uploader,
		Metrics:        pipe,
		MaxMegapixels:  cfg.MaxMegapixels,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, cfg))

	// Drains dispatch kicks from fresh submissions so delivery starts
	// immediately instead of waiting for the worker's sweep.
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("dispatcher stopped")
		}
	}()

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
