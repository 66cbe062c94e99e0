package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/settlement/internal/config"
	"example.com/settlement/internal/observability"
	"example.com/settlement/internal/outbox"
)

const dlqBatchSize = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("dlq manager metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger)
	logger.Info().
		Dur("interval", cfg.DLQPollInterval).
		Int("max_retries", cfg.DLQMaxRetries).
		Msg("dlq manager started")

	ticker := time.NewTicker(cfg.DLQPollInterval)
	defer ticker.Stop()
	for {
		drain(ctx, manager, logger)
		select {
		case <-ctx.Done():
			logger.Info().Msg("dlq manager shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// drain runs passes until one comes back short of a full batch.
func drain(ctx context.Context, manager *outbox.DLQManager, logger zerolog.Logger) {
	total := 0
	for ctx.Err() == nil {
		resolved, err := manager.RunOnce(ctx, dlqBatchSize)
		total += resolved
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("dlq pass failed")
			}
			break
		}
		if resolved < dlqBatchSize {
			break
		}
	}
	if total > 0 {
		logger.Info().Int("resolved", total).Msg("dlq entries resolved")
	}
}
