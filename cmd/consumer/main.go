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
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/bootstrap"
	"example.com/settlement/internal/config"
	"example.com/settlement/internal/consumer"
	"example.com/settlement/internal/observability"
	persistence "example.com/settlement/internal/persistence/postgres"
	"example.com/settlement/internal/settlement"
)

// workers is the number of readers sharing the consumer group in this process.
const workers = 4

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.SettlementMode != config.SettlementKafka {
		logger.Warn().Str("settlement_mode", cfg.SettlementMode).Msg("api settles in process; this consumer only sees requests written before the switch")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	// rechecks, retries and failed runs go back through the outbox so any worker can pick them up
	requester := persistence.NewSettlementRequester(pool, logger)
	coordinator, closeCoordinator, err := bootstrap.Coordinator(ctx, cfg, pool, logger,
		settlement.WithSinks(audit.NewLogSink(logger), audit.MetricsSink{}),
		settlement.WithTrigger(requester),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build settlement coordinator")
	}
	defer closeCoordinator()

	handler := consumer.NewSettlementHandler(coordinator, logger, consumer.WithRequeue(requester, cfg.Settlement.RecheckDelay))
	meta, _ := persistence.Metadata(persistence.EventSettlementRequested)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		group.Go(func() error {
			return runWorker(ctx, cfg, meta.Topic, handler, logger.With().Int("worker", worker).Logger())
		})
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	group.Go(func() error {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("consumer metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("consumer shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped with error")
	}
}

func runWorker(ctx context.Context, cfg config.Config, topic string, handler consumer.Handler, logger zerolog.Logger) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           topic,
		MinBytes:        1,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	logger.Info().Str("topic", topic).Str("group", cfg.ConsumerGroupID).Msg("consumer started")
	err := consumer.NewProcessor(reader, handler, consumer.WithLogger(logger)).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
