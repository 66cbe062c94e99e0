package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"example.com/settlement/db/postgres/migrations"
	"example.com/settlement/internal/api"
	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/auth"
	"example.com/settlement/internal/bootstrap"
	"example.com/settlement/internal/config"
	"example.com/settlement/internal/consumer"
	"example.com/settlement/internal/observability"
	"example.com/settlement/internal/outbox"
	persistence "example.com/settlement/internal/persistence/postgres"
	"example.com/settlement/internal/realtime"
	"example.com/settlement/internal/settlement"
	httptransport "example.com/settlement/internal/transport/http"
)

const streamPath = "/v1/activities/stream"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	feed := realtime.NewRegistry(logger)
	defer feed.Close()

	sinks := []audit.Sink{audit.NewLogSink(logger), audit.MetricsSink{}}
	if !cfg.AuditFeedEnabled {
		sinks = append(sinks, feed)
	}
	opts := []settlement.Option{settlement.WithSinks(sinks...)}
	if cfg.SettlementMode == config.SettlementKafka {
		opts = append(opts, settlement.WithTrigger(persistence.NewSettlementRequester(pool, logger)))
	}

	coordinator, closeCoordinator, err := bootstrap.Coordinator(ctx, cfg, pool, logger, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build settlement coordinator")
	}
	defer closeCoordinator()

	producer, closeProducer, err := newProducer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create outbox producer")
	}
	defer closeProducer()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(logger))
	go dispatcher.Start(ctx)

	feedDone := make(chan struct{})
	if cfg.AuditFeedEnabled {
		go runAuditFeed(ctx, cfg, feed, logger, feedDone)
	} else {
		close(feedDone)
	}

	resumed, err := coordinator.Resume(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("resume in-flight settlements")
	} else if resumed > 0 {
		logger.Info().Int("count", resumed).Msg("resumed in-flight settlements")
	}

	handler := api.NewHandler(coordinator, feed, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, streamPath)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, httptransport.AccessLog(logger, authMiddleware.Wrap(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().
			Str("address", cfg.HTTPAddress).
			Str("settlement_mode", cfg.SettlementMode).
			Str("ledger_mode", cfg.Ledger.Mode).
			Msg("settlement-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	feed.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	cancel()
	dispatcher.Wait()
	<-feedDone
}

// newProducer selects the outbox transport.
func newProducer(cfg config.Config, logger zerolog.Logger) (outbox.Producer, func(), error) {
	if cfg.OutboxTransport == config.TransportNATS {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("settlement-outbox"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("publishing outbox events to nats")
		return outbox.NewNATSProducer(conn, cfg.NATSSubjectPrefix), conn.Close, nil
	}
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	return producer, func() { _ = producer.Close() }, nil
}

// runAuditFeed replays the audit topic into the live feed so every instance streams every activity.
func runAuditFeed(ctx context.Context, cfg config.Config, sink audit.Sink, logger zerolog.Logger, done chan<- struct{}) {
	defer close(done)

	host, _ := os.Hostname()
	meta, _ := persistence.Metadata(persistence.EventActivityAudited)
	topic := meta.Topic
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        cfg.ConsumerGroupID + "-feed-" + host,
		Topic:          topic,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	proc := consumer.NewProcessor(reader, consumer.NewAuditFeedHandler(sink), consumer.WithLogger(logger))
	logger.Info().Str("topic", topic).Msg("audit feed started")
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("audit feed stopped")
	}
}
