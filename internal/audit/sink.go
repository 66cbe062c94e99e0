package audit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Sink observes entries after they are durably stored. Sinks are best effort and must not block.
type Sink interface {
	Observe(ctx context.Context, entry Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry Entry)

func (f SinkFunc) Observe(ctx context.Context, entry Entry) { f(ctx, entry) }

// Sinks fans an entry out to every member.
type Sinks []Sink

func (s Sinks) Observe(ctx context.Context, entry Entry) {
	for _, sink := range s {
		if sink != nil {
			sink.Observe(ctx, entry)
		}
	}
}

// LogSink writes each entry as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s LogSink) Observe(_ context.Context, entry Entry) {
	event := s.logger.Info()
	if entry.Kind != KindTransition {
		event = s.logger.Warn()
	}
	event.
		Int64("sequence", entry.Sequence).
		Str("activity_id", entry.ActivityID).
		Str("from_state", string(entry.FromState)).
		Str("to_state", string(entry.ToState)).
		Str("kind", string(entry.Kind)).
		Str("detail", entry.Detail).
		Msg("audit entry")
}

var entriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlement_service",
	Subsystem: "audit",
	Name:      "entries_total",
	Help:      "Audit entries committed, by kind and target state.",
}, []string{"kind", "to_state"})

func init() {
	prometheus.MustRegister(entriesCounter)
}

// MetricsSink counts entries in Prometheus.
type MetricsSink struct{}

func (MetricsSink) Observe(_ context.Context, entry Entry) {
	entriesCounter.WithLabelValues(string(entry.Kind), string(entry.ToState)).Inc()
}
