package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ entry outcomes.
const (
	dlqRequeued    = "requeued"
	dlqRescheduled = "rescheduled"
	dlqQuarantined = "quarantined"
)

var (
	dlqEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "dlq",
		Name:      "entries_resolved_total",
		Help:      "DLQ entries resolved per pass, by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	dlqBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlement_service",
		Subsystem: "dlq",
		Name:      "backlog_entries",
		Help:      "Entries in outbox_dlq by state: ready, waiting or quarantined.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(dlqEntriesCounter, dlqBacklog)
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqEntriesCounter.WithLabelValues(entry.Topic, entry.EventType, outcome).Inc()
}

func refreshBacklog(ctx context.Context, pool *pgxpool.Pool) error {
	var ready, waiting, quarantined int
	err := pool.QueryRow(ctx, `SELECT
            COUNT(*) FILTER (WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())),
            COUNT(*) FILTER (WHERE quarantined_at IS NULL AND next_retry_at > NOW()),
            COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
        FROM outbox_dlq`).Scan(&ready, &waiting, &quarantined)
	if err != nil {
		return err
	}
	dlqBacklog.WithLabelValues("ready").Set(float64(ready))
	dlqBacklog.WithLabelValues("waiting").Set(float64(waiting))
	dlqBacklog.WithLabelValues("quarantined").Set(float64(quarantined))
	return nil
}
