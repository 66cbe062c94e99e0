package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	ingestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "coordinator",
		Name:      "ingested_total",
		Help:      "Ingestion attempts by result (accepted, decryption_failed, schema_invalid, error).",
	}, []string{"result"})

	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "coordinator",
		Name:      "transitions_total",
		Help:      "Committed activity state transitions.",
	}, []string{"from", "to", "kind"})

	settleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement_service",
		Subsystem: "coordinator",
		Name:      "settle_duration_seconds",
		Help:      "Time spent in one settle invocation, confirmation wait included.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	inProgressCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "coordinator",
		Name:      "claims_contended_total",
		Help:      "Settle invocations skipped because another worker held the activity claim.",
	})
)

func init() {
	prometheus.MustRegister(ingestCounter, transitionCounter, settleDuration, inProgressCounter)
}
