package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityIngestedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement_service",
		Subsystem: "pipeline",
		Name:      "last_activity_ingested_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity persisted as received.",
	})
	activitySettledGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlement_service",
		Subsystem: "pipeline",
		Name:      "last_activity_settled_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity reaching a terminal state, by state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(activityIngestedGauge, activitySettledGauge)
}

// RecordActivityIngested updates the ingestion watermark gauge.
func RecordActivityIngested(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityIngestedGauge.Set(float64(ts.Unix()))
}

// RecordActivitySettled updates the terminal-state watermark for state.
func RecordActivitySettled(state string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	activitySettledGauge.WithLabelValues(state).Set(float64(ts.Unix()))
}
