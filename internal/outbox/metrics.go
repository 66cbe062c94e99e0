package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded on the events counter.
const (
	outcomeDelivered    = "delivered"
	outcomeDeadLettered = "dead_lettered"
)

var (
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Outbox events leaving the table, by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	publishLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement_service",
		Subsystem: "outbox",
		Name:      "publish_lag_seconds",
		Help:      "Delay between an event being written and being delivered.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"topic"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement_service",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, delivering and settling one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(eventsCounter, publishLag, batchDuration)
}

func recordDelivered(msg Message, at time.Time) {
	eventsCounter.WithLabelValues(msg.Topic, msg.EventType, outcomeDelivered).Inc()
	if !msg.CreatedAt.IsZero() {
		publishLag.WithLabelValues(msg.Topic).Observe(at.Sub(msg.CreatedAt).Seconds())
	}
}

func recordDeadLettered(msg Message) {
	eventsCounter.WithLabelValues(msg.Topic, msg.EventType, outcomeDeadLettered).Inc()
}
