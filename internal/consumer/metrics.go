package consumer

import "github.com/prometheus/client_golang/prometheus"

const (
	resultHandled      = "handled"
	resultHandlerError = "handler_error"
	resultDecodeError  = "decode_error"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Consumed messages by topic, event type and result.",
	}, []string{"topic", "event_type", "result"})

	handlerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "consumer",
		Name:      "handler_retries_total",
		Help:      "Handler attempts repeated after an error.",
	}, []string{"topic", "event_type"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement_service",
		Subsystem: "consumer",
		Name:      "handle_duration_seconds",
		Help:      "Time spent handling one message, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"topic"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlement_service",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Record timestamp of the latest handled message per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, handlerRetries, handleDuration, lastMessageGauge)
}

func recordResult(topic, eventType, result string) {
	messagesCounter.WithLabelValues(topic, eventType, result).Inc()
}

func recordHandled(msg Message) {
	recordResult(msg.Topic, msg.EventType, resultHandled)
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}
