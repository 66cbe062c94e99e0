package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	submitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "ledger",
		Name:      "submissions_total",
		Help:      "Ledger submissions by result (submitted, replayed, reverted, exhausted).",
	}, []string{"result"})

	retryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement_service",
		Subsystem: "ledger",
		Name:      "transient_retries_total",
		Help:      "Number of contract calls retried after a transient error.",
	})
)

func init() {
	prometheus.MustRegister(submitCounter, retryCounter)
}
