package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		contractTransitionsTotal,
		contractFinalizeDuration,
		webhookEventsTotal,
	)
}

var (
	// Direct debit contract status changes, e.g. pending_signature -> active.
	contractTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payman_contract_transitions_total",
			Help: "Direct debit contract status transitions.",
		},
		[]string{"from", "to"},
	)

	// result: active | noop | verification_failed | expired | error
	contractFinalizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payman_contract_finalize_duration_seconds",
			Help:    "Duration of contract finalization (callback or webhook) in seconds.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"result"},
	)

	// source: callback | webhook ; result: processed | rejected | error
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payman_webhook_events_total",
			Help: "Inbound ZarinPal callbacks and webhooks by source and result.",
		},
		[]string{"source", "result"},
	)
)

func IncContractTransition(from, to string) {
	contractTransitionsTotal.WithLabelValues(norm(from), norm(to)).Inc()
}

func ObserveFinalize(result string, d time.Duration) {
	contractFinalizeDuration.WithLabelValues(norm(result)).Observe(d.Seconds())
}

func IncWebhookEvent(source, result string) {
	webhookEventsTotal.WithLabelValues(norm(source), norm(result)).Inc()
}
