package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		outboundAttemptsTotal,
		outboundCallDuration,
		circuitBreakerState,
		circuitBreakerTransitions,
	)
}

var (
	// result: ok | <error category>
	outboundAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_http_attempts_total",
			Help: "Individual outbound HTTP attempts by service and result.",
		},
		[]string{"service", "result"},
	)

	// outcome: success | failure | circuit_open
	outboundCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbound_http_call_duration_seconds",
			Help:    "Duration of logical outbound calls including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service", "outcome"},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current breaker state per service (0=closed, 1=half_open, 2=open).",
		},
		[]string{"service"},
	)

	circuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Breaker state changes per service and target state.",
		},
		[]string{"service", "to"},
	)
)

func IncOutboundAttempt(service, result string) {
	outboundAttemptsTotal.WithLabelValues(norm(service), norm(result)).Inc()
}

func ObserveOutboundCall(service, outcome string, d time.Duration) {
	outboundCallDuration.WithLabelValues(norm(service), norm(outcome)).Observe(d.Seconds())
}

func SetBreakerState(service, state string) {
	var v float64
	switch norm(state) {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(norm(service)).Set(v)
	circuitBreakerTransitions.WithLabelValues(norm(service), norm(state)).Inc()
}
