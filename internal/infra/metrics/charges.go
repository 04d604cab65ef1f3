package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		chargesTotal,
		chargedAmountTotal,
		billingEventsTotal,
	)
}

var (
	// status: completed | retry_scheduled | failed | refunded
	chargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "direct_debit_charges_total",
			Help: "Direct debit charge outcomes by status.",
		},
		[]string{"status"},
	)

	chargedAmountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "direct_debit_charged_rials_total",
			Help: "Total Rials collected through direct debit.",
		},
	)

	billingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_events_total",
			Help: "Billing audit events by type and severity.",
		},
		[]string{"type", "severity"},
	)
)

func IncCharge(status string) {
	chargesTotal.WithLabelValues(norm(status)).Inc()
}

func AddChargedAmount(rials int64) {
	chargedAmountTotal.Add(float64(rials))
}

func IncBillingEvent(eventType, severity string) {
	billingEventsTotal.WithLabelValues(norm(eventType), norm(severity)).Inc()
}
