package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(backgroundJobRunsTotal, backgroundJobItemsTotal) }

var (
	backgroundJobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "background_job_runs_total",
			Help: "Scheduler ticks per job, labeled by status.",
		},
		[]string{"job", "status"}, // 'ok', 'error'
	)

	backgroundJobItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "background_job_items_total",
			Help: "Items handled by background jobs, labeled by job and result.",
		},
		[]string{"job", "result"},
	)
)

func IncJobRun(job, status string) {
	backgroundJobRunsTotal.WithLabelValues(norm(job), norm(status)).Inc()
}

func IncJobItem(job, result string) {
	backgroundJobItemsTotal.WithLabelValues(norm(job), norm(result)).Inc()
}
