package metrics

import (
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(dbPoolConns, dbPoolAcquireTotal) }

var (
	dbPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_connections",
			Help: "Postgres pool connections by state.",
		},
		[]string{"state"}, // 'total', 'idle', 'acquired', 'max'
	)

	dbPoolAcquireTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_acquire_count",
			Help: "Cumulative successful acquires reported by the pool.",
		},
	)
)

// ObservePool copies a pool snapshot into the gauges.
func ObservePool(s *pgxpool.Stat) {
	if s == nil {
		return
	}
	dbPoolConns.WithLabelValues("total").Set(float64(s.TotalConns()))
	dbPoolConns.WithLabelValues("idle").Set(float64(s.IdleConns()))
	dbPoolConns.WithLabelValues("acquired").Set(float64(s.AcquiredConns()))
	dbPoolConns.WithLabelValues("max").Set(float64(s.MaxConns()))
	dbPoolAcquireTotal.Set(float64(s.AcquireCount()))
}
