package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	ports "payman-billing/internal/domain/ports/usecase"
	red "payman-billing/internal/infra/redis"
)

// NewBillingCycleWorker charges subscriptions whose billing date has passed.
func NewBillingCycleWorker(uc ports.BillingRunner, interval time.Duration, batch int, locker red.Locker, logger *zerolog.Logger) *Job {
	return NewJob("billing_cycle", interval, batched(batch, uc.ChargeDue), locker, logger)
}

func batched(limit int, fn func(ctx context.Context, limit int) (int, error)) RunFunc {
	if limit <= 0 {
		limit = 100
	}
	return func(ctx context.Context) (int, error) { return fn(ctx, limit) }
}
