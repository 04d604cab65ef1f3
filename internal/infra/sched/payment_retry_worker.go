package sched

import (
	"time"

	"github.com/rs/zerolog"

	ports "payman-billing/internal/domain/ports/usecase"
	red "payman-billing/internal/infra/redis"
)

// NewPaymentRetryWorker re-attempts pending payments whose retry is due.
func NewPaymentRetryWorker(uc ports.BillingRunner, interval time.Duration, batch int, locker red.Locker, logger *zerolog.Logger) *Job {
	return NewJob("payment_retry", interval, batched(batch, uc.RetryDue), locker, logger)
}
