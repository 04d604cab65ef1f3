package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	ports "payman-billing/internal/domain/ports/usecase"
	red "payman-billing/internal/infra/redis"
)

// ContractReconciler settles contracts whose callback never arrived and
// expires active contracts past their end date.
type ContractReconciler struct {
	*Job
	uc        ports.ContractReconciler
	olderThan time.Duration
	batch     int
	now       func() time.Time
	log       *zerolog.Logger
}

func NewContractReconciler(uc ports.ContractReconciler, interval, olderThan time.Duration, batch int, locker red.Locker, logger *zerolog.Logger) *ContractReconciler {
	if olderThan <= 0 {
		olderThan = 30 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	l := logger.With().Str("component", "ContractReconciler").Logger()
	w := &ContractReconciler{uc: uc, olderThan: olderThan, batch: batch, now: time.Now, log: &l}
	w.Job = NewJob("contract_reconciler", interval, w.tick, locker, logger)
	return w
}

func (w *ContractReconciler) tick(ctx context.Context) (int, error) {
	settled, err := w.uc.ReconcilePending(ctx, w.now().Add(-w.olderThan), w.batch)
	if err != nil {
		w.log.Error().Err(err).Msg("reconcile pending contracts failed")
	}
	expired, expErr := w.uc.ExpireOverdue(ctx, w.batch)
	if expErr != nil {
		return settled + expired, expErr
	}
	if expired > 0 {
		w.log.Info().Int("count", expired).Msg("overdue contracts expired")
	}
	return settled + expired, err
}
