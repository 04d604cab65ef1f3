package usecase

import (
	"context"
	"time"
)

// ContractReconciler is what the contract reconciler worker needs from the contract use case.
type ContractReconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Time, limit int) (int, error)
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// BillingRunner is what the billing workers need from the billing use case.
type BillingRunner interface {
	RetryDue(ctx context.Context, limit int) (int, error)
	ChargeDue(ctx context.Context, limit int) (int, error)
}
