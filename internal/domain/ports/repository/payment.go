package repository

import (
	"context"
	"time"

	"payman-billing/internal/domain/model"
)

type PaymentRepository interface {
	Insert(ctx context.Context, tx Tx, p *model.Payment) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Payment, error)
	// FindPendingBySubscription returns the open charge of a subscription, or domain.ErrNotFound.
	FindPendingBySubscription(ctx context.Context, tx Tx, subscriptionID string) (*model.Payment, error)
	// FindLatestBySubscription returns the most recently created payment of a
	// subscription in any status, or domain.ErrNotFound.
	FindLatestBySubscription(ctx context.Context, tx Tx, subscriptionID string) (*model.Payment, error)
	// Update writes status, authority, ref id, retry bookkeeping and paid-at.
	Update(ctx context.Context, tx Tx, p *model.Payment) error
	// ListDueRetries returns pending payments whose next retry or attempt lease
	// has run out.
	ListDueRetries(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.Payment, error)
}

// BillingEventRepository is append-only.
type BillingEventRepository interface {
	Insert(ctx context.Context, tx Tx, ev *model.BillingEvent) error
	ListByUser(ctx context.Context, tx Tx, userID string, limit int) ([]*model.BillingEvent, error)
}

type WebhookEventRepository interface {
	Insert(ctx context.Context, tx Tx, ev *model.WebhookEvent) error
	// MarkProcessed sets the processing fields once; it reports false when the
	// event was already processed.
	MarkProcessed(ctx context.Context, tx Tx, id string, processingErr string, at time.Time) (bool, error)
}
