package repository

import (
	"context"
	"time"

	"payman-billing/internal/domain/model"
)

type SubscriptionRepository interface {
	Insert(ctx context.Context, tx Tx, s *model.Subscription) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	// UpdateBilling persists status and the billing cycle fields.
	UpdateBilling(ctx context.Context, tx Tx, s *model.Subscription) error
	// ListDue returns chargeable subscriptions whose next billing date has passed,
	// that have no pending payment and whose current cycle has not already failed.
	ListDue(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.Subscription, error)
}
