package adapter

import (
	"context"

	"payman-billing/internal/domain/model"
)

// AlertNotifier delivers critical billing events to operators.
type AlertNotifier interface {
	NotifyBillingEvent(ctx context.Context, ev *model.BillingEvent) error
}
