package repository

import (
	"context"
	"time"

	"payman-billing/internal/domain/model"
)

type PaymentMethodRepository interface {
	Insert(ctx context.Context, tx Tx, pm *model.PaymentMethod) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.PaymentMethod, error)
	FindByAuthority(ctx context.Context, tx Tx, authority string) (*model.PaymentMethod, error)
	ListByUser(ctx context.Context, tx Tx, userID string) ([]*model.PaymentMethod, error)
	ListByUserAndStatus(ctx context.Context, tx Tx, userID string, status model.ContractStatus) ([]*model.PaymentMethod, error)
	// ListByStatusCreatedBefore returns rows in status created before the cutoff, oldest first.
	ListByStatusCreatedBefore(ctx context.Context, tx Tx, status model.ContractStatus, before time.Time, limit int) ([]*model.PaymentMethod, error)
	// ListExpired returns non-terminal rows whose contract expiry is not after now.
	ListExpired(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.PaymentMethod, error)

	// UpdateStatusIf writes the lifecycle fields of pm (status, type, signature,
	// verified-at, active/primary flags) only while the stored status equals
	// from. It reports whether the row was changed.
	UpdateStatusIf(ctx context.Context, tx Tx, pm *model.PaymentMethod, from model.ContractStatus) (bool, error)
	SetPrimary(ctx context.Context, tx Tx, id string, primary bool) error
	TouchLastUsed(ctx context.Context, tx Tx, id string, at time.Time) error
}
