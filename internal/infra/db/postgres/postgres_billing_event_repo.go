package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4/pgxpool"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/repository"
)

var _ repository.BillingEventRepository = (*billingEventRepo)(nil)

// billingEventRepo is append-only: there is no update or delete path.
type billingEventRepo struct{ pool *pgxpool.Pool }

func NewBillingEventRepo(pool *pgxpool.Pool) *billingEventRepo {
	return &billingEventRepo{pool: pool}
}

func (r *billingEventRepo) Insert(ctx context.Context, tx repository.Tx, ev *model.BillingEvent) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO billing_events (id, user_id, subscription_id, payment_id, payment_method_id, type, severity, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10);`
	_, err = execSQL(ctx, r.pool, tx, q, ev.ID, ev.UserID, ev.SubscriptionID, ev.PaymentID, ev.PaymentMethodID,
		string(ev.Type), string(ev.Severity), ev.Message, string(b), ev.CreatedAt)
	return err
}

func (r *billingEventRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.BillingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, user_id, subscription_id, payment_id, payment_method_id, type, severity, message, metadata::text, created_at
  FROM billing_events WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := queryRows(ctx, r.pool, tx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.BillingEvent
	for rows.Next() {
		ev := &model.BillingEvent{}
		var typ, sev, meta string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.SubscriptionID, &ev.PaymentID, &ev.PaymentMethodID, &typ, &sev,
			&ev.Message, &meta, &ev.CreatedAt); err != nil {
			return nil, scanErr(err)
		}
		ev.Type = model.BillingEventType(typ)
		ev.Severity = model.EventSeverity(sev)
		ev.Metadata = map[string]any{}
		_ = json.Unmarshal([]byte(meta), &ev.Metadata)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows", err)
	}
	return out, nil
}
