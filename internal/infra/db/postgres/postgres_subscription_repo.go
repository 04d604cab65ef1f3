package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/repository"
)

var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct{ pool *pgxpool.Pool }

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, user_id, product_id, payment_method_id, status, amount_irr, billing_period_days,
  next_billing_date, billing_cycle_count, last_billing_attempt, created_at, updated_at`

func scanSubscription(row scanner) (*model.Subscription, error) {
	s := &model.Subscription{}
	var status string
	if err := row.Scan(&s.ID, &s.UserID, &s.ProductID, &s.PaymentMethodID, &status, &s.AmountIRR, &s.BillingPeriodDays,
		&s.NextBillingDate, &s.BillingCycleCount, &s.LastBillingAttempt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}
	s.Status = model.SubscriptionStatus(status)
	return s, nil
}

func (r *subscriptionRepo) Insert(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`
	_, err := execSQL(ctx, r.pool, tx, q, s.ID, s.UserID, s.ProductID, s.PaymentMethodID, string(s.Status), s.AmountIRR,
		s.BillingPeriodDays, s.NextBillingDate, s.BillingCycleCount, s.LastBillingAttempt, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	q := forUpdate(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func (r *subscriptionRepo) UpdateBilling(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
UPDATE subscriptions
   SET status=$2, next_billing_date=$3, billing_cycle_count=$4, last_billing_attempt=$5, updated_at=$6
 WHERE id=$1`
	_, err := execSQL(ctx, r.pool, tx, q, s.ID, string(s.Status), s.NextBillingDate, s.BillingCycleCount, s.LastBillingAttempt, s.UpdatedAt)
	return err
}

func (r *subscriptionRepo) ListDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + subscriptionColumns + `
  FROM subscriptions s
 WHERE s.status IN ('pending','active')
   AND s.next_billing_date <= $1
   AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.subscription_id = s.id AND p.status = 'pending')
   AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.subscription_id = s.id AND p.status = 'failed'
                      AND p.created_at >= s.next_billing_date)
 ORDER BY s.next_billing_date ASC
 LIMIT $2`
	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows", err)
	}
	return out, nil
}
