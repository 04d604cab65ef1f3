package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `id, user_id, subscription_id, payment_method_id, amount_irr, status, zarinpal_authority, zarinpal_ref_id,
  retry_count, max_retries, next_retry_at, failure_reason, paid_at, created_at, updated_at`

func scanPayment(row scanner) (*model.Payment, error) {
	p := &model.Payment{}
	var status string
	if err := row.Scan(&p.ID, &p.UserID, &p.SubscriptionID, &p.PaymentMethodID, &p.AmountIRR, &status, &p.ZarinpalAuthority,
		&p.ZarinpalRefID, &p.RetryCount, &p.MaxRetries, &p.NextRetryAt, &p.FailureReason, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}
	p.Status = model.PaymentStatus(status)
	return p, nil
}

func (r *paymentRepo) Insert(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	const q = `INSERT INTO payments (` + paymentColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.UserID, p.SubscriptionID, p.PaymentMethodID, p.AmountIRR, string(p.Status),
		p.ZarinpalAuthority, p.ZarinpalRefID, p.RetryCount, p.MaxRetries, p.NextRetryAt, p.FailureReason, p.PaidAt, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *paymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payments WHERE id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindPendingBySubscription(ctx context.Context, tx repository.Tx, subscriptionID string) (*model.Payment, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payments WHERE subscription_id=$1 AND status='pending'`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, subscriptionID)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindLatestBySubscription(ctx context.Context, tx repository.Tx, subscriptionID string) (*model.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE subscription_id=$1 ORDER BY created_at DESC LIMIT 1`
	row, err := pickRow(ctx, r.pool, tx, q, subscriptionID)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) Update(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	const q = `
UPDATE payments
   SET status=$2, zarinpal_authority=$3, zarinpal_ref_id=$4, retry_count=$5, next_retry_at=$6,
       failure_reason=$7, paid_at=$8, updated_at=$9
 WHERE id=$1`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, string(p.Status), p.ZarinpalAuthority, p.ZarinpalRefID, p.RetryCount,
		p.NextRetryAt, p.FailureReason, p.PaidAt, p.UpdatedAt)
	return err
}

func (r *paymentRepo) ListDueRetries(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + paymentColumns + ` FROM payments
WHERE status='pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
ORDER BY next_retry_at ASC LIMIT $2`
	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows", err)
	}
	return out, nil
}
