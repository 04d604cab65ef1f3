package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"payman-billing/internal/domain"
	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/repository"
)

var _ repository.PaymentMethodRepository = (*paymentMethodRepo)(nil)

// Sealer encrypts contract signatures bound to their row id.
type Sealer interface {
	Seal(rowID, plaintext string) (string, error)
	Open(rowID, sealed string) (string, error)
}

type paymentMethodRepo struct {
	pool   *pgxpool.Pool
	sealer Sealer
}

// NewPaymentMethodRepo stores signatures through sealer; a nil sealer stores them as-is.
func NewPaymentMethodRepo(pool *pgxpool.Pool, sealer Sealer) *paymentMethodRepo {
	return &paymentMethodRepo{pool: pool, sealer: sealer}
}

const paymentMethodColumns = `id, user_id, contract_type, contract_status, payman_authority, contract_signature,
  contract_mobile, contract_national_id, contract_duration_days, max_daily_amount, max_daily_count, max_monthly_count,
  is_primary, is_active, contract_expires_at, contract_verified_at, last_used_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *paymentMethodRepo) scan(row scanner) (*model.PaymentMethod, error) {
	pm := &model.PaymentMethod{}
	var ctype, status, sealed string
	if err := row.Scan(&pm.ID, &pm.UserID, &ctype, &status, &pm.PaymanAuthority, &sealed,
		&pm.ContractMobile, &pm.ContractNationalID, &pm.ContractDurationDays, &pm.MaxDailyAmount, &pm.MaxDailyCount, &pm.MaxMonthlyCount,
		&pm.IsPrimary, &pm.IsActive, &pm.ContractExpiresAt, &pm.ContractVerifiedAt, &pm.LastUsedAt, &pm.CreatedAt, &pm.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}
	pm.ContractType = model.ContractType(ctype)
	pm.ContractStatus = model.ContractStatus(status)
	sig, err := r.open(pm.ID, sealed)
	if err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	pm.ContractSignature = sig
	return pm, nil
}

func (r *paymentMethodRepo) seal(id, sig string) (string, error) {
	if r.sealer == nil {
		return sig, nil
	}
	return r.sealer.Seal(id, sig)
}

func (r *paymentMethodRepo) open(id, sealed string) (string, error) {
	if r.sealer == nil {
		return sealed, nil
	}
	return r.sealer.Open(id, sealed)
}

func (r *paymentMethodRepo) Insert(ctx context.Context, tx repository.Tx, pm *model.PaymentMethod) error {
	sealed, err := r.seal(pm.ID, pm.ContractSignature)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO payment_methods (` + paymentMethodColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19);`
	_, err = execSQL(ctx, r.pool, tx, q,
		pm.ID, pm.UserID, string(pm.ContractType), string(pm.ContractStatus), pm.PaymanAuthority, sealed,
		pm.ContractMobile, pm.ContractNationalID, pm.ContractDurationDays, pm.MaxDailyAmount, pm.MaxDailyCount, pm.MaxMonthlyCount,
		pm.IsPrimary, pm.IsActive, pm.ContractExpiresAt, pm.ContractVerifiedAt, pm.LastUsedAt, pm.CreatedAt, pm.UpdatedAt)
	return err
}

func (r *paymentMethodRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentMethod, error) {
	q := forUpdate(`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return r.scan(row)
}

func (r *paymentMethodRepo) FindByAuthority(ctx context.Context, tx repository.Tx, authority string) (*model.PaymentMethod, error) {
	q := forUpdate(`SELECT `+paymentMethodColumns+` FROM payment_methods WHERE payman_authority=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, authority)
	if err != nil {
		return nil, err
	}
	return r.scan(row)
}

func (r *paymentMethodRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.PaymentMethod, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PaymentMethod
	for rows.Next() {
		pm, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("rows", err)
	}
	return out, nil
}

func (r *paymentMethodRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.PaymentMethod, error) {
	return r.list(ctx, tx, `SELECT `+paymentMethodColumns+` FROM payment_methods WHERE user_id=$1 ORDER BY is_primary DESC, created_at DESC`, userID)
}

func (r *paymentMethodRepo) ListByUserAndStatus(ctx context.Context, tx repository.Tx, userID string, status model.ContractStatus) ([]*model.PaymentMethod, error) {
	q := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE user_id=$1 AND contract_status=$2
ORDER BY contract_verified_at DESC NULLS LAST, created_at DESC`
	return r.list(ctx, tx, forUpdate(q, tx), userID, string(status))
}

func (r *paymentMethodRepo) ListByStatusCreatedBefore(ctx context.Context, tx repository.Tx, status model.ContractStatus, before time.Time, limit int) ([]*model.PaymentMethod, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE contract_status=$1 AND created_at < $2
ORDER BY created_at ASC LIMIT $3`
	return r.list(ctx, tx, q, string(status), before, limit)
}

func (r *paymentMethodRepo) ListExpired(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.PaymentMethod, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + paymentMethodColumns + ` FROM payment_methods
WHERE contract_status IN ('pending_signature','active') AND contract_expires_at <= $1
ORDER BY contract_expires_at ASC LIMIT $2`
	return r.list(ctx, tx, q, now, limit)
}

// UpdateStatusIf is the compare-and-set used by every lifecycle transition.
func (r *paymentMethodRepo) UpdateStatusIf(ctx context.Context, tx repository.Tx, pm *model.PaymentMethod, from model.ContractStatus) (bool, error) {
	sealed, err := r.seal(pm.ID, pm.ContractSignature)
	if err != nil {
		return false, err
	}
	const q = `
UPDATE payment_methods
   SET contract_status = $3,
       contract_type = $4,
       contract_signature = $5,
       contract_verified_at = $6,
       is_active = $7,
       is_primary = $8,
       updated_at = $9
 WHERE id = $1
   AND contract_status = $2`
	tag, err := execSQL(ctx, r.pool, tx, q, pm.ID, string(from), string(pm.ContractStatus), string(pm.ContractType),
		sealed, pm.ContractVerifiedAt, pm.IsActive, pm.IsPrimary, pm.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentMethodRepo) SetPrimary(ctx context.Context, tx repository.Tx, id string, primary bool) error {
	const q = `UPDATE payment_methods SET is_primary=$2, updated_at=NOW() WHERE id=$1 AND (is_active OR NOT $2)`
	tag, err := execSQL(ctx, r.pool, tx, q, id, primary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *paymentMethodRepo) TouchLastUsed(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	const q = `UPDATE payment_methods SET last_used_at=$2, updated_at=$2 WHERE id=$1`
	_, err := execSQL(ctx, r.pool, tx, q, id, at)
	return err
}
