package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/repository"
)

var _ repository.WebhookEventRepository = (*webhookEventRepo)(nil)

type webhookEventRepo struct{ pool *pgxpool.Pool }

func NewWebhookEventRepo(pool *pgxpool.Pool) *webhookEventRepo {
	return &webhookEventRepo{pool: pool}
}

func (r *webhookEventRepo) Insert(ctx context.Context, tx repository.Tx, ev *model.WebhookEvent) error {
	const q = `
INSERT INTO webhook_events (id, provider, source, payman_authority, status, payload, signature_valid, processed, created_at)
VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,false,$8);`
	_, err := execSQL(ctx, r.pool, tx, q, ev.ID, ev.Provider, string(ev.Source), ev.PaymanAuthority, ev.Status,
		string(ev.Payload), ev.SignatureValid, ev.CreatedAt)
	return err
}

func (r *webhookEventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, id string, processingErr string, at time.Time) (bool, error) {
	const q = `
UPDATE webhook_events
   SET processed = true, processed_at = $3, processing_error = NULLIF($2, '')
 WHERE id = $1 AND processed = false`
	tag, err := execSQL(ctx, r.pool, tx, q, id, processingErr, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
