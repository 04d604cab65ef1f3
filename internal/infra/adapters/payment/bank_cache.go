package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/infra/metrics"
)

const bankListKey = "zarinpal:payman:banks"

// KV is the slice of the Redis client the bank cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// CachedGateway decorates a PaymanGateway with a shared bank-list cache.
// Concurrent misses collapse into a single upstream call.
type CachedGateway struct {
	adapter.PaymanGateway
	kv    KV
	ttl   time.Duration
	group singleflight.Group
	log   *zerolog.Logger
}

var _ adapter.PaymanGateway = (*CachedGateway)(nil)

func NewCachedGateway(inner adapter.PaymanGateway, kv KV, ttl time.Duration, logger *zerolog.Logger) *CachedGateway {
	if ttl <= 0 {
		ttl = time.Hour
	}
	l := logger.With().Str("component", "BankListCache").Logger()
	return &CachedGateway{PaymanGateway: inner, kv: kv, ttl: ttl, log: &l}
}

func (c *CachedGateway) BankList(ctx context.Context) ([]adapter.Bank, error) {
	if raw, err := c.kv.Get(ctx, bankListKey); err == nil && raw != "" {
		var banks []adapter.Bank
		if json.Unmarshal([]byte(raw), &banks) == nil {
			metrics.IncCacheRequest("bank_list", "hit")
			return banks, nil
		}
	}
	metrics.IncCacheRequest("bank_list", "miss")

	v, err, _ := c.group.Do(bankListKey, func() (interface{}, error) {
		banks, err := c.PaymanGateway.BankList(ctx)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(banks); err == nil {
			if err := c.kv.Set(ctx, bankListKey, string(b), c.ttl); err != nil {
				c.log.Warn().Err(err).Msg("could not cache bank list")
			}
		}
		return banks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]adapter.Bank), nil
}
