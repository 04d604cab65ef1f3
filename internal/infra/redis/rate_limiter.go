package redis

import (
	"context"
	"fmt"
	"time"

	"payman-billing/internal/infra/metrics"
)

// Counter is the subset of RedisClient a fixed-window limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type RateLimiter struct {
	client Counter
}

func NewRateLimiter(client Counter) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow counts one hit against key in a fixed window. When the limit is
// exceeded it returns false and the time left until the window resets.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, 0, err
	}

	if count == 1 {
		if err := r.client.Expire(ctx, key, window); err != nil {
			return false, 0, err
		}
	}

	if count > int64(limit) {
		retry, err := r.client.TTL(ctx, key)
		if err != nil || retry <= 0 {
			retry = window
		}
		metrics.IncRateLimitRejection(scopeOf(key))
		return false, retry, nil
	}

	return true, 0, nil
}

func scopeOf(key string) string {
	for i := len("rate_limit:"); i < len(key); i++ {
		if key[i] == ':' {
			return key[len("rate_limit:"):i]
		}
	}
	return "other"
}

func ContractRequestKey(userID string) string {
	return fmt.Sprintf("rate_limit:contract:%s", userID)
}

func WebhookKey(ip string) string {
	return fmt.Sprintf("rate_limit:webhook:%s", ip)
}
