//go:build !integration

package redis

import (
	"context"
	"testing"
	"time"
)

type memCounter struct {
	counts map[string]int64
	ttls   map[string]time.Duration
}

func (m *memCounter) Incr(_ context.Context, key string) (int64, error) {
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounter) Expire(_ context.Context, key string, d time.Duration) error {
	m.ttls[key] = d
	return nil
}

func (m *memCounter) TTL(_ context.Context, key string) (time.Duration, error) {
	return m.ttls[key], nil
}

func TestRateLimiter_Allow(t *testing.T) {
	c := &memCounter{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
	rl := NewRateLimiter(c)
	key := ContractRequestKey("user-1")

	for i := 0; i < 3; i++ {
		ok, _, err := rl.Allow(context.Background(), key, 3, time.Hour)
		if err != nil || !ok {
			t.Fatalf("hit %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, retry, err := rl.Allow(context.Background(), key, 3, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("fourth hit should be rejected")
	}
	if retry != time.Hour {
		t.Fatalf("retry = %v, want 1h", retry)
	}
	if c.ttls[key] != time.Hour {
		t.Fatalf("window not set on first hit")
	}
}

func TestScopeOf(t *testing.T) {
	if got := scopeOf(ContractRequestKey("u")); got != "contract" {
		t.Fatalf("scopeOf = %q", got)
	}
	if got := scopeOf(WebhookKey("10.0.0.1")); got != "webhook" {
		t.Fatalf("scopeOf = %q", got)
	}
	if got := scopeOf("other"); got != "other" {
		t.Fatalf("scopeOf = %q", got)
	}
}
