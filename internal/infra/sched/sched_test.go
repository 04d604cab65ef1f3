//go:build !integration

package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payman-billing/internal/domain"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	lockErr  error
	unlocked []string
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return "", f.lockErr
	}
	if f.held == nil {
		f.held = map[string]string{}
	}
	if _, ok := f.held[key]; ok {
		return "", domain.ErrConflict
	}
	f.held[key] = "tok-" + key
	return f.held[key], nil
}

func (f *fakeLocker) Unlock(_ context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
	}
	f.unlocked = append(f.unlocked, key)
	return nil
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestJob_RunOnce_HoldsLockForThePass(t *testing.T) {
	lk := &fakeLocker{}
	calls := 0
	j := NewJob("payment_retry", time.Minute, func(context.Context) (int, error) {
		calls++
		assert.Contains(t, lk.held, "lock:job:payment_retry")
		return 3, nil
	}, lk, nopLogger())

	j.RunOnce(context.Background())

	assert.Equal(t, 1, calls)
	assert.Empty(t, lk.held)
	assert.Equal(t, []string{"lock:job:payment_retry"}, lk.unlocked)
}

func TestJob_RunOnce_SkipsWhenLockHeld(t *testing.T) {
	lk := &fakeLocker{held: map[string]string{"lock:job:billing_cycle": "other-replica"}}
	called := false
	j := NewJob("billing_cycle", time.Minute, func(context.Context) (int, error) {
		called = true
		return 0, nil
	}, lk, nopLogger())

	j.RunOnce(context.Background())

	assert.False(t, called)
	assert.Equal(t, "other-replica", lk.held["lock:job:billing_cycle"])
	assert.Empty(t, lk.unlocked)
}

func TestJob_RunOnce_LockErrorSkipsPass(t *testing.T) {
	lk := &fakeLocker{lockErr: errors.New("redis down")}
	called := false
	j := NewJob("billing_cycle", time.Minute, func(context.Context) (int, error) {
		called = true
		return 0, nil
	}, lk, nopLogger())

	j.RunOnce(context.Background())

	assert.False(t, called)
}

func TestJob_RunOnce_UnlocksAfterFailure(t *testing.T) {
	lk := &fakeLocker{}
	j := NewJob("payment_retry", time.Minute, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	}, lk, nopLogger())

	j.RunOnce(context.Background())

	assert.Empty(t, lk.held)
}

func TestJob_RunOnce_WithoutLocker(t *testing.T) {
	called := false
	j := NewJob("payment_retry", time.Minute, func(ctx context.Context) (int, error) {
		called = true
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return 0, nil
	}, nil, nopLogger())

	j.RunOnce(context.Background())

	assert.True(t, called)
}

type fakeContracts struct {
	olderThan []time.Time
	limits    []int
	expired   int
	expireErr error
}

func (f *fakeContracts) ReconcilePending(_ context.Context, olderThan time.Time, limit int) (int, error) {
	f.olderThan = append(f.olderThan, olderThan)
	f.limits = append(f.limits, limit)
	return 2, nil
}

func (f *fakeContracts) ExpireOverdue(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return f.expired, f.expireErr
}

func TestContractReconciler_Tick(t *testing.T) {
	uc := &fakeContracts{expired: 1}
	w := NewContractReconciler(uc, time.Minute, 30*time.Minute, 50, nil, nopLogger())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	n, err := w.tick(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Time{now.Add(-30 * time.Minute)}, uc.olderThan)
	assert.Equal(t, []int{50, 50}, uc.limits)
}

func TestContractReconciler_ExpireErrorSurfaces(t *testing.T) {
	uc := &fakeContracts{expireErr: errors.New("db down")}
	w := NewContractReconciler(uc, time.Minute, 0, 0, nil, nopLogger())

	_, err := w.tick(context.Background())

	assert.EqualError(t, err, "db down")
	assert.Equal(t, []int{100, 100}, uc.limits)
}

type fakeBilling struct {
	retryLimit  int32
	chargeLimit int32
}

func (f *fakeBilling) RetryDue(_ context.Context, limit int) (int, error) {
	atomic.StoreInt32(&f.retryLimit, int32(limit))
	return 0, nil
}

func (f *fakeBilling) ChargeDue(_ context.Context, limit int) (int, error) {
	atomic.StoreInt32(&f.chargeLimit, int32(limit))
	return 0, nil
}

func TestBillingWorkers_PassBatchSize(t *testing.T) {
	uc := &fakeBilling{}

	NewPaymentRetryWorker(uc, time.Minute, 25, nil, nopLogger()).RunOnce(context.Background())
	NewBillingCycleWorker(uc, time.Minute, 0, nil, nopLogger()).RunOnce(context.Background())

	assert.Equal(t, int32(25), atomic.LoadInt32(&uc.retryLimit))
	assert.Equal(t, int32(100), atomic.LoadInt32(&uc.chargeLimit))
}

func TestScheduler_StartStop(t *testing.T) {
	var runs int32
	j := NewJob("payment_retry", time.Hour, func(context.Context) (int, error) {
		atomic.AddInt32(&runs, 1)
		return 0, nil
	}, nil, nopLogger())
	s := NewScheduler(nopLogger(), j)

	s.Start(context.Background())
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}
