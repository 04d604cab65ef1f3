//go:build !integration

package resilience_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payman-billing/internal/infra/resilience"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newClient(reg *resilience.Registry, rec *sleepRecorder, opts ...resilience.ClientOption) *resilience.Client {
	opts = append(opts, resilience.WithSleep(rec.sleep))
	return resilience.NewClient(http.DefaultClient, reg, newTestLogger(), opts...)
}

func TestClient_RetryExhaustion(t *testing.T) {
	// Arrange
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := resilience.NewRegistry(nil, nil)
	rec := &sleepRecorder{}
	client := newClient(reg, rec)

	// Act
	resp, err := client.Do(context.Background(), resilience.Request{Method: http.MethodPost, URL: srv.URL, Body: []byte(`{}`)},
		resilience.CallConfig{Service: "zarinpal", MaxRetries: 3, Timeout: time.Second, Breaker: &resilience.BreakerSettings{FailureThreshold: 5}})

	// Assert
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int32(3), hits.Load())

	var callErr *resilience.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 3, callErr.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, callErr.StatusCode)
	assert.Equal(t, resilience.CategoryExternalService, callErr.Class.Category)

	cb := reg.Get("zarinpal", resilience.BreakerSettings{})
	assert.Equal(t, 1, cb.Failures(), "one logical call counts once against the breaker")
	assert.Equal(t, resilience.StateClosed, cb.State())

	require.Len(t, rec.delays, 2)
	for _, d := range rec.delays {
		assert.GreaterOrEqual(t, d, 5*time.Second, "Retry-After hint is a floor")
	}
}

func TestClient_SuccessSetsCorrelationID(t *testing.T) {
	var gotCorrelation, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(resilience.CorrelationHeader)
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"code":100}}`))
	}))
	defer srv.Close()

	client := newClient(resilience.NewRegistry(nil, nil), &sleepRecorder{})

	resp, err := client.Do(context.Background(), resilience.Request{Method: http.MethodPost, URL: srv.URL, Body: []byte(`{}`)},
		resilience.CallConfig{Service: "zarinpal", MaxRetries: 3})

	require.NoError(t, err)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":{"code":100}}`, string(resp.Body))
	assert.Len(t, gotCorrelation, 26, "ULID correlation id")
	assert.Equal(t, gotCorrelation, resp.CorrelationID)
	assert.Equal(t, "application/json", gotContentType)
}

func TestClient_UsesSuppliedCorrelationID(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(resilience.CorrelationHeader)
	}))
	defer srv.Close()

	client := newClient(nil, &sleepRecorder{})
	_, err := client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL},
		resilience.CallConfig{CorrelationID: "req-42"})

	require.NoError(t, err)
	assert.Equal(t, "req-42", got)
}

func TestClient_NonRetryableStopsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":{"code":-9}}`))
	}))
	defer srv.Close()

	reg := resilience.NewRegistry(nil, nil)
	rec := &sleepRecorder{}
	client := newClient(reg, rec)

	_, err := client.Do(context.Background(), resilience.Request{Method: http.MethodPost, URL: srv.URL},
		resilience.CallConfig{Service: "zarinpal", MaxRetries: 3, Breaker: &resilience.BreakerSettings{}})

	var callErr *resilience.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, callErr.Attempts)
	assert.Equal(t, resilience.CategoryValidation, callErr.Class.Category)
	assert.JSONEq(t, `{"errors":{"code":-9}}`, string(callErr.Body))
	assert.Empty(t, rec.delays)
	assert.Equal(t, 0, reg.Get("zarinpal", resilience.BreakerSettings{}).Failures(), "client-side rejections do not trip the breaker")
}

func TestClient_OpenCircuitFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	reg := resilience.NewRegistry(nil, nil)
	reg.Get("zarinpal", resilience.BreakerSettings{FailureThreshold: 1}).RecordFailure()
	client := newClient(reg, &sleepRecorder{})

	_, err := client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL},
		resilience.CallConfig{Service: "zarinpal", MaxRetries: 3, Breaker: &resilience.BreakerSettings{}})

	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	var callErr *resilience.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 0, callErr.Attempts)
	assert.False(t, callErr.Class.Retryable)
	assert.Equal(t, int32(0), hits.Load(), "no network call while open")
}

func TestClient_BreakerOpensAfterRepeatedCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := resilience.NewRegistry(nil, nil)
	client := newClient(reg, &sleepRecorder{})
	cfg := resilience.CallConfig{Service: "zarinpal", MaxRetries: 1, Breaker: &resilience.BreakerSettings{FailureThreshold: 2, RecoveryTimeout: time.Hour}}

	for i := 0; i < 2; i++ {
		_, err := client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL}, cfg)
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}

	_, err := client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL}, cfg)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestClient_RecoversAfterTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := newClient(nil, rec)

	resp, err := client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL},
		resilience.CallConfig{MaxRetries: 3})

	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	require.Len(t, rec.delays, 2)
	assert.GreaterOrEqual(t, rec.delays[0], 10*time.Second)
}

func TestClient_InvalidJSONIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	client := newClient(nil, &sleepRecorder{})
	_, err := client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL},
		resilience.CallConfig{Service: "zarinpal", MaxRetries: 2})

	var callErr *resilience.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, resilience.CategoryExternalService, callErr.Class.Category)
	var extErr *resilience.ExternalServiceError
	assert.ErrorAs(t, err, &extErr)
}

func TestClient_PerAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := newClient(nil, &sleepRecorder{})
	_, err := client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL},
		resilience.CallConfig{MaxRetries: 2, Timeout: 50 * time.Millisecond})

	var callErr *resilience.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 2, callErr.Attempts)
	assert.Equal(t, resilience.CategoryNetwork, callErr.Class.Category)
	var netErr *resilience.NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestClient_CallerCancellationStopsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	reg := resilience.NewRegistry(nil, nil)
	client := resilience.NewClient(http.DefaultClient, reg, newTestLogger(),
		resilience.WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	_, err := client.Do(ctx, resilience.Request{Method: http.MethodGet, URL: srv.URL},
		resilience.CallConfig{Service: "zarinpal", MaxRetries: 5, Breaker: &resilience.BreakerSettings{}})

	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, reg.Get("zarinpal", resilience.BreakerSettings{}).Failures())
}

func TestClient_RunsRecoveryOnTerminalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	var called []resilience.RecoveryAction
	handler := func(action resilience.RecoveryAction) resilience.RecoveryFunc {
		return func(ctx context.Context, c resilience.Classification, cause error) error {
			called = append(called, action)
			return errors.New("diagnostic failed")
		}
	}
	handlers := map[resilience.RecoveryAction]resilience.RecoveryFunc{}
	for _, a := range resilience.AllRecoveryActions {
		handlers[a] = handler(a)
	}
	recoverer, err := resilience.NewRecoverer(handlers, time.Second, newTestLogger())
	require.NoError(t, err)

	client := newClient(nil, &sleepRecorder{}, resilience.WithRecoverer(recoverer))
	_, err = client.Do(context.Background(), resilience.Request{Method: http.MethodGet, URL: srv.URL},
		resilience.CallConfig{MaxRetries: 1})

	var callErr *resilience.CallError
	require.ErrorAs(t, err, &callErr, "handler failure never replaces the original error")
	assert.Equal(t, http.StatusGatewayTimeout, callErr.StatusCode)
	assert.Equal(t, []resilience.RecoveryAction{resilience.RecoveryCheckZarinpalStatus}, called)
}
