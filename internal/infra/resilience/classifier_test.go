//go:build !integration

package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"payman-billing/internal/domain"
	"payman-billing/internal/infra/resilience"
)

func statusErr(code int, header map[string]string) error {
	h := http.Header{}
	for k, v := range header {
		h.Set(k, v)
	}
	return &resilience.HTTPStatusError{StatusCode: code, Header: h}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		category   resilience.Category
		severity   resilience.Severity
		retryable  bool
		retryAfter time.Duration
		recovery   resilience.RecoveryAction
	}{
		{
			name:     "401 asks for re-authentication",
			err:      statusErr(401, nil),
			category: resilience.CategoryAuthentication, severity: resilience.SeverityMedium,
			recovery: resilience.RecoveryRefreshAuthentication,
		},
		{
			name:     "403 is an authorization failure",
			err:      statusErr(403, nil),
			category: resilience.CategoryAuthorization, severity: resilience.SeverityMedium,
		},
		{
			name:     "422 is a validation failure",
			err:      statusErr(422, nil),
			category: resilience.CategoryValidation, severity: resilience.SeverityLow,
		},
		{
			name:     "429 honours Retry-After seconds",
			err:      statusErr(429, map[string]string{"Retry-After": "30"}),
			category: resilience.CategoryRateLimited, severity: resilience.SeverityMedium,
			retryable: true, retryAfter: 30 * time.Second,
		},
		{
			name:     "429 without header waits a minute",
			err:      statusErr(429, nil),
			category: resilience.CategoryRateLimited, severity: resilience.SeverityMedium,
			retryable: true, retryAfter: 60 * time.Second,
		},
		{
			name:     "429 with an HTTP-date falls back to the default",
			err:      statusErr(429, map[string]string{"Retry-After": "Wed, 21 Oct 2026 07:28:00 GMT"}),
			category: resilience.CategoryRateLimited, severity: resilience.SeverityMedium,
			retryable: true, retryAfter: 60 * time.Second,
		},
		{
			name:     "503 is an external service outage",
			err:      statusErr(503, nil),
			category: resilience.CategoryExternalService, severity: resilience.SeverityHigh,
			retryable: true, retryAfter: 5 * time.Second, recovery: resilience.RecoveryCheckZarinpalStatus,
		},
		{
			name:     "504 is an external service outage",
			err:      statusErr(504, nil),
			category: resilience.CategoryExternalService, severity: resilience.SeverityHigh,
			retryable: true, retryAfter: 5 * time.Second, recovery: resilience.RecoveryCheckZarinpalStatus,
		},
		{
			name:     "500 is a retryable system error",
			err:      statusErr(500, nil),
			category: resilience.CategorySystem, severity: resilience.SeverityHigh,
			retryable: true, retryAfter: 10 * time.Second,
		},
		{
			name:     "unlisted 4xx falls through to the default",
			err:      statusErr(404, nil),
			category: resilience.CategorySystem, severity: resilience.SeverityMedium,
		},
		{
			name:     "tagged database timeout is retryable",
			err:      &resilience.DatabaseError{Op: "select", Err: errors.New("statement timeout")},
			category: resilience.CategoryDatabase, severity: resilience.SeverityHigh,
			retryable: true, retryAfter: time.Second, recovery: resilience.RecoveryCheckDatabaseConnection,
		},
		{
			name:     "tagged database constraint error is not retryable",
			err:      &resilience.DatabaseError{Op: "insert", Err: errors.New("unique violation")},
			category: resilience.CategoryDatabase, severity: resilience.SeverityHigh,
			recovery: resilience.RecoveryCheckDatabaseConnection,
		},
		{
			name:     "tagged network error",
			err:      fmt.Errorf("verify: %w", &resilience.NetworkError{Op: "POST", Err: errors.New("reset by peer")}),
			category: resilience.CategoryNetwork, severity: resilience.SeverityMedium,
			retryable: true, retryAfter: 3 * time.Second,
		},
		{
			name:     "deadline exceeded counts as network",
			err:      context.DeadlineExceeded,
			category: resilience.CategoryNetwork, severity: resilience.SeverityMedium,
			retryable: true, retryAfter: 3 * time.Second,
		},
		{
			name:     "net.Error counts as network",
			err:      &net.DNSError{Err: "no such host", Name: "api.zarinpal.com"},
			category: resilience.CategoryNetwork, severity: resilience.SeverityMedium,
			retryable: true, retryAfter: 3 * time.Second,
		},
		{
			name:     "tagged external service error",
			err:      &resilience.ExternalServiceError{Service: "zarinpal", Err: errors.New("garbled body")},
			category: resilience.CategoryExternalService, severity: resilience.SeverityHigh,
			retryable: true, retryAfter: 5 * time.Second, recovery: resilience.RecoveryCheckZarinpalStatus,
		},
		{
			name:     "tagged resource error is critical",
			err:      &resilience.ResourceError{Resource: "worker pool", Err: errors.New("queue full")},
			category: resilience.CategorySystem, severity: resilience.SeverityCritical,
			recovery: resilience.RecoveryScaleResources,
		},
		{
			name:     "invalid argument stays validation even when the text mentions payment",
			err:      fmt.Errorf("payment method has no signature: %w", domain.ErrInvalidArgument),
			category: resilience.CategoryValidation, severity: resilience.SeverityLow,
		},
		{
			name:     "untagged sql busy message is sniffed",
			err:      errors.New("sql: database is busy"),
			category: resilience.CategoryDatabase, severity: resilience.SeverityHigh,
			retryable: true, retryAfter: time.Second, recovery: resilience.RecoveryCheckDatabaseConnection,
		},
		{
			name:     "untagged connection message is sniffed",
			err:      errors.New("connection refused"),
			category: resilience.CategoryNetwork, severity: resilience.SeverityMedium,
			retryable: true, retryAfter: 3 * time.Second,
		},
		{
			name:     "untagged zarinpal message is sniffed",
			err:      errors.New("zarinpal returned garbage"),
			category: resilience.CategoryExternalService, severity: resilience.SeverityHigh,
			retryable: true, retryAfter: 5 * time.Second, recovery: resilience.RecoveryCheckZarinpalStatus,
		},
		{
			name:     "untagged memory message is critical",
			err:      errors.New("out of memory"),
			category: resilience.CategorySystem, severity: resilience.SeverityCritical,
			recovery: resilience.RecoveryScaleResources,
		},
		{
			name:     "anything else is a non-retryable system error",
			err:      errors.New("boom"),
			category: resilience.CategorySystem, severity: resilience.SeverityMedium,
		},
		{
			name:     "open circuit fails fast",
			err:      resilience.ErrCircuitOpen,
			category: resilience.CategoryExternalService, severity: resilience.SeverityHigh,
			recovery: resilience.RecoveryCheckZarinpalStatus,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := resilience.Classify(tc.err)
			assert.Equal(t, tc.category, got.Category)
			assert.Equal(t, tc.severity, got.Severity)
			assert.Equal(t, tc.retryable, got.Retryable)
			assert.Equal(t, tc.retryAfter, got.RetryAfter)
			assert.Equal(t, tc.recovery, got.Recovery)
		})
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	err := statusErr(429, map[string]string{"Retry-After": "30"})
	first := resilience.Classify(err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, resilience.Classify(err))
	}
	assert.True(t, first.Retryable)
	assert.Equal(t, 30000*time.Millisecond, first.RetryAfter)
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, resilience.Classification{}, resilience.Classify(nil))
}
