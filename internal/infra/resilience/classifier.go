package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payman-billing/internal/domain"
)

type Category string

const (
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryValidation      Category = "validation"
	CategoryRateLimited     Category = "rate_limited"
	CategoryExternalService Category = "external_service"
	CategoryDatabase        Category = "database"
	CategoryNetwork         Category = "network"
	CategorySystem          Category = "system"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const (
	defaultRateLimitRetryAfter = 60 * time.Second
	gatewayRetryAfter          = 5 * time.Second
	serverErrorRetryAfter      = 10 * time.Second
	networkRetryAfter          = 3 * time.Second
	databaseRetryAfter         = time.Second
)

// Classification describes how a failure should be handled.
// RetryAfter is zero when no hint applies; Recovery is empty when no action applies.
type Classification struct {
	Category   Category
	Severity   Severity
	Retryable  bool
	RetryAfter time.Duration
	Recovery   RecoveryAction
}

// Classify maps err to a Classification. It has no side effects.
// Typed errors are matched first; message sniffing is only the fallback for untagged errors.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if errors.Is(err, ErrCircuitOpen) {
		return Classification{Category: CategoryExternalService, Severity: SeverityHigh, Recovery: RecoveryCheckZarinpalStatus}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if c, ok := classifyStatus(statusErr); ok {
			return c
		}
	}

	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return classifyDatabase(strings.ToLower(err.Error()))
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return networkClass()
	}
	var stdNetErr net.Error
	if errors.As(err, &stdNetErr) {
		return networkClass()
	}

	var extErr *ExternalServiceError
	if errors.As(err, &extErr) {
		return externalClass()
	}

	var resErr *ResourceError
	if errors.As(err, &resErr) {
		return resourceClass()
	}

	if errors.Is(err, domain.ErrInvalidArgument) {
		return Classification{Category: CategoryValidation, Severity: SeverityLow}
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyStatus(e *HTTPStatusError) (Classification, bool) {
	switch code := e.StatusCode; {
	case code == http.StatusUnauthorized:
		return Classification{Category: CategoryAuthentication, Severity: SeverityMedium, Recovery: RecoveryRefreshAuthentication}, true
	case code == http.StatusForbidden:
		return Classification{Category: CategoryAuthorization, Severity: SeverityMedium}, true
	case code == http.StatusUnprocessableEntity:
		return Classification{Category: CategoryValidation, Severity: SeverityLow}, true
	case code == http.StatusTooManyRequests:
		return Classification{
			Category:   CategoryRateLimited,
			Severity:   SeverityMedium,
			Retryable:  true,
			RetryAfter: parseRetryAfter(e.Header),
		}, true
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		return Classification{
			Category:   CategoryExternalService,
			Severity:   SeverityHigh,
			Retryable:  true,
			RetryAfter: gatewayRetryAfter,
			Recovery:   RecoveryCheckZarinpalStatus,
		}, true
	case code >= 500 && code <= 599:
		return Classification{Category: CategorySystem, Severity: SeverityHigh, Retryable: true, RetryAfter: serverErrorRetryAfter}, true
	}
	return Classification{}, false
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return defaultRateLimitRetryAfter
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return defaultRateLimitRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func classifyMessage(msg string) Classification {
	switch {
	case containsAny(msg, "database", "sql"):
		return classifyDatabase(msg)
	case containsAny(msg, "network", "timeout", "connection"):
		return networkClass()
	case containsAny(msg, "zarinpal", "payment"):
		return externalClass()
	case containsAny(msg, "memory", "resource"):
		return resourceClass()
	}
	return Classification{Category: CategorySystem, Severity: SeverityMedium}
}

func classifyDatabase(msg string) Classification {
	c := Classification{Category: CategoryDatabase, Severity: SeverityHigh, Recovery: RecoveryCheckDatabaseConnection}
	if containsAny(msg, "timeout", "busy") {
		c.Retryable = true
		c.RetryAfter = databaseRetryAfter
	}
	return c
}

func networkClass() Classification {
	return Classification{Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true, RetryAfter: networkRetryAfter}
}

func externalClass() Classification {
	return Classification{
		Category:   CategoryExternalService,
		Severity:   SeverityHigh,
		Retryable:  true,
		RetryAfter: gatewayRetryAfter,
		Recovery:   RecoveryCheckZarinpalStatus,
	}
}

func resourceClass() Classification {
	return Classification{Category: CategorySystem, Severity: SeverityCritical, Recovery: RecoveryScaleResources}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
