package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"payman-billing/internal/domain"
	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/infra/logging"
	"payman-billing/internal/infra/resilience"
)

type errorBody struct {
	Category string            `json:"category"`
	Message  string            `json:"message"`
	Code     int               `json:"code,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// httpError maps err onto a status and a client-safe body. Unknown errors get
// a generic message; the detail stays in the log.
func httpError(err error) (int, errorBody) {
	var (
		pe  *adapter.PaymanError
		rl  *rateLimitedError
		ve  *validationError
		cat = func(c resilience.Category) string { return string(c) }
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, errorBody{Category: cat(resilience.CategoryValidation), Message: "validation failed", Fields: ve.Fields}
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, errorBody{Category: cat(resilience.CategoryRateLimited), Message: "too many requests"}
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest, errorBody{Category: cat(resilience.CategoryValidation), Message: err.Error()}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, errorBody{Category: cat(resilience.CategoryAuthentication), Message: "authentication required"}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorBody{Category: cat(resilience.CategoryAuthorization), Message: "forbidden"}
	case upstreamRateLimited(err) > 0:
		return http.StatusTooManyRequests, errorBody{Category: cat(resilience.CategoryRateLimited), Message: "upstream rate limit reached, retry later"}
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, errorBody{Category: cat(resilience.CategoryExternalService), Message: "service unavailable"}
	case errors.As(err, &pe) && pe.Rejected():
		status := http.StatusBadRequest
		if pe.Op == "checkout" {
			status = http.StatusPaymentRequired
		}
		return status, errorBody{Category: cat(resilience.CategoryValidation), Message: pe.Message, Code: pe.Code}
	case errors.As(err, &pe):
		return http.StatusBadGateway, errorBody{Category: cat(resilience.CategoryExternalService), Message: "bad gateway"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Category: cat(resilience.CategoryValidation), Message: "not found"}
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, errorBody{Category: cat(resilience.CategoryValidation), Message: conflictMessage(err)}
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, errorBody{Category: cat(resilience.CategoryValidation), Message: err.Error()}
	}
	c := resilience.Classify(err)
	return http.StatusInternalServerError, errorBody{Category: cat(c.Category), Message: "internal error"}
}

// upstreamRateLimited returns ZarinPal's retry hint when err is an exhausted
// 429 from the resilient client, and zero otherwise.
func upstreamRateLimited(err error) time.Duration {
	var ce *resilience.CallError
	if !errors.As(err, &ce) || ce.Class.Category != resilience.CategoryRateLimited {
		return 0
	}
	if ce.Class.RetryAfter <= 0 {
		return time.Second
	}
	return ce.Class.RetryAfter
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrContractExpired):
		return domain.ErrContractExpired.Error()
	case errors.Is(err, domain.ErrInvalidTransition):
		return err.Error()
	default:
		return domain.ErrConflict.Error()
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, logger *zerolog.Logger) {
	status, body := httpError(err)
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", resilience.RetryAfterSeconds(rl.RetryAfter))
	} else if d := upstreamRateLimited(err); d > 0 {
		w.Header().Set("Retry-After", resilience.RetryAfterSeconds(d))
	}
	l := logging.With(r.Context(), logger)
	ev := l.Warn()
	if status >= 500 {
		c := resilience.Classify(err)
		ev = l.Error().Str("category", string(c.Category)).Str("severity", string(c.Severity))
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")
	writeJSONError(w, status, body)
}
