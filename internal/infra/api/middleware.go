package api

import (
	"context"
	"crypto/rand"
	"net"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"payman-billing/internal/domain"
	"payman-billing/internal/infra/logging"
	red "payman-billing/internal/infra/redis"
	"payman-billing/internal/infra/resilience"
)

type Middleware func(http.Handler) http.Handler

// TraceID reuses an inbound X-Request-ID or mints a ULID, and echoes it back.
func TraceID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tid := r.Header.Get("X-Request-ID")
			if tid == "" || len(tid) > 64 {
				tid = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
			}
			w.Header().Set("X-Request-ID", tid)
			ctx := logging.WithTraceID(r.Context(), tid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequestLog(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &respWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(ww, r)
			// user_id is only known after auth ran, so read it from the wrapped request context.
			l := logging.With(ww.ctx(r), logger)
			l.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("http_request")
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status  int
	userCtx context.Context
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *respWriter) ctx(r *http.Request) context.Context {
	if w.userCtx != nil {
		return w.userCtx
	}
	return r.Context()
}

// rememberUser lets RequestLog see the authenticated user.
func rememberUser(w http.ResponseWriter, ctx context.Context) {
	if rw, ok := w.(*respWriter); ok {
		rw.userCtx = ctx
	}
}

func Recover(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l := logging.With(r.Context(), logger)
					l.Error().Interface("panic", rec).Msg("panic recovered")
					writeJSONError(w, http.StatusInternalServerError, errorBody{Category: string(resilience.CategorySystem), Message: "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Limiter is a fixed-window counter (redis.RateLimiter).
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// allow reports whether the request may proceed and writes the 429 when not.
// Limiter outages fail open.
func allow(w http.ResponseWriter, r *http.Request, lim Limiter, key string, limit int, window time.Duration, logger *zerolog.Logger) bool {
	if lim == nil || limit <= 0 {
		return true
	}
	ok, retry, err := lim.Allow(r.Context(), key, limit, window)
	if err != nil {
		logging.With(r.Context(), logger).Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
		return true
	}
	if !ok {
		writeError(w, r, &rateLimitedError{RetryAfter: retry}, logger)
		return false
	}
	return true
}

// PerIP limits requests by client address. Run after chi's RealIP.
func PerIP(lim Limiter, limit int, window time.Duration, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(w, r, lim, red.WebhookKey(clientIP(r)), limit, window, logger) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimitedError struct {
	RetryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return domain.ErrRateLimited.Error() }
func (e *rateLimitedError) Unwrap() error { return domain.ErrRateLimited }
