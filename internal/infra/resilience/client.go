package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"payman-billing/internal/infra/logging"
	"payman-billing/internal/infra/metrics"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultBaseBackoff = 250 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	maxResponseBody    = 1 << 20

	CorrelationHeader = "X-Correlation-ID"
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	Attempts      int
	Duration      time.Duration
	CorrelationID string
}

// CallConfig controls one logical call.
// MaxRetries is the total number of attempts: 3 means at most three requests.
// Breaker is nil when the call is not guarded.
type CallConfig struct {
	Service       string
	Timeout       time.Duration
	MaxRetries    int
	CorrelationID string
	Breaker       *BreakerSettings
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

type ClientOption func(*Client)

// WithRecoverer runs recovery actions for terminal failures.
func WithRecoverer(r *Recoverer) ClientOption { return func(c *Client) { c.recoverer = r } }

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// Client wraps outbound HTTP calls with per-attempt timeouts, classified
// retries and an optional circuit breaker.
type Client struct {
	http      Doer
	breakers  *Registry
	recoverer *Recoverer
	sleep     func(ctx context.Context, d time.Duration) error
	log       *zerolog.Logger
}

func NewClient(doer Doer, breakers *Registry, logger *zerolog.Logger, opts ...ClientOption) *Client {
	if doer == nil {
		doer = &http.Client{}
	}
	if breakers == nil {
		breakers = NewRegistry(nil, nil)
	}
	l := logger.With().Str("component", "ResilientClient").Logger()
	c := &Client{
		http:     doer,
		breakers: breakers,
		sleep:    sleepCtx,
		log:      &l,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Breakers() *Registry { return c.breakers }

// Do executes req according to cfg. On failure the returned error is a *CallError.
func (c *Client) Do(ctx context.Context, req Request, cfg CallConfig) (*Response, error) {
	cfg = normalize(cfg)
	start := time.Now()
	log := logging.With(ctx, c.log).With().
		Str("service", cfg.Service).
		Str("correlation_id", cfg.CorrelationID).
		Str("method", req.Method).
		Logger()

	var cb *CircuitBreaker
	if cfg.Breaker != nil {
		cb = c.breakers.Get(cfg.Service, *cfg.Breaker)
	}

	var (
		lastErr    error
		lastStatus int
		lastBody   []byte
		class      Classification
		attempts   int
	)

	for attempts < cfg.MaxRetries {
		if cb != nil && !cb.CanExecute() {
			log.Warn().Int("attempts", attempts).Msg("circuit open, failing fast")
			metrics.ObserveOutboundCall(cfg.Service, "circuit_open", time.Since(start))
			err := &CallError{
				Service:  cfg.Service,
				Class:    Classify(ErrCircuitOpen),
				Attempts: attempts,
				Duration: time.Since(start),
				Err:      ErrCircuitOpen,
			}
			if lastErr != nil {
				err.StatusCode, err.Body = lastStatus, lastBody
			}
			return nil, err
		}

		attempts++
		resp, err := c.attempt(ctx, req, cfg)
		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			resp.Attempts = attempts
			resp.Duration = time.Since(start)
			resp.CorrelationID = cfg.CorrelationID
			metrics.IncOutboundAttempt(cfg.Service, "ok")
			metrics.ObserveOutboundCall(cfg.Service, "success", resp.Duration)
			log.Debug().Int("attempts", attempts).Dur("duration", resp.Duration).Msg("outbound call succeeded")
			return resp, nil
		}

		lastErr = err
		lastStatus, lastBody = 0, nil
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			lastStatus, lastBody = statusErr.StatusCode, statusErr.Body
		}
		class = Classify(err)
		metrics.IncOutboundAttempt(cfg.Service, string(class.Category))

		// The caller gave up; do not retry or blame the downstream.
		if ctx.Err() != nil {
			return nil, &CallError{
				Service:  cfg.Service,
				Class:    class,
				Attempts: attempts,
				Duration: time.Since(start),
				Err:      ctx.Err(),
			}
		}

		if !class.Retryable || attempts >= cfg.MaxRetries {
			break
		}

		delay := backoff(cfg, attempts, class.RetryAfter)
		if dl, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(dl) {
			log.Debug().Dur("delay", delay).Msg("retry delay exceeds deadline, giving up")
			break
		}
		log.Warn().Err(err).
			Int("attempt", attempts).
			Str("category", string(class.Category)).
			Dur("delay", delay).
			Msg("outbound call failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	if cb != nil && ctx.Err() == nil && countsAgainstBreaker(lastErr) {
		cb.RecordFailure()
	}

	callErr := &CallError{
		Service:    cfg.Service,
		Class:      class,
		Attempts:   attempts,
		Duration:   time.Since(start),
		StatusCode: lastStatus,
		Body:       lastBody,
		Err:        lastErr,
	}
	metrics.ObserveOutboundCall(cfg.Service, "failure", callErr.Duration)
	log.Error().Err(lastErr).
		Int("attempts", attempts).
		Int("status", lastStatus).
		Str("category", string(class.Category)).
		Str("severity", string(class.Severity)).
		Msg("outbound call failed")

	c.recoverer.Run(ctx, class, lastErr)
	return nil, callErr
}

func (c *Client) attempt(ctx context.Context, req Request, cfg CallConfig) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	hreq.Header.Set(CorrelationHeader, cfg.CorrelationID)

	hresp, err := c.http.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Op: req.Method + " " + hreq.URL.Path, Err: err}
	}
	defer hresp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBody))
	if err != nil {
		return nil, &NetworkError{Op: "read body", Err: err}
	}

	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		return nil, &HTTPStatusError{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: b}
	}
	if isJSON(hresp.Header.Get("Content-Type")) && !json.Valid(b) {
		return nil, &ExternalServiceError{Service: cfg.Service, Err: errors.New("response body is not valid JSON")}
	}

	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: b}, nil
}

func normalize(cfg CallConfig) CallConfig {
	if cfg.Service == "" {
		cfg.Service = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.CorrelationID == "" {
		cfg.CorrelationID = ulid.Make().String()
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return cfg
}

// backoff grows exponentially with jitter and is capped by MaxBackoff; the
// classifier's RetryAfter hint is a floor that the cap never lowers.
func backoff(cfg CallConfig, attempt int, retryAfter time.Duration) time.Duration {
	d := cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d)/5 + 1))
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// countsAgainstBreaker is false for client-side rejections (4xx other than 429),
// which say nothing about the health of the downstream.
func countsAgainstBreaker(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code == http.StatusTooManyRequests || code < 400 || code > 499
	}
	return err != nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryAfterSeconds renders a duration for a Retry-After response header.
func RetryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
