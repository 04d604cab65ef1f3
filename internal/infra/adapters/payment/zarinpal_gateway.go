// File: internal/infra/adapters/payment/zarinpal_gateway.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/infra/logging"
	"payman-billing/internal/infra/resilience"
)

var (
	_ adapter.PaymanGateway  = (*ZarinPalGateway)(nil)
	_ adapter.PaymentGateway = (*ZarinPalGateway)(nil)
)

const (
	ServiceName = "zarinpal"

	productionBase  = "https://api.zarinpal.com/pg/v4"
	sandboxBase     = "https://sandbox.zarinpal.com/pg/v4"
	graphqlEndpoint = "https://api.zarinpal.com/api/v4/graphql"
	signingBase     = "https://www.zarinpal.com/pg/StartPayman/"
)

// Options configures the ZarinPal gateway. APIBase and GraphQLEndpoint
// override the environment-derived endpoints (tests point them at httptest).
type Options struct {
	MerchantID      string
	CallbackURL     string
	Sandbox         bool
	AccessToken     string // OAuth2 access token for GraphQL refunds
	APIBase         string
	GraphQLEndpoint string

	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Breaker     resilience.BreakerSettings
}

// ZarinPalGateway implements the Payman (direct debit) REST v4 endpoints,
// ordinary payment requests and GraphQL refunds. Every call goes through the
// resilient client under the shared "zarinpal" breaker.
type ZarinPalGateway struct {
	opts   Options
	base   string
	client *resilience.Client
	log    *zerolog.Logger
}

func NewZarinPalGateway(client *resilience.Client, opts Options, logger *zerolog.Logger) (*ZarinPalGateway, error) {
	if client == nil {
		return nil, errors.New("resilient client is required")
	}
	if opts.MerchantID == "" {
		return nil, errors.New("merchant id empty")
	}
	if _, err := url.ParseRequestURI(opts.CallbackURL); err != nil {
		return nil, fmt.Errorf("invalid callback url: %w", err)
	}
	base := opts.APIBase
	if base == "" {
		base = productionBase
		if opts.Sandbox {
			base = sandboxBase
		}
	}
	if opts.GraphQLEndpoint == "" {
		opts.GraphQLEndpoint = graphqlEndpoint
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	l := logger.With().Str("component", "ZarinPalGateway").Bool("sandbox", opts.Sandbox).Logger()
	return &ZarinPalGateway{
		opts:   opts,
		base:   strings.TrimRight(base, "/"),
		client: client,
		log:    &l,
	}, nil
}

func (z *ZarinPalGateway) Name() string { return ServiceName }

func (z *ZarinPalGateway) endpoint(path string) string { return z.base + path }

func (z *ZarinPalGateway) callConfig(ctx context.Context, attempts int) resilience.CallConfig {
	breaker := z.opts.Breaker
	return resilience.CallConfig{
		Service:       ServiceName,
		Timeout:       z.opts.Timeout,
		MaxRetries:    attempts,
		CorrelationID: logging.TraceID(ctx),
		Breaker:       &breaker,
		BaseBackoff:   z.opts.BaseBackoff,
		MaxBackoff:    z.opts.MaxBackoff,
	}
}

// post sends payload as JSON and decodes the ZarinPal envelope into out.
func (z *ZarinPalGateway) post(ctx context.Context, op, path string, payload, out any, attempts int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return gatewayError(op, "could not encode request", err)
	}
	resp, err := z.client.Do(ctx, resilience.Request{
		Method: http.MethodPost,
		URL:    z.endpoint(path),
		Body:   body,
	}, z.callConfig(ctx, attempts))
	if err != nil {
		return translateCallError(op, err)
	}
	return decodeResult(op, resp.Body, out, true)
}

// RequestPayment calls /payment/request.json and returns the ordinary payment authority.
func (z *ZarinPalGateway) RequestPayment(ctx context.Context, amountIRR int64, description, callbackURL string, meta map[string]string) (string, error) {
	if callbackURL == "" {
		callbackURL = z.opts.CallbackURL
	}
	payload := map[string]any{
		"merchant_id":  z.opts.MerchantID,
		"amount":       amountIRR,
		"description":  description,
		"callback_url": callbackURL,
	}
	if len(meta) > 0 {
		payload["metadata"] = meta
	}
	var out struct {
		Authority string `json:"authority"`
	}
	if err := z.post(ctx, "payment_request", "/payment/request.json", payload, &out, z.opts.MaxRetries); err != nil {
		return "", err
	}
	if out.Authority == "" {
		return "", gatewayError("payment_request", "ZarinPal returned no authority", nil)
	}
	return out.Authority, nil
}

// VerifyPayment calls /payment/verify.json. Code 101 (already verified) counts
// as settled; an unpaid authority comes back as a rejection (-51).
func (z *ZarinPalGateway) VerifyPayment(ctx context.Context, authority string, amountIRR int64) (string, error) {
	payload := map[string]any{
		"merchant_id": z.opts.MerchantID,
		"amount":      amountIRR,
		"authority":   authority,
	}
	var out struct {
		RefID flexString `json:"ref_id"`
	}
	if err := z.post(ctx, "payment_verify", "/payment/verify.json", payload, &out, z.opts.MaxRetries); err != nil {
		return "", err
	}
	if out.RefID == "" || out.RefID == "0" {
		return "", gatewayError("payment_verify", "ZarinPal returned no ref id", nil)
	}
	return string(out.RefID), nil
}

// RefundPayment issues a refund via the GraphQL AddRefund mutation. It is sent once; a
// refund that timed out must be checked in the ZarinPal panel, not retried blindly.
func (z *ZarinPalGateway) RefundPayment(ctx context.Context, sessionID string, amount int64, description string, method adapter.RefundMethod, reason adapter.RefundReason) (adapter.RefundResult, error) {
	const op = "refund"
	if z.opts.AccessToken == "" {
		return adapter.RefundResult{}, gatewayError(op, "refund requires payment.zarinpal.access_token", nil)
	}
	reqBody := map[string]any{
		"query": `mutation AddRefund($session_id: ID!, $amount: BigInteger!, $description: String, $method: InstantPayoutActionTypeEnum, $reason: RefundReasonEnum) {
  resource: AddRefund(session_id: $session_id, amount: $amount, description: $description, method: $method, reason: $reason) {
    id
    amount
    timeline { refund_amount refund_time refund_status }
  }
}`,
		"variables": map[string]any{
			"session_id":  sessionID,
			"amount":      amount,
			"description": description,
			"method":      string(method),
			"reason":      string(reason),
		},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return adapter.RefundResult{}, gatewayError(op, "could not encode request", err)
	}

	resp, err := z.client.Do(ctx, resilience.Request{
		Method: http.MethodPost,
		URL:    z.opts.GraphQLEndpoint,
		Header: http.Header{"Authorization": []string{"Bearer " + z.opts.AccessToken}},
		Body:   b,
	}, z.callConfig(ctx, 1))
	if err != nil {
		return adapter.RefundResult{}, translateCallError(op, err)
	}

	var out struct {
		Data struct {
			Resource struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Timeline struct {
					RefundAmount int64  `json:"refund_amount"`
					RefundTime   string `json:"refund_time"`
					RefundStatus string `json:"refund_status"`
				} `json:"timeline"`
			} `json:"resource"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return adapter.RefundResult{}, gatewayError(op, "unreadable refund response", err)
	}
	if len(out.Errors) > 0 {
		return adapter.RefundResult{}, &adapter.PaymanError{Op: op, Message: out.Errors[0].Message, Kind: adapter.KindRejected}
	}
	var rt time.Time
	if t := out.Data.Resource.Timeline.RefundTime; t != "" {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			rt = parsed
		}
	}
	z.log.Info().Str("session_id", sessionID).Int64("amount", amount).Str("status", out.Data.Resource.Timeline.RefundStatus).Msg("refund submitted")
	return adapter.RefundResult{
		ID:           out.Data.Resource.ID,
		Status:       out.Data.Resource.Timeline.RefundStatus,
		RefundAmount: out.Data.Resource.Timeline.RefundAmount,
		RefundTime:   rt,
	}, nil
}
