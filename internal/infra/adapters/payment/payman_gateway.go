package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/infra/logging"
	"payman-billing/internal/infra/resilience"
)

// ZarinPal expects contract expiry as Tehran wall-clock time.
var tehran = time.FixedZone("IRST", 3*3600+30*60)

const expireAtLayout = "2006-01-02 15:04:05"

// RequestContract calls /payman/request.json and returns the payman authority.
func (z *ZarinPalGateway) RequestContract(ctx context.Context, req adapter.ContractRequest) (string, error) {
	const op = "request_contract"
	callback := req.CallbackURL
	if callback == "" {
		callback = z.opts.CallbackURL
	}
	payload := map[string]any{
		"merchant_id":       z.opts.MerchantID,
		"mobile":            req.Mobile,
		"expire_at":         req.ExpireAt.In(tehran).Format(expireAtLayout),
		"max_daily_count":   strconv.Itoa(req.MaxDailyCount),
		"max_monthly_count": strconv.Itoa(req.MaxMonthlyCount),
		"max_amount":        strconv.FormatInt(req.MaxAmount, 10),
		"callback_url":      callback,
	}
	if req.NationalID != "" {
		payload["ssn"] = req.NationalID
	}

	var out struct {
		PaymanAuthority string `json:"payman_authority"`
	}
	if err := z.post(ctx, op, "/payman/request.json", payload, &out, z.opts.MaxRetries); err != nil {
		return "", err
	}
	if out.PaymanAuthority == "" {
		return "", gatewayError(op, "ZarinPal returned no payman authority", nil)
	}
	logging.With(ctx, z.log).Info().
		Str("mobile", logging.Redact(req.Mobile, false)).
		Str("payman_authority", out.PaymanAuthority).
		Msg("direct debit contract requested")
	return out.PaymanAuthority, nil
}

// BankList calls /payman/banksList.json. Only a transport failure is an error here.
func (z *ZarinPalGateway) BankList(ctx context.Context) ([]adapter.Bank, error) {
	const op = "bank_list"
	resp, err := z.client.Do(ctx, resilience.Request{
		Method: http.MethodGet,
		URL:    z.endpoint("/payman/banksList.json"),
	}, z.callConfig(ctx, z.opts.MaxRetries))
	if err != nil {
		return nil, translateCallError(op, err)
	}

	var out struct {
		Banks []struct {
			Name           string     `json:"name"`
			Slug           string     `json:"slug"`
			BankCode       flexString `json:"bank_code"`
			MaxDailyAmount int64      `json:"max_daily_amount"`
			MaxDailyCount  int        `json:"max_daily_count"`
		} `json:"banks"`
	}
	if err := decodeResult(op, resp.Body, &out, false); err != nil {
		return nil, err
	}
	banks := make([]adapter.Bank, 0, len(out.Banks))
	for _, b := range out.Banks {
		banks = append(banks, adapter.Bank{
			Name:           b.Name,
			Slug:           b.Slug,
			BankCode:       string(b.BankCode),
			MaxDailyAmount: b.MaxDailyAmount,
			MaxDailyCount:  b.MaxDailyCount,
		})
	}
	return banks, nil
}

// VerifyContract calls /payman/verify.json and returns the contract signature.
// Code 101 (already verified) is a success and still carries the signature.
func (z *ZarinPalGateway) VerifyContract(ctx context.Context, paymanAuthority string) (string, error) {
	const op = "verify"
	payload := map[string]any{
		"merchant_id":      z.opts.MerchantID,
		"payman_authority": paymanAuthority,
	}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := z.post(ctx, op, "/payman/verify.json", payload, &out, z.opts.MaxRetries); err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", gatewayError(op, "ZarinPal returned no signature", nil)
	}
	return out.Signature, nil
}

// ExecuteDirectTransaction calls /payman/checkout.json. It makes a single
// attempt: a timed-out charge may still have happened on ZarinPal's side.
func (z *ZarinPalGateway) ExecuteDirectTransaction(ctx context.Context, authority, signature string) (adapter.DirectTransaction, error) {
	const op = "checkout"
	payload := map[string]any{
		"merchant_id": z.opts.MerchantID,
		"authority":   authority,
		"signature":   signature,
	}
	var out struct {
		RefID       flexString `json:"ref_id"`
		ReferenceID flexString `json:"reference_id"`
		Amount      int64      `json:"amount"`
	}
	if err := z.post(ctx, op, "/payman/checkout.json", payload, &out, 1); err != nil {
		return adapter.DirectTransaction{}, err
	}
	ref := string(out.RefID)
	if ref == "" {
		ref = string(out.ReferenceID)
	}
	if ref == "" {
		return adapter.DirectTransaction{}, gatewayError(op, "ZarinPal returned no reference id", nil)
	}
	return adapter.DirectTransaction{RefID: ref, Amount: out.Amount}, nil
}

// CancelContract calls /payman/cancelContract.json.
func (z *ZarinPalGateway) CancelContract(ctx context.Context, signature string) (adapter.Confirmation, error) {
	const op = "cancel_contract"
	payload := map[string]any{
		"merchant_id": z.opts.MerchantID,
		"signature":   signature,
	}
	var out struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := z.post(ctx, op, "/payman/cancelContract.json", payload, &out, z.opts.MaxRetries); err != nil {
		return adapter.Confirmation{}, err
	}
	msg := out.Message
	if msg == "" {
		msg = MessageForCode(out.Code)
	}
	return adapter.Confirmation{Code: out.Code, Message: msg}, nil
}

// SigningURL builds the bank redirect for a pending contract.
func (z *ZarinPalGateway) SigningURL(paymanAuthority, bankCode string) string {
	return SigningURL(paymanAuthority, bankCode)
}

func SigningURL(paymanAuthority, bankCode string) string {
	return signingBase + paymanAuthority + "/" + bankCode
}

// SigningURLTemplate is the signing URL with the bank code left as a placeholder.
func SigningURLTemplate(paymanAuthority string) string {
	return signingBase + paymanAuthority + "/{bank_code}"
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
