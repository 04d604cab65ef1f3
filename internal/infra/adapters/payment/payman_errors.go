package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/infra/resilience"
)

const (
	codeSuccess         = 100
	codeAlreadyVerified = 101
)

// zarinpalMessages translates ZarinPal result codes into operator-facing text.
var zarinpalMessages = map[int]string{
	-9:  "Validation error",
	-10: "Terminal is not valid, please check merchant_id or ip address.",
	-11: "Terminal is not active, please contact our support team.",
	-12: "Too many attempts, please try again later.",
	-15: "Terminal user is suspended, please contact our support team.",
	-16: "Terminal user level is not valid, please contact our support team.",
	-17: "Terminal user level is not allowed to use direct debit, please contact our support team.",
	-30: "Terminal does not allow floating wages.",
	-31: "Terminal does not allow wages, please add a default bank account in the panel.",
	-32: "Wages are not valid, total floating wages exceed the maximum amount.",
	-33: "Amount should be above 100 Toman",
	-34: "Wages are not valid, total fixed wages exceed the maximum amount.",
	-35: "Wages are not valid, floating wages exceed the maximum number of parts.",
	-40: "Invalid extra params, expire_in is not valid.",
	-50: "Direct debit amount is below the minimum allowed",
	-51: "Session is not valid, session is not an active paid try.",
	-52: "Unexpected gateway error, please contact our support team.",
	-53: "Session does not belong to this merchant_id.",
	-54: "Request has been archived",
	-55: "Manual payment request not found.",
	-60: "Session can not be reversed with the bank.",
	-61: "Session is not in success status.",
	-62: "Terminal IP limit must be active.",
	-63: "Maximum time to reverse this session has expired.",
	101: "Verified",
}

// MessageForCode returns the translated text for a ZarinPal code.
func MessageForCode(code int) string {
	if m, ok := zarinpalMessages[code]; ok {
		return m
	}
	return "Unknown ZarinPal error"
}

func isSuccessCode(code int) bool {
	return code == codeSuccess || code == codeAlreadyVerified
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type resultCode struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// decodeResult unpacks a ZarinPal envelope into out. It returns a rejected
// *PaymanError when the response carries a non-success code. When codeRequired
// is false a data object without a code counts as success.
func decodeResult(op string, body []byte, out any, codeRequired bool) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return gatewayError(op, "unreadable response from ZarinPal", err)
	}

	if isObject(env.Data) {
		var rc resultCode
		if err := json.Unmarshal(env.Data, &rc); err != nil {
			return gatewayError(op, "unreadable response from ZarinPal", err)
		}
		switch {
		case isSuccessCode(rc.Code), rc.Code == 0 && !codeRequired:
			if out != nil {
				if err := json.Unmarshal(env.Data, out); err != nil {
					return gatewayError(op, "unexpected response shape from ZarinPal", err)
				}
			}
			return nil
		case rc.Code != 0:
			return rejectedError(op, rc.Code)
		}
	}

	if code := errorCode(env.Errors); code != 0 {
		return rejectedError(op, code)
	}
	return gatewayError(op, "ZarinPal response carried no result code", nil)
}

func errorCode(raw json.RawMessage) int {
	if !isObject(raw) {
		return 0
	}
	var rc resultCode
	if err := json.Unmarshal(raw, &rc); err != nil {
		return 0
	}
	return rc.Code
}

// translateCallError turns a resilient client failure into a PaymanError.
// Error bodies that carry a ZarinPal code are business rejections; everything
// else is a gateway problem.
func translateCallError(op string, err error) error {
	var callErr *resilience.CallError
	if errors.As(err, &callErr) && len(callErr.Body) > 0 && callErr.StatusCode >= 400 && callErr.StatusCode < 500 &&
		callErr.StatusCode != http.StatusTooManyRequests {
		var env envelope
		if json.Unmarshal(callErr.Body, &env) == nil {
			if code := errorCode(env.Errors); code != 0 {
				pe := rejectedError(op, code)
				pe.Err = err
				return pe
			}
			if isObject(env.Data) {
				var rc resultCode
				if json.Unmarshal(env.Data, &rc) == nil && rc.Code != 0 && !isSuccessCode(rc.Code) {
					pe := rejectedError(op, rc.Code)
					pe.Err = err
					return pe
				}
			}
		}
	}
	msg := "ZarinPal is unavailable"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		msg = "ZarinPal is temporarily unavailable, please retry later"
	case callErr != nil && callErr.Class.Category == resilience.CategoryRateLimited:
		msg = "ZarinPal rate limit reached, please retry later"
	}
	return gatewayError(op, msg, err)
}

func rejectedError(op string, code int) *adapter.PaymanError {
	return &adapter.PaymanError{Op: op, Code: code, Message: MessageForCode(code), Kind: adapter.KindRejected}
}

func gatewayError(op, msg string, err error) *adapter.PaymanError {
	return &adapter.PaymanError{Op: op, Message: msg, Kind: adapter.KindGateway, Err: err}
}
