package adapter

import (
	"context"
	"fmt"
	"time"
)

// Bank is a bank that supports Payman contract signing.
type Bank struct {
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	BankCode       string `json:"bank_code"`
	MaxDailyAmount int64  `json:"max_daily_amount"`
	MaxDailyCount  int    `json:"max_daily_count"`
}

// ContractRequest carries the terms sent to ZarinPal when requesting a contract.
type ContractRequest struct {
	Mobile          string
	NationalID      string // optional
	ExpireAt        time.Time
	MaxDailyCount   int
	MaxMonthlyCount int
	MaxAmount       int64 // Rials
	CallbackURL     string
}

type DirectTransaction struct {
	RefID  string
	Amount int64
}

type Confirmation struct {
	Code    int
	Message string
}

// PaymanGateway is the hex port for ZarinPal's direct debit (Payman) API.
type PaymanGateway interface {
	RequestContract(ctx context.Context, req ContractRequest) (paymanAuthority string, err error)
	BankList(ctx context.Context) ([]Bank, error)
	VerifyContract(ctx context.Context, paymanAuthority string) (signature string, err error)
	ExecuteDirectTransaction(ctx context.Context, authority, signature string) (DirectTransaction, error)
	CancelContract(ctx context.Context, signature string) (Confirmation, error)
	// SigningURL is pure formatting; it performs no I/O.
	SigningURL(paymanAuthority, bankCode string) string
}

type PaymanErrorKind string

const (
	// KindRejected is a business-rule rejection reported through the response code.
	KindRejected PaymanErrorKind = "rejected"
	// KindGateway is a transport or gateway failure (non-2xx, unreadable body, open circuit).
	KindGateway PaymanErrorKind = "gateway"
)

// PaymanError is returned by every PaymanGateway operation on failure.
// Message is always the translated text, never a raw code.
type PaymanError struct {
	Op      string
	Code    int
	Message string
	Kind    PaymanErrorKind
	Err     error
}

func (e *PaymanError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("zarinpal %s: %s (code %d)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("zarinpal %s: %s", e.Op, e.Message)
}

func (e *PaymanError) Unwrap() error { return e.Err }

func (e *PaymanError) Rejected() bool { return e.Kind == KindRejected }
