package adapter

import (
	"context"
	"time"
)

// --- Refund types (ZarinPal-compatible) ---

type RefundMethod string

const (
	RefundMethodPaya RefundMethod = "PAYA" // scheduled via PAYA
	RefundMethodCard RefundMethod = "CARD" // instant to card
)

type RefundReason string

const (
	RefundReasonCustomerRequest RefundReason = "CUSTOMER_REQUEST"
	RefundReasonDuplicate       RefundReason = "DUPLICATE_TRANSACTION"
	RefundReasonSuspicious      RefundReason = "SUSPICIOUS_TRANSACTION"
	RefundReasonOther           RefundReason = "OTHER"
)

// RefundResult captures a minimal, provider-agnostic result of a refund request.
type RefundResult struct {
	ID           string    // provider refund/transaction id
	Status       string    // provider status e.g. PENDING / DONE
	RefundAmount int64     // in minor units (IRR)
	RefundTime   time.Time // provider timestamp if available
}

// PaymentGateway covers the ordinary (non-contract) ZarinPal operations the
// direct debit flow depends on.
type PaymentGateway interface {
	// RequestPayment creates an ordinary payment authority; checkout charges against it.
	RequestPayment(ctx context.Context, amount int64, description, callbackURL string, meta map[string]string) (authority string, err error)

	// VerifyPayment reports whether the authority has been settled and returns
	// its ref id. An authority that was never paid is a rejected *PaymanError.
	VerifyPayment(ctx context.Context, authority string, amount int64) (refID string, err error)

	// RefundPayment refunds a settled transaction. sessionID is ZarinPal's transaction id (our ref id).
	RefundPayment(ctx context.Context, sessionID string, amount int64, description string, method RefundMethod, reason RefundReason) (RefundResult, error)
}
