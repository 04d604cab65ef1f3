package model

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // created, charge outstanding or scheduled for retry
	PaymentStatusCompleted PaymentStatus = "completed" // direct debit succeeded
	PaymentStatusFailed    PaymentStatus = "failed"    // retries exhausted
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCanceled  PaymentStatus = "canceled"
)

// Payment is one direct debit charge for a subscription cycle, including its retries.
type Payment struct {
	ID                string // UUID
	UserID            string
	SubscriptionID    string
	PaymentMethodID   string
	AmountIRR         int64 // stored in Rials (integer), to avoid float errors
	Status            PaymentStatus
	ZarinpalAuthority string // ordinary payment authority used by checkout
	ZarinpalRefID     string // reference id returned on success
	RetryCount        int
	MaxRetries        int
	NextRetryAt       *time.Time
	FailureReason     string
	PaidAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func NewPendingPayment(sub *Subscription, maxRetries int, now time.Time) *Payment {
	return &Payment{
		ID:              uuid.NewString(),
		UserID:          sub.UserID,
		SubscriptionID:  sub.ID,
		PaymentMethodID: sub.PaymentMethodID,
		AmountIRR:       sub.AmountIRR,
		Status:          PaymentStatusPending,
		MaxRetries:      maxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// RetryDelay is base * 2^(n-1) for the n-th retry, capped at ceiling.
func RetryDelay(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
