package model

import (
	"time"

	"payman-billing/internal/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending  SubscriptionStatus = "pending"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

// Subscription is a recurring plan billed through a direct debit contract.
type Subscription struct {
	ID                string // UUID
	UserID            string // UUID
	ProductID         string
	PaymentMethodID   string
	Status            SubscriptionStatus
	AmountIRR         int64 // price snapshot per cycle, in Rials
	BillingPeriodDays int

	NextBillingDate    time.Time
	BillingCycleCount  int
	LastBillingAttempt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Chargeable reports whether a billing cycle may be charged for the subscription.
func (s *Subscription) Chargeable() error {
	if s.Status != SubscriptionStatusPending && s.Status != SubscriptionStatusActive {
		return domain.ErrNotChargeable
	}
	if s.AmountIRR <= 0 || s.PaymentMethodID == "" {
		return domain.ErrNotChargeable
	}
	return nil
}

// AdvanceCycle records a successful charge: the subscription becomes active
// and the next billing date moves forward by one period.
func (s *Subscription) AdvanceCycle(now time.Time) {
	period := time.Duration(s.BillingPeriodDays) * 24 * time.Hour
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	base := s.NextBillingDate
	if base.IsZero() || base.Before(now.Add(-period)) {
		base = now
	}
	s.NextBillingDate = base.Add(period)
	s.BillingCycleCount++
	s.Status = SubscriptionStatusActive
	s.LastBillingAttempt = &now
	s.UpdatedAt = now
}
