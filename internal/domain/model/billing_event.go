package model

import (
	"time"

	"github.com/google/uuid"
)

type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

type BillingEventType string

const (
	EventContractRequested          BillingEventType = "contract.requested"
	EventContractActivated          BillingEventType = "contract.activated"
	EventContractVerificationFailed BillingEventType = "contract.verification_failed"
	EventContractCancelled          BillingEventType = "contract.cancelled"
	EventContractExpired            BillingEventType = "contract.expired"
	EventPaymentCompleted           BillingEventType = "payment.completed"
	EventPaymentRetryScheduled      BillingEventType = "payment.retry_scheduled"
	EventPaymentFailed              BillingEventType = "payment.failed"
	EventPaymentRefunded            BillingEventType = "payment.refunded"
	EventRecoveryFailed             BillingEventType = "recovery.failed"
)

// BillingEvent is an append-only audit record. It is never updated or deleted.
type BillingEvent struct {
	ID              string
	UserID          string
	SubscriptionID  *string
	PaymentID       *string
	PaymentMethodID *string
	Type            BillingEventType
	Severity        EventSeverity
	Message         string
	Metadata        map[string]any
	CreatedAt       time.Time
}

func NewBillingEvent(userID string, typ BillingEventType, sev EventSeverity, msg string, now time.Time) *BillingEvent {
	return &BillingEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Severity:  sev,
		Message:   msg,
		Metadata:  map[string]any{},
		CreatedAt: now,
	}
}

func (e *BillingEvent) ForPaymentMethod(id string) *BillingEvent {
	e.PaymentMethodID = &id
	return e
}

func (e *BillingEvent) ForSubscription(id string) *BillingEvent {
	e.SubscriptionID = &id
	return e
}

func (e *BillingEvent) ForPayment(id string) *BillingEvent {
	e.PaymentID = &id
	return e
}

func (e *BillingEvent) With(key string, value any) *BillingEvent {
	e.Metadata[key] = value
	return e
}
