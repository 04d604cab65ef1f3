package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookSource string

const (
	WebhookSourceCallback WebhookSource = "callback" // browser redirect after signing
	WebhookSourceWebhook  WebhookSource = "webhook"  // server-to-server notification
)

// WebhookEvent stores an inbound ZarinPal notification verbatim. Only the
// processing fields change, and only once.
type WebhookEvent struct {
	ID              string
	Provider        string
	Source          WebhookSource
	PaymanAuthority string
	Status          string
	Payload         json.RawMessage
	SignatureValid  bool
	Processed       bool
	ProcessedAt     *time.Time
	ProcessingError string
	CreatedAt       time.Time
}

func NewWebhookEvent(source WebhookSource, authority, status string, payload []byte, signatureValid bool, now time.Time) *WebhookEvent {
	if len(payload) == 0 || !json.Valid(payload) {
		payload, _ = json.Marshal(map[string]string{"payman_authority": authority, "status": status})
	}
	return &WebhookEvent{
		ID:              uuid.NewString(),
		Provider:        "zarinpal",
		Source:          source,
		PaymanAuthority: authority,
		Status:          status,
		Payload:         payload,
		SignatureValid:  signatureValid,
		CreatedAt:       now,
	}
}
