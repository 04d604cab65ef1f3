package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"payman-billing/internal/domain"
)

type ContractType string

const (
	ContractTypePending     ContractType = "pending_contract"
	ContractTypeDirectDebit ContractType = "direct_debit_contract"
)

type ContractStatus string

const (
	ContractStatusPendingSignature   ContractStatus = "pending_signature"
	ContractStatusActive             ContractStatus = "active"
	ContractStatusCancelledByUser    ContractStatus = "cancelled_by_user"
	ContractStatusVerificationFailed ContractStatus = "verification_failed"
	ContractStatusExpired            ContractStatus = "expired"
)

// contractTransitions is the complete set of allowed contract status changes.
var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusPendingSignature: {ContractStatusActive, ContractStatusVerificationFailed, ContractStatusExpired},
	ContractStatusActive:           {ContractStatusCancelledByUser, ContractStatusExpired},
}

func (s ContractStatus) Terminal() bool {
	return len(contractTransitions[s]) == 0
}

// PaymentMethod is one ZarinPal direct debit (Payman) contract owned by a user.
type PaymentMethod struct {
	ID     string // UUID
	UserID string // owner, immutable

	ContractType      ContractType
	ContractStatus    ContractStatus
	PaymanAuthority   string // issued by the contract request, set once
	ContractSignature string // issued by verification, set once on activation

	// Contract terms, immutable after creation.
	ContractMobile       string
	ContractNationalID   string
	ContractDurationDays int
	MaxDailyAmount       int64 // Rials
	MaxDailyCount        int
	MaxMonthlyCount      int

	IsPrimary bool
	IsActive  bool

	ContractExpiresAt  time.Time
	ContractVerifiedAt *time.Time
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ContractTerms are the caller-supplied limits of a new contract.
type ContractTerms struct {
	Mobile          string
	NationalID      string // optional
	ExpiresAt       time.Time
	MaxDailyCount   int
	MaxMonthlyCount int
	MaxAmount       int64 // Rials, per transaction ceiling
}

var (
	mobilePattern     = regexp.MustCompile(`^09\d{9}$`)
	nationalIDPattern = regexp.MustCompile(`^\d{10}$`)
)

// Validate checks the terms against now. Errors wrap domain.ErrInvalidArgument.
func (t ContractTerms) Validate(now time.Time) error {
	switch {
	case !mobilePattern.MatchString(t.Mobile):
		return fmt.Errorf("mobile must match 09XXXXXXXXX: %w", domain.ErrInvalidArgument)
	case t.NationalID != "" && !nationalIDPattern.MatchString(t.NationalID):
		return fmt.Errorf("national id must be 10 digits: %w", domain.ErrInvalidArgument)
	case t.MaxDailyCount <= 0:
		return fmt.Errorf("max daily count must be positive: %w", domain.ErrInvalidArgument)
	case t.MaxMonthlyCount <= 0:
		return fmt.Errorf("max monthly count must be positive: %w", domain.ErrInvalidArgument)
	case t.MaxMonthlyCount < t.MaxDailyCount:
		return fmt.Errorf("max monthly count must not be below the daily count: %w", domain.ErrInvalidArgument)
	case t.MaxAmount <= 0:
		return fmt.Errorf("max amount must be positive: %w", domain.ErrInvalidArgument)
	case !t.ExpiresAt.After(now):
		return fmt.Errorf("contract expiry must be in the future: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// NewPendingContract builds the record persisted right after ZarinPal accepted a contract request.
func NewPendingContract(userID, authority string, terms ContractTerms, now time.Time) (*PaymentMethod, error) {
	if userID == "" || authority == "" {
		return nil, domain.ErrInvalidArgument
	}
	days := int(terms.ExpiresAt.Sub(now).Hours() / 24)
	return &PaymentMethod{
		ID:                   uuid.NewString(),
		UserID:               userID,
		ContractType:         ContractTypePending,
		ContractStatus:       ContractStatusPendingSignature,
		PaymanAuthority:      authority,
		ContractMobile:       terms.Mobile,
		ContractNationalID:   terms.NationalID,
		ContractDurationDays: days,
		MaxDailyAmount:       terms.MaxAmount,
		MaxDailyCount:        terms.MaxDailyCount,
		MaxMonthlyCount:      terms.MaxMonthlyCount,
		ContractExpiresAt:    terms.ExpiresAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// CanTransition reports whether the status may move to `to`.
func (pm *PaymentMethod) CanTransition(to ContractStatus) bool {
	for _, s := range contractTransitions[pm.ContractStatus] {
		if s == to {
			return true
		}
	}
	return false
}

// IsExpired reports whether a non-terminal contract has run past its expiry.
func (pm *PaymentMethod) IsExpired(now time.Time) bool {
	return !pm.ContractStatus.Terminal() && !pm.ContractExpiresAt.IsZero() && !now.Before(pm.ContractExpiresAt)
}

// Chargeable returns nil when a direct debit may be executed against the contract.
func (pm *PaymentMethod) Chargeable(now time.Time) error {
	if pm.ContractSignature == "" {
		return fmt.Errorf("%w: %w", domain.ErrSignatureMissing, domain.ErrInvalidArgument)
	}
	if pm.ContractStatus != ContractStatusActive || !pm.IsActive {
		return fmt.Errorf("%w: %w", domain.ErrContractNotActive, domain.ErrInvalidArgument)
	}
	if pm.IsExpired(now) {
		return fmt.Errorf("%w: %w", domain.ErrContractExpired, domain.ErrInvalidArgument)
	}
	return nil
}
