// File: internal/usecase/contract_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"payman-billing/internal/domain"
	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/domain/ports/repository"
	ports "payman-billing/internal/domain/ports/usecase"
	"payman-billing/internal/infra/logging"
	"payman-billing/internal/infra/metrics"
)

// Compile-time checks
var (
	_ ContractUseCase          = (*contractUC)(nil)
	_ ports.ContractReconciler = (*contractUC)(nil)
)

// ContractUseCase owns the direct debit contract lifecycle.
type ContractUseCase interface {
	// Initiate requests a contract from ZarinPal and stores it as pending_signature.
	Initiate(ctx context.Context, userID string, terms model.ContractTerms) (*ContractInitiation, error)
	// Finalize completes signing for a callback or webhook. It is idempotent.
	Finalize(ctx context.Context, paymanAuthority, status string) (*model.PaymentMethod, error)
	// Cancel revokes an active contract owned by userID.
	Cancel(ctx context.Context, userID, paymentMethodID string) (*model.PaymentMethod, error)
	// Reconcile settles a stale pending contract whose callback never arrived.
	Reconcile(ctx context.Context, pm *model.PaymentMethod) (*model.PaymentMethod, error)
	ReconcilePending(ctx context.Context, olderThan time.Time, limit int) (int, error)
	ExpireOverdue(ctx context.Context, limit int) (int, error)
	List(ctx context.Context, userID string) ([]*model.PaymentMethod, error)
	Banks(ctx context.Context) ([]BankOption, error)
}

// BankOption is a signing bank plus its redirect. For a fresh contract
// SigningURL is complete; from Banks it still holds {payman_authority}.
type BankOption struct {
	adapter.Bank
	SigningURL string `json:"signing_url"`
}

type ContractInitiation struct {
	PaymentMethod      *model.PaymentMethod
	PaymanAuthority    string
	Banks              []BankOption
	SigningURLTemplate string
}

type ContractOptions struct {
	CallbackURL string
	Clock       func() time.Time
}

type contractUC struct {
	methods repository.PaymentMethodRepository
	gateway adapter.PaymanGateway
	events  *EventRecorder
	tm      repository.TransactionManager
	opts    ContractOptions
	log     *zerolog.Logger
}

func NewContractUseCase(
	methods repository.PaymentMethodRepository,
	gateway adapter.PaymanGateway,
	events *EventRecorder,
	tm repository.TransactionManager,
	opts ContractOptions,
	logger *zerolog.Logger,
) *contractUC {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := logger.With().Str("component", "ContractUseCase").Logger()
	return &contractUC{methods: methods, gateway: gateway, events: events, tm: tm, opts: opts, log: &l}
}

func (u *contractUC) now() time.Time { return u.opts.Clock().UTC() }

func (u *contractUC) Initiate(ctx context.Context, userID string, terms model.ContractTerms) (*ContractInitiation, error) {
	now := u.now()
	if userID == "" {
		return nil, fmt.Errorf("user id required: %w", domain.ErrInvalidArgument)
	}
	if err := terms.Validate(now); err != nil {
		return nil, err
	}

	authority, err := u.gateway.RequestContract(ctx, adapter.ContractRequest{
		Mobile:          terms.Mobile,
		NationalID:      terms.NationalID,
		ExpireAt:        terms.ExpiresAt,
		MaxDailyCount:   terms.MaxDailyCount,
		MaxMonthlyCount: terms.MaxMonthlyCount,
		MaxAmount:       terms.MaxAmount,
		CallbackURL:     u.opts.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	pm, err := model.NewPendingContract(userID, authority, terms, now)
	if err != nil {
		return nil, err
	}
	if err := u.methods.Insert(ctx, repository.NoTX, pm); err != nil {
		return nil, err
	}
	metrics.IncContractTransition("none", string(pm.ContractStatus))

	ev := model.NewBillingEvent(userID, model.EventContractRequested, model.SeverityInfo, "direct debit contract requested", now).
		ForPaymentMethod(pm.ID).
		With("payman_authority", authority).
		With("max_amount", terms.MaxAmount)
	_ = u.events.Publish(ctx, ev)

	out := &ContractInitiation{
		PaymentMethod:      pm,
		PaymanAuthority:    authority,
		SigningURLTemplate: u.gateway.SigningURL(authority, "{bank_code}"),
	}
	banks, err := u.gateway.BankList(ctx)
	if err != nil {
		logging.With(ctx, u.log).Warn().Err(err).Msg("bank list unavailable, returning template only")
		return out, nil
	}
	out.Banks = u.bankOptions(authority, banks)
	return out, nil
}

func (u *contractUC) bankOptions(authority string, banks []adapter.Bank) []BankOption {
	out := make([]BankOption, 0, len(banks))
	for _, b := range banks {
		out = append(out, BankOption{Bank: b, SigningURL: u.gateway.SigningURL(authority, b.BankCode)})
	}
	return out
}

func (u *contractUC) Banks(ctx context.Context) ([]BankOption, error) {
	banks, err := u.gateway.BankList(ctx)
	if err != nil {
		return nil, err
	}
	return u.bankOptions("{payman_authority}", banks), nil
}

// callbackOK reports whether ZarinPal says the user completed signing.
func callbackOK(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "OK", "SUCCESS", "100":
		return true
	}
	return false
}

func (u *contractUC) Finalize(ctx context.Context, paymanAuthority, status string) (pm *model.PaymentMethod, err error) {
	start := time.Now()
	result := "activated"
	defer func() {
		if err != nil {
			result = "error"
		}
		metrics.ObserveFinalize(result, time.Since(start))
	}()

	if paymanAuthority == "" {
		return nil, fmt.Errorf("payman authority required: %w", domain.ErrInvalidArgument)
	}
	pm, err = u.methods.FindByAuthority(ctx, repository.NoTX, paymanAuthority)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentMethodID(logging.WithUserID(ctx, pm.UserID), pm.ID)
	log := logging.With(ctx, u.log)

	switch {
	case pm.ContractStatus == model.ContractStatusActive:
		result = "duplicate"
		return pm, nil
	case pm.ContractStatus.Terminal():
		return pm, fmt.Errorf("contract is %s: %w", pm.ContractStatus, domain.ErrInvalidTransition)
	case pm.IsExpired(u.now()):
		result = "expired"
		expired, err := u.expire(ctx, pm)
		if err != nil {
			return nil, err
		}
		return expired, fmt.Errorf("%w: %w", domain.ErrContractExpired, domain.ErrInvalidTransition)
	}

	if !callbackOK(status) {
		result = "declined"
		log.Info().Str("status", status).Msg("user did not complete contract signing")
		return u.fail(ctx, pm, model.SeverityWarning, "contract signing not completed: "+status, nil)
	}

	sig, err := u.gateway.VerifyContract(ctx, paymanAuthority)
	if err != nil {
		var pe *adapter.PaymanError
		if errors.As(err, &pe) && pe.Rejected() {
			result = "rejected"
			return u.fail(ctx, pm, model.SeverityError, pe.Message, map[string]any{"code": pe.Code})
		}
		// Transient: stays pending_signature for the reconciler.
		log.Warn().Err(err).Msg("contract verification failed transiently")
		return nil, err
	}

	active, won, err := u.activate(ctx, pm.ID, sig)
	if err != nil {
		return nil, err
	}
	if !won {
		result = "duplicate"
	}
	return active, nil
}

// activate moves a pending contract to active inside one transaction and
// assigns primary when the user has no other active primary. won is false
// when another delivery activated the contract first.
func (u *contractUC) activate(ctx context.Context, id, signature string) (*model.PaymentMethod, bool, error) {
	var (
		out *model.PaymentMethod
		won bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		cur, err := u.methods.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.ContractStatus == model.ContractStatusActive {
			out = cur
			return nil
		}
		if !cur.CanTransition(model.ContractStatusActive) {
			return fmt.Errorf("contract is %s: %w", cur.ContractStatus, domain.ErrInvalidTransition)
		}

		actives, err := u.methods.ListByUserAndStatus(ctx, tx, cur.UserID, model.ContractStatusActive)
		if err != nil {
			return err
		}
		now := u.now()
		cur.ContractStatus = model.ContractStatusActive
		cur.ContractType = model.ContractTypeDirectDebit
		cur.ContractSignature = signature
		cur.ContractVerifiedAt = &now
		cur.IsActive = true
		cur.IsPrimary = !hasPrimary(actives, cur.ID)
		cur.UpdatedAt = now

		ok, err := u.methods.UpdateStatusIf(ctx, tx, cur, model.ContractStatusPendingSignature)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		won, out = true, cur

		ev := model.NewBillingEvent(cur.UserID, model.EventContractActivated, model.SeverityInfo, "direct debit contract activated", now).
			ForPaymentMethod(cur.ID).
			With("is_primary", cur.IsPrimary)
		return u.events.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		// Lost the compare-and-set to a concurrent delivery.
		cur, err := u.methods.FindByID(ctx, repository.NoTX, id)
		if err != nil {
			return nil, false, err
		}
		if cur.ContractStatus != model.ContractStatusActive {
			return cur, false, fmt.Errorf("contract is %s: %w", cur.ContractStatus, domain.ErrConflict)
		}
		return cur, false, nil
	}
	if won {
		metrics.IncContractTransition(string(model.ContractStatusPendingSignature), string(model.ContractStatusActive))
	}
	return out, won, nil
}

func hasPrimary(methods []*model.PaymentMethod, except string) bool {
	for _, m := range methods {
		if m.ID != except && m.IsActive && m.IsPrimary {
			return true
		}
	}
	return false
}

// fail marks a pending contract verification_failed. Losing the race to
// another transition is not an error; the fresh row is returned.
func (u *contractUC) fail(ctx context.Context, pm *model.PaymentMethod, sev model.EventSeverity, reason string, meta map[string]any) (*model.PaymentMethod, error) {
	return u.terminate(ctx, pm.ID, model.ContractStatusPendingSignature, model.ContractStatusVerificationFailed,
		model.EventContractVerificationFailed, sev, reason, meta)
}

// expire moves any non-terminal contract to expired.
func (u *contractUC) expire(ctx context.Context, pm *model.PaymentMethod) (*model.PaymentMethod, error) {
	sev := model.SeverityInfo
	if pm.ContractStatus == model.ContractStatusActive {
		sev = model.SeverityWarning
	}
	return u.terminate(ctx, pm.ID, pm.ContractStatus, model.ContractStatusExpired, model.EventContractExpired, sev,
		"direct debit contract expired", nil)
}

// terminate applies a transition into a terminal status from `from`, clears
// the active and primary flags and promotes another primary when needed.
func (u *contractUC) terminate(
	ctx context.Context,
	id string,
	from, to model.ContractStatus,
	typ model.BillingEventType,
	sev model.EventSeverity,
	reason string,
	meta map[string]any,
) (*model.PaymentMethod, error) {
	var (
		out *model.PaymentMethod
		ev  *model.BillingEvent
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		cur, err := u.methods.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		out = cur
		if cur.ContractStatus != from || !cur.CanTransition(to) {
			return nil
		}
		now := u.now()
		wasPrimary := cur.IsPrimary && cur.IsActive
		cur.ContractStatus = to
		cur.IsActive = false
		cur.IsPrimary = false
		cur.UpdatedAt = now

		ok, err := u.methods.UpdateStatusIf(ctx, tx, cur, from)
		if err != nil || !ok {
			return err
		}
		if wasPrimary {
			if err := u.promoteNext(ctx, tx, cur.UserID, cur.ID); err != nil {
				return err
			}
		}
		metrics.IncContractTransition(string(from), string(to))

		ev = model.NewBillingEvent(cur.UserID, typ, sev, reason, now).ForPaymentMethod(cur.ID).With("from", string(from))
		for k, v := range meta {
			ev.With(k, v)
		}
		return u.events.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	u.events.Committed(ev)
	return out, nil
}

// promoteNext makes the most recently verified remaining active method primary.
func (u *contractUC) promoteNext(ctx context.Context, tx repository.Tx, userID, except string) error {
	actives, err := u.methods.ListByUserAndStatus(ctx, tx, userID, model.ContractStatusActive)
	if err != nil {
		return err
	}
	for _, m := range actives {
		if m.ID == except || !m.IsActive {
			continue
		}
		return u.methods.SetPrimary(ctx, tx, m.ID, true)
	}
	return nil
}

func (u *contractUC) Cancel(ctx context.Context, userID, paymentMethodID string) (*model.PaymentMethod, error) {
	pm, err := u.methods.FindByID(ctx, repository.NoTX, paymentMethodID)
	if err != nil {
		return nil, err
	}
	if pm.UserID != userID {
		return nil, domain.ErrNotFound
	}
	ctx = logging.WithPaymentMethodID(ctx, pm.ID)
	if pm.IsExpired(u.now()) {
		if _, err := u.expire(ctx, pm); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrContractExpired, domain.ErrInvalidTransition)
	}
	if pm.ContractStatus != model.ContractStatusActive {
		return nil, fmt.Errorf("contract is %s: %w", pm.ContractStatus, domain.ErrInvalidTransition)
	}

	conf, err := u.gateway.CancelContract(ctx, pm.ContractSignature)
	if err != nil {
		return nil, err
	}

	var out *model.PaymentMethod
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		cur, err := u.methods.FindByID(ctx, tx, pm.ID)
		if err != nil {
			return err
		}
		if cur.ContractStatus != model.ContractStatusActive {
			return fmt.Errorf("contract is %s: %w", cur.ContractStatus, domain.ErrConflict)
		}
		now := u.now()
		wasPrimary := cur.IsPrimary
		cur.ContractStatus = model.ContractStatusCancelledByUser
		cur.IsActive = false
		cur.IsPrimary = false
		cur.UpdatedAt = now

		ok, err := u.methods.UpdateStatusIf(ctx, tx, cur, model.ContractStatusActive)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConflict
		}
		if wasPrimary {
			if err := u.promoteNext(ctx, tx, cur.UserID, cur.ID); err != nil {
				return err
			}
		}
		out = cur

		ev := model.NewBillingEvent(cur.UserID, model.EventContractCancelled, model.SeverityInfo, "direct debit contract cancelled by user", now).
			ForPaymentMethod(cur.ID).
			With("zarinpal_code", conf.Code)
		return u.events.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncContractTransition(string(model.ContractStatusActive), string(model.ContractStatusCancelledByUser))
	return out, nil
}

func (u *contractUC) Reconcile(ctx context.Context, pm *model.PaymentMethod) (*model.PaymentMethod, error) {
	if pm.ContractStatus != model.ContractStatusPendingSignature {
		return pm, nil
	}
	if pm.IsExpired(u.now()) {
		return u.expire(ctx, pm)
	}
	sig, err := u.gateway.VerifyContract(ctx, pm.PaymanAuthority)
	if err != nil {
		var pe *adapter.PaymanError
		if errors.As(err, &pe) && pe.Rejected() {
			// Never signed: the authority is dead.
			return u.terminate(ctx, pm.ID, model.ContractStatusPendingSignature, model.ContractStatusExpired,
				model.EventContractExpired, model.SeverityInfo, "unsigned contract abandoned: "+pe.Message, map[string]any{"code": pe.Code})
		}
		return nil, err
	}
	out, _, err := u.activate(ctx, pm.ID, sig)
	return out, err
}

func (u *contractUC) ReconcilePending(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	pending, err := u.methods.ListByStatusCreatedBefore(ctx, repository.NoTX, model.ContractStatusPendingSignature, olderThan, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, pm := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		out, err := u.Reconcile(ctx, pm)
		if err != nil {
			metrics.IncJobItem("contract_reconciler", "error")
			u.log.Warn().Err(err).Str("payment_method_id", pm.ID).Msg("reconcile failed")
			continue
		}
		if out != nil && out.ContractStatus != model.ContractStatusPendingSignature {
			metrics.IncJobItem("contract_reconciler", string(out.ContractStatus))
			done++
		}
	}
	return done, nil
}

func (u *contractUC) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := u.methods.ListExpired(ctx, repository.NoTX, u.now(), limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, pm := range overdue {
		out, err := u.expire(ctx, pm)
		if err != nil {
			u.log.Warn().Err(err).Str("payment_method_id", pm.ID).Msg("expire failed")
			continue
		}
		if out.ContractStatus == model.ContractStatusExpired {
			done++
		}
	}
	return done, nil
}

// List returns the user's methods, expiring overdue ones on the way.
func (u *contractUC) List(ctx context.Context, userID string) ([]*model.PaymentMethod, error) {
	list, err := u.methods.ListByUser(ctx, repository.NoTX, userID)
	if err != nil {
		return nil, err
	}
	now := u.now()
	changed := false
	for _, pm := range list {
		if pm.IsExpired(now) {
			if _, err := u.expire(ctx, pm); err != nil {
				return nil, err
			}
			changed = true
		}
	}
	if changed {
		return u.methods.ListByUser(ctx, repository.NoTX, userID)
	}
	return list, nil
}
