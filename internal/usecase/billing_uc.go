// File: internal/usecase/billing_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

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
	_ BillingUseCase      = (*billingUC)(nil)
	_ ports.BillingRunner = (*billingUC)(nil)
)

// BillingUseCase charges subscriptions against direct debit contracts.
type BillingUseCase interface {
	// Charge opens a payment for the subscription's current cycle and attempts it.
	Charge(ctx context.Context, subscriptionID string) (*model.Payment, error)
	// RetryDue attempts pending payments whose next retry is due.
	RetryDue(ctx context.Context, limit int) (int, error)
	// ChargeDue charges subscriptions whose next billing date has passed.
	ChargeDue(ctx context.Context, limit int) (int, error)
	Refund(ctx context.Context, paymentID, reason string) (*model.Payment, error)
}

type BillingOptions struct {
	MaxRetries     int           // total attempts per payment (default 3)
	RetryBaseDelay time.Duration // default 1h
	RetryMaxDelay  time.Duration // default 24h
	// AttemptLease is how long an in-flight attempt holds a payment before the
	// retry worker may pick it up again (default 15m).
	AttemptLease time.Duration
	CallbackURL  string
	Workers      int // batch fan-out (default 4)
	Clock        func() time.Time
}

type billingUC struct {
	subs     repository.SubscriptionRepository
	payments repository.PaymentRepository
	methods  repository.PaymentMethodRepository
	payman   adapter.PaymanGateway
	gateway  adapter.PaymentGateway
	events   *EventRecorder
	tm       repository.TransactionManager
	opts     BillingOptions
	log      *zerolog.Logger
}

func NewBillingUseCase(
	subs repository.SubscriptionRepository,
	payments repository.PaymentRepository,
	methods repository.PaymentMethodRepository,
	payman adapter.PaymanGateway,
	gateway adapter.PaymentGateway,
	events *EventRecorder,
	tm repository.TransactionManager,
	opts BillingOptions,
	logger *zerolog.Logger,
) *billingUC {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Hour
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 24 * time.Hour
	}
	if opts.AttemptLease <= 0 {
		opts.AttemptLease = 15 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := logger.With().Str("component", "BillingUseCase").Logger()
	return &billingUC{
		subs: subs, payments: payments, methods: methods,
		payman: payman, gateway: gateway, events: events, tm: tm,
		opts: opts, log: &l,
	}
}

func (u *billingUC) now() time.Time { return u.opts.Clock().UTC() }

func (u *billingUC) Charge(ctx context.Context, subscriptionID string) (*model.Payment, error) {
	sub, err := u.subs.FindByID(ctx, repository.NoTX, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := sub.Chargeable(); err != nil {
		return nil, fmt.Errorf("subscription %s is %s: %w: %w", sub.ID, sub.Status, err, domain.ErrInvalidArgument)
	}
	pm, err := u.methods.FindByID(ctx, repository.NoTX, sub.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if pm.UserID != sub.UserID {
		return nil, fmt.Errorf("payment method does not belong to subscriber: %w", domain.ErrInvalidArgument)
	}
	if err := pm.Chargeable(u.now()); err != nil {
		return nil, err
	}

	if open, err := u.payments.FindPendingBySubscription(ctx, repository.NoTX, sub.ID); err == nil {
		return open, fmt.Errorf("payment %s already pending: %w", open.ID, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	p := model.NewPendingPayment(sub, u.opts.MaxRetries, u.now())
	lease := p.CreatedAt.Add(u.opts.AttemptLease)
	p.NextRetryAt = &lease
	if err := u.payments.Insert(ctx, repository.NoTX, p); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("payment already pending: %w", domain.ErrConflict)
		}
		return nil, err
	}
	ctx = logging.WithPaymentMethodID(logging.WithUserID(ctx, sub.UserID), pm.ID)
	return u.attempt(ctx, p, sub, pm)
}

// attempt runs one charge of a pending payment and records the outcome.
// Gateway failures are absorbed into the payment state; only storage errors
// are returned.
func (u *billingUC) attempt(ctx context.Context, p *model.Payment, sub *model.Subscription, pm *model.PaymentMethod) (*model.Payment, error) {
	log := logging.With(ctx, u.log).With().Str("payment_id", p.ID).Int("attempt", p.RetryCount+1).Logger()

	if err := pm.Chargeable(u.now()); err != nil {
		// The contract went away between retries; no point in calling ZarinPal.
		return u.recordFailure(ctx, p, sub, err, true)
	}

	if p.ZarinpalAuthority != "" {
		// A kept authority means the last checkout had no definite answer. It
		// may have gone through, so ask before charging it again.
		refID, err := u.gateway.VerifyPayment(ctx, p.ZarinpalAuthority, p.AmountIRR)
		var pe *adapter.PaymanError
		switch {
		case err == nil:
			log.Info().Str("ref_id", refID).Msg("earlier checkout had settled")
			return u.recordSuccess(ctx, p, sub, pm, adapter.DirectTransaction{RefID: refID, Amount: p.AmountIRR}, true)
		case errors.As(err, &pe) && pe.Rejected():
			// Not settled; the same authority can be charged.
		default:
			log.Warn().Err(err).Msg("payment verification failed")
			return u.recordFailure(ctx, p, sub, err, false)
		}
	} else {
		desc := fmt.Sprintf("subscription %s cycle %d", sub.ID, sub.BillingCycleCount+1)
		authority, err := u.gateway.RequestPayment(ctx, p.AmountIRR, desc, u.opts.CallbackURL, map[string]string{
			"payment_id":      p.ID,
			"subscription_id": sub.ID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("payment authority request failed")
			return u.recordFailure(ctx, p, sub, err, false)
		}
		p.ZarinpalAuthority = authority
	}

	// Persist the authority under a fresh lease before checkout, so an attempt
	// that dies here is retried and verified rather than left pending.
	lease := u.now().Add(u.opts.AttemptLease)
	p.NextRetryAt = &lease
	p.UpdatedAt = u.now()
	if err := u.payments.Update(ctx, repository.NoTX, p); err != nil {
		return nil, err
	}

	tx, err := u.payman.ExecuteDirectTransaction(ctx, p.ZarinpalAuthority, pm.ContractSignature)
	if err != nil {
		log.Warn().Err(err).Msg("direct debit checkout failed")
		var pe *adapter.PaymanError
		if errors.As(err, &pe) && pe.Rejected() {
			// A rejected checkout consumes the authority.
			p.ZarinpalAuthority = ""
		}
		return u.recordFailure(ctx, p, sub, err, false)
	}
	return u.recordSuccess(ctx, p, sub, pm, tx, false)
}

// recordSuccess completes the payment. reconciled marks a charge found settled
// by verification rather than by a checkout of this attempt.
func (u *billingUC) recordSuccess(ctx context.Context, p *model.Payment, sub *model.Subscription, pm *model.PaymentMethod, dt adapter.DirectTransaction, reconciled bool) (*model.Payment, error) {
	now := u.now()
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p.Status = model.PaymentStatusCompleted
		p.ZarinpalRefID = dt.RefID
		if !reconciled {
			p.RetryCount++
		}
		p.NextRetryAt = nil
		p.FailureReason = ""
		p.PaidAt = &now
		p.UpdatedAt = now
		if err := u.payments.Update(ctx, tx, p); err != nil {
			return err
		}
		if err := u.methods.TouchLastUsed(ctx, tx, pm.ID, now); err != nil {
			return err
		}
		sub.AdvanceCycle(now)
		if err := u.subs.UpdateBilling(ctx, tx, sub); err != nil {
			return err
		}
		ev := model.NewBillingEvent(p.UserID, model.EventPaymentCompleted, model.SeverityInfo, "direct debit charge completed", now).
			ForPayment(p.ID).
			ForSubscription(sub.ID).
			ForPaymentMethod(pm.ID).
			With("ref_id", dt.RefID).
			With("amount", p.AmountIRR).
			With("attempt", p.RetryCount)
		if reconciled {
			ev.With("reconciled", true)
		}
		return u.events.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncCharge("completed")
	metrics.AddChargedAmount(p.AmountIRR)
	return p, nil
}

// recordFailure counts the attempt and either schedules a retry or fails the
// payment. terminal fails it immediately regardless of attempts left.
func (u *billingUC) recordFailure(ctx context.Context, p *model.Payment, sub *model.Subscription, cause error, terminal bool) (*model.Payment, error) {
	now := u.now()
	p.RetryCount++
	p.FailureReason = failureReason(cause)
	p.UpdatedAt = now
	sub.LastBillingAttempt = &now
	sub.UpdatedAt = now

	var ev *model.BillingEvent
	if terminal || p.RetryCount >= p.MaxRetries {
		p.Status = model.PaymentStatusFailed
		p.NextRetryAt = nil
		msg := "direct debit charge failed after all retries"
		if terminal {
			msg = "direct debit charge failed, contract no longer chargeable"
		}
		ev = model.NewBillingEvent(p.UserID, model.EventPaymentFailed, model.SeverityCritical, msg, now).
			With("attempts", p.RetryCount).
			With("reason", p.FailureReason)
	} else {
		next := now.Add(model.RetryDelay(p.RetryCount, u.opts.RetryBaseDelay, u.opts.RetryMaxDelay))
		p.NextRetryAt = &next
		ev = model.NewBillingEvent(p.UserID, model.EventPaymentRetryScheduled, model.SeverityWarning, "direct debit charge failed, retry scheduled", now).
			With("attempt", p.RetryCount).
			With("next_retry_at", next.Format(time.RFC3339)).
			With("reason", p.FailureReason)
	}
	ev.ForPayment(p.ID).ForSubscription(sub.ID).ForPaymentMethod(p.PaymentMethodID)
	var pe *adapter.PaymanError
	if errors.As(cause, &pe) && pe.Code != 0 {
		ev.With("code", pe.Code)
	}

	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.payments.Update(ctx, tx, p); err != nil {
			return err
		}
		if err := u.subs.UpdateBilling(ctx, tx, sub); err != nil {
			return err
		}
		return u.events.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	u.events.Committed(ev)
	if p.Status == model.PaymentStatusFailed {
		metrics.IncCharge("failed")
	} else {
		metrics.IncCharge("retry_scheduled")
	}
	return p, nil
}

// failureReason keeps gateway messages (already translated) and hides the rest.
func failureReason(err error) string {
	var pe *adapter.PaymanError
	switch {
	case errors.As(err, &pe):
		return pe.Message
	case errors.Is(err, domain.ErrSignatureMissing):
		return domain.ErrSignatureMissing.Error()
	case errors.Is(err, domain.ErrContractExpired):
		return domain.ErrContractExpired.Error()
	case errors.Is(err, domain.ErrContractNotActive):
		return domain.ErrContractNotActive.Error()
	default:
		return "internal error"
	}
}

func (u *billingUC) retry(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	sub, err := u.subs.FindByID(ctx, repository.NoTX, p.SubscriptionID)
	if err != nil {
		return nil, err
	}
	pm, err := u.methods.FindByID(ctx, repository.NoTX, p.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentMethodID(logging.WithUserID(ctx, p.UserID), pm.ID)
	return u.attempt(ctx, p, sub, pm)
}

// fanOut runs fn over items with at most opts.Workers in flight and counts
// the items that came back completed.
func fanOut[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T) (*model.Payment, error), onErr func(T, error)) int {
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, it := range items {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			p, err := fn(gctx, it)
			if err != nil {
				onErr(it, err)
				return nil
			}
			if p != nil && p.Status == model.PaymentStatusCompleted {
				done.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(done.Load())
}

func (u *billingUC) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := u.payments.ListDueRetries(ctx, repository.NoTX, u.now(), limit)
	if err != nil {
		return 0, err
	}
	n := fanOut(ctx, u.opts.Workers, due, u.retry, func(p *model.Payment, err error) {
		metrics.IncJobItem("payment_retry", "error")
		u.log.Error().Err(err).Str("payment_id", p.ID).Msg("retry failed")
	})
	return n, ctx.Err()
}

func (u *billingUC) ChargeDue(ctx context.Context, limit int) (int, error) {
	due, err := u.subs.ListDue(ctx, repository.NoTX, u.now(), limit)
	if err != nil {
		return 0, err
	}
	charge := func(ctx context.Context, s *model.Subscription) (*model.Payment, error) {
		failed, err := u.cycleFailed(ctx, s)
		if err != nil {
			return nil, err
		}
		if failed {
			metrics.IncJobItem("billing_cycle", "skipped")
			return nil, nil
		}
		return u.Charge(ctx, s.ID)
	}
	n := fanOut(ctx, u.opts.Workers, due, charge, func(s *model.Subscription, err error) {
		metrics.IncJobItem("billing_cycle", "error")
		u.log.Warn().Err(err).Str("subscription_id", s.ID).Msg("cycle charge not attempted")
	})
	return n, ctx.Err()
}

// cycleFailed reports whether the subscription's current cycle already has a
// payment that failed for good. Such a cycle waits for an operator; the
// billing worker does not open a new payment for it.
func (u *billingUC) cycleFailed(ctx context.Context, s *model.Subscription) (bool, error) {
	last, err := u.payments.FindLatestBySubscription(ctx, repository.NoTX, s.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return last.Status == model.PaymentStatusFailed && !last.CreatedAt.Before(s.NextBillingDate), nil
}

func (u *billingUC) Refund(ctx context.Context, paymentID, reason string) (*model.Payment, error) {
	p, err := u.payments.FindByID(ctx, repository.NoTX, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentStatusCompleted || p.ZarinpalRefID == "" {
		return nil, fmt.Errorf("payment is %s: %w: %w", p.Status, domain.ErrNotRefundable, domain.ErrInvalidArgument)
	}
	if reason == "" {
		reason = "customer request"
	}

	res, err := u.gateway.RefundPayment(ctx, p.ZarinpalRefID, p.AmountIRR, reason, adapter.RefundMethodCard, adapter.RefundReasonCustomerRequest)
	if err != nil {
		return nil, err
	}

	now := u.now()
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		cur, err := u.payments.FindByID(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.PaymentStatusCompleted {
			return fmt.Errorf("payment is %s: %w", cur.Status, domain.ErrConflict)
		}
		cur.Status = model.PaymentStatusRefunded
		cur.UpdatedAt = now
		if err := u.payments.Update(ctx, tx, cur); err != nil {
			return err
		}
		p = cur
		ev := model.NewBillingEvent(cur.UserID, model.EventPaymentRefunded, model.SeverityInfo, "direct debit charge refunded", now).
			ForPayment(cur.ID).
			ForSubscription(cur.SubscriptionID).
			With("refund_id", res.ID).
			With("refund_status", res.Status).
			With("reason", reason)
		return u.events.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncCharge("refunded")
	return p, nil
}
