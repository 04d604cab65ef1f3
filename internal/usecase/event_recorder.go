// File: internal/usecase/event_recorder.go
package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/adapter"
	"payman-billing/internal/domain/ports/repository"
	"payman-billing/internal/infra/metrics"
	"payman-billing/internal/infra/worker"
)

// Dispatcher runs tasks in the background (worker.Pool).
type Dispatcher interface {
	Submit(task worker.Task) error
}

// EventRecorder appends billing events and pages operators on critical ones.
type EventRecorder struct {
	repo     repository.BillingEventRepository
	notifier adapter.AlertNotifier
	dispatch Dispatcher
	log      *zerolog.Logger
}

// NewEventRecorder accepts a nil notifier (no alerts) and a nil dispatcher
// (alerts are sent inline).
func NewEventRecorder(repo repository.BillingEventRepository, notifier adapter.AlertNotifier, dispatch Dispatcher, logger *zerolog.Logger) *EventRecorder {
	l := logger.With().Str("component", "EventRecorder").Logger()
	return &EventRecorder{repo: repo, notifier: notifier, dispatch: dispatch, log: &l}
}

// Record inserts ev using tx. It never alerts: inside a transaction the event
// only exists once the caller commits, so callers pass it to Committed after
// WithTx succeeds.
func (r *EventRecorder) Record(ctx context.Context, tx repository.Tx, ev *model.BillingEvent) error {
	err := r.repo.Insert(ctx, tx, ev)
	metrics.IncBillingEvent(string(ev.Type), string(ev.Severity))

	e := r.logEvent(ev.Severity).
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("user_id", ev.UserID)
	if ev.PaymentMethodID != nil {
		e = e.Str("payment_method_id", *ev.PaymentMethodID)
	}
	if ev.PaymentID != nil {
		e = e.Str("payment_id", *ev.PaymentID)
	}
	e.Msg(ev.Message)
	if err != nil {
		r.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("billing event not persisted")
	}
	return err
}

// Publish records ev outside any transaction and alerts on critical events.
// The alert still goes out when the insert fails, flagged as not persisted.
func (r *EventRecorder) Publish(ctx context.Context, ev *model.BillingEvent) error {
	err := r.Record(ctx, repository.NoTX, ev)
	if err != nil && ev.Severity == model.SeverityCritical {
		ev.With("persisted", false)
	}
	r.Committed(ev)
	return err
}

// Committed alerts on the critical events among evs. Call it only after the
// transaction that recorded them has committed.
func (r *EventRecorder) Committed(evs ...*model.BillingEvent) {
	for _, ev := range evs {
		if ev != nil && ev.Severity == model.SeverityCritical {
			r.alert(ev)
		}
	}
}

func (r *EventRecorder) logEvent(sev model.EventSeverity) *zerolog.Event {
	switch sev {
	case model.SeverityCritical, model.SeverityError:
		return r.log.Error()
	case model.SeverityWarning:
		return r.log.Warn()
	default:
		return r.log.Info()
	}
}

func (r *EventRecorder) alert(ev *model.BillingEvent) {
	if r.notifier == nil {
		return
	}
	task := func(ctx context.Context) error {
		nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.notifier.NotifyBillingEvent(nctx, ev); err != nil {
			r.log.Warn().Err(err).Str("event_id", ev.ID).Msg("alert delivery failed")
			return err
		}
		return nil
	}
	if r.dispatch == nil {
		_ = task(context.Background())
		return
	}
	if err := r.dispatch.Submit(task); err != nil {
		r.log.Warn().Err(err).Str("event_id", ev.ID).Msg("alert dropped")
	}
}
