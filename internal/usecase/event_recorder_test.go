//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"payman-billing/internal/domain/model"
	"payman-billing/internal/domain/ports/repository"
	"payman-billing/internal/infra/worker"
	"payman-billing/internal/usecase"
)

type captureDispatcher struct {
	tasks []worker.Task
}

func (c *captureDispatcher) Submit(task worker.Task) error {
	c.tasks = append(c.tasks, task)
	return nil
}

func TestEventRecorder_Record(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("only critical events are dispatched as alerts", func(t *testing.T) {
		repo := &MockBillingEventRepo{}
		notifier := &MockNotifier{}
		disp := &captureDispatcher{}
		rec := usecase.NewEventRecorder(repo, notifier, disp, newTestLogger())

		_ = rec.Publish(ctx, model.NewBillingEvent("u", model.EventPaymentCompleted, model.SeverityInfo, "ok", now))
		_ = rec.Publish(ctx, model.NewBillingEvent("u", model.EventPaymentFailed, model.SeverityCritical, "failed", now))

		if len(repo.Events) != 2 {
			t.Fatalf("stored %d events", len(repo.Events))
		}
		if len(disp.tasks) != 1 {
			t.Fatalf("dispatched %d alerts, want 1", len(disp.tasks))
		}
		if err := disp.tasks[0](ctx); err != nil {
			t.Fatal(err)
		}
		if len(notifier.Sent) != 1 || notifier.Sent[0].Type != model.EventPaymentFailed {
			t.Errorf("sent = %+v", notifier.Sent)
		}
	})

	t.Run("alert is still sent when the insert fails", func(t *testing.T) {
		boom := errors.New("db down")
		repo := &MockBillingEventRepo{InsertFunc: func(context.Context, repository.Tx, *model.BillingEvent) error { return boom }}
		notifier := &MockNotifier{}
		rec := usecase.NewEventRecorder(repo, notifier, nil, newTestLogger())

		err := rec.Publish(ctx, model.NewBillingEvent("u", model.EventPaymentFailed, model.SeverityCritical, "failed", now))

		if !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
		if len(notifier.Sent) != 1 {
			t.Fatalf("alerts = %d, want 1", len(notifier.Sent))
		}
		if notifier.Sent[0].Metadata["persisted"] != false {
			t.Errorf("alert not flagged as unpersisted: %+v", notifier.Sent[0].Metadata)
		}
	})

	t.Run("events recorded in a transaction alert only once committed", func(t *testing.T) {
		repo := &MockBillingEventRepo{}
		notifier := &MockNotifier{}
		rec := usecase.NewEventRecorder(repo, notifier, nil, newTestLogger())
		ev := model.NewBillingEvent("u", model.EventPaymentFailed, model.SeverityCritical, "failed", now)

		if err := rec.Record(ctx, nil, ev); err != nil {
			t.Fatal(err)
		}
		if len(notifier.Sent) != 0 {
			t.Fatalf("alerted before commit: %d", len(notifier.Sent))
		}

		rec.Committed(ev, nil, model.NewBillingEvent("u", model.EventPaymentCompleted, model.SeverityInfo, "ok", now))

		if len(notifier.Sent) != 1 || notifier.Sent[0].ID != ev.ID {
			t.Errorf("sent = %+v", notifier.Sent)
		}
	})
}
