package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"payman-billing/internal/domain/model"
	payAdapters "payman-billing/internal/infra/adapters/payment"
	pg "payman-billing/internal/infra/db/postgres"
	"payman-billing/internal/infra/resilience"
	"payman-billing/internal/usecase"
)

// recoveryHandlers builds one diagnostic per recovery action. A failed
// diagnostic is stored as a critical recovery.failed event.
func recoveryHandlers(pool *pgxpool.Pool, breakers *resilience.Registry, events *usecase.EventRecorder, logger *zerolog.Logger) map[resilience.RecoveryAction]resilience.RecoveryFunc {
	l := componentLogger(logger, "Recovery")

	report := func(action resilience.RecoveryAction, fn resilience.RecoveryFunc) resilience.RecoveryFunc {
		return func(ctx context.Context, c resilience.Classification, cause error) error {
			err := fn(ctx, c, cause)
			if err == nil {
				return nil
			}
			ev := model.NewBillingEvent("system", model.EventRecoveryFailed, model.SeverityCritical,
				fmt.Sprintf("recovery action %s failed: %v", action, err), time.Now().UTC())
			ev.Metadata["action"] = string(action)
			ev.Metadata["category"] = string(c.Category)
			if cause != nil {
				ev.Metadata["cause"] = cause.Error()
			}
			if rerr := events.Publish(ctx, ev); rerr != nil {
				l.Error().Err(rerr).Msg("recovery event not stored")
			}
			return err
		}
	}

	return map[resilience.RecoveryAction]resilience.RecoveryFunc{
		resilience.RecoveryRefreshAuthentication: report(resilience.RecoveryRefreshAuthentication,
			func(_ context.Context, _ resilience.Classification, cause error) error {
				// Merchant credentials are static; nothing can be refreshed in-process.
				return fmt.Errorf("zarinpal rejected merchant credentials: %w", cause)
			}),
		resilience.RecoveryCheckDatabaseConnection: report(resilience.RecoveryCheckDatabaseConnection,
			func(ctx context.Context, _ resilience.Classification, _ error) error {
				return pg.Ping(ctx, pool)
			}),
		resilience.RecoveryCheckZarinpalStatus: report(resilience.RecoveryCheckZarinpalStatus,
			func(_ context.Context, _ resilience.Classification, _ error) error {
				for _, b := range breakers.Snapshot() {
					if b.Service == payAdapters.ServiceName && b.State == resilience.StateOpen {
						return fmt.Errorf("zarinpal circuit open after %d failures", b.Failures)
					}
				}
				return nil
			}),
		resilience.RecoveryScaleResources: report(resilience.RecoveryScaleResources,
			func(_ context.Context, _ resilience.Classification, _ error) error {
				st := pool.Stat()
				l.Warn().
					Int32("acquired", st.AcquiredConns()).
					Int32("idle", st.IdleConns()).
					Int32("max", st.MaxConns()).
					Msg("resource pressure reported")
				return nil
			}),
	}
}
