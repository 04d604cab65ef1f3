//go:build !integration

package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payman-billing/internal/infra/resilience"
)

func allHandlers(fn resilience.RecoveryFunc) map[resilience.RecoveryAction]resilience.RecoveryFunc {
	m := make(map[resilience.RecoveryAction]resilience.RecoveryFunc, len(resilience.AllRecoveryActions))
	for _, a := range resilience.AllRecoveryActions {
		m[a] = fn
	}
	return m
}

func TestNewRecoverer(t *testing.T) {
	t.Run("should reject a handler set missing an action", func(t *testing.T) {
		handlers := allHandlers(func(context.Context, resilience.Classification, error) error { return nil })
		delete(handlers, resilience.RecoveryScaleResources)

		r, err := resilience.NewRecoverer(handlers, time.Second, newTestLogger())

		assert.Nil(t, r)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scale_resources")
	})

	t.Run("should accept a complete handler set", func(t *testing.T) {
		r, err := resilience.NewRecoverer(allHandlers(func(context.Context, resilience.Classification, error) error { return nil }), 0, newTestLogger())

		require.NoError(t, err)
		assert.NotNil(t, r)
	})
}

func TestRecoverer_Run(t *testing.T) {
	t.Run("should dispatch to the matching handler with a deadline", func(t *testing.T) {
		var gotAction resilience.RecoveryAction
		var hadDeadline bool
		r, err := resilience.NewRecoverer(allHandlers(func(ctx context.Context, c resilience.Classification, _ error) error {
			gotAction = c.Recovery
			_, hadDeadline = ctx.Deadline()
			return nil
		}), time.Second, newTestLogger())
		require.NoError(t, err)

		r.Run(context.Background(), resilience.Classification{Recovery: resilience.RecoveryCheckDatabaseConnection}, errors.New("db down"))

		assert.Equal(t, resilience.RecoveryCheckDatabaseConnection, gotAction)
		assert.True(t, hadDeadline)
	})

	t.Run("should skip classifications without an action", func(t *testing.T) {
		calls := 0
		r, err := resilience.NewRecoverer(allHandlers(func(context.Context, resilience.Classification, error) error {
			calls++
			return nil
		}), time.Second, newTestLogger())
		require.NoError(t, err)

		r.Run(context.Background(), resilience.Classification{Category: resilience.CategoryValidation}, errors.New("bad input"))

		assert.Equal(t, 0, calls)
	})

	t.Run("should swallow handler errors and panics", func(t *testing.T) {
		r, err := resilience.NewRecoverer(allHandlers(func(context.Context, resilience.Classification, error) error {
			panic("probe crashed")
		}), time.Second, newTestLogger())
		require.NoError(t, err)

		assert.NotPanics(t, func() {
			r.Run(context.Background(), resilience.Classification{Recovery: resilience.RecoveryScaleResources}, errors.New("oom"))
		})
	})

	t.Run("should run even when the caller context is already cancelled", func(t *testing.T) {
		ran := false
		r, err := resilience.NewRecoverer(allHandlers(func(ctx context.Context, _ resilience.Classification, _ error) error {
			ran = ctx.Err() == nil
			return nil
		}), time.Second, newTestLogger())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r.Run(ctx, resilience.Classification{Recovery: resilience.RecoveryRefreshAuthentication}, errors.New("401"))

		assert.True(t, ran)
	})

	t.Run("should be a no-op on a nil recoverer", func(t *testing.T) {
		var r *resilience.Recoverer
		assert.NotPanics(t, func() {
			r.Run(context.Background(), resilience.Classification{Recovery: resilience.RecoveryScaleResources}, nil)
		})
	})
}
