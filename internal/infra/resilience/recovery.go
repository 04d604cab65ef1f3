package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RecoveryAction names a best-effort diagnostic hook attached to a classification.
type RecoveryAction string

const (
	RecoveryRefreshAuthentication   RecoveryAction = "refresh_authentication"
	RecoveryCheckDatabaseConnection RecoveryAction = "check_database_connection"
	RecoveryCheckZarinpalStatus     RecoveryAction = "check_zarinpal_status"
	RecoveryScaleResources          RecoveryAction = "scale_resources"
)

// AllRecoveryActions lists every action a Recoverer must handle.
var AllRecoveryActions = []RecoveryAction{
	RecoveryRefreshAuthentication,
	RecoveryCheckDatabaseConnection,
	RecoveryCheckZarinpalStatus,
	RecoveryScaleResources,
}

type RecoveryFunc func(ctx context.Context, c Classification, cause error) error

// Recoverer dispatches recovery actions to their handlers. Handler failures are
// logged and swallowed; they never replace the original error.
type Recoverer struct {
	handlers map[RecoveryAction]RecoveryFunc
	timeout  time.Duration
	log      *zerolog.Logger
}

// NewRecoverer fails when any action in AllRecoveryActions has no handler.
func NewRecoverer(handlers map[RecoveryAction]RecoveryFunc, timeout time.Duration, logger *zerolog.Logger) (*Recoverer, error) {
	for _, a := range AllRecoveryActions {
		if handlers[a] == nil {
			return nil, fmt.Errorf("recovery: no handler for action %q", a)
		}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	l := logger.With().Str("component", "Recoverer").Logger()
	return &Recoverer{handlers: handlers, timeout: timeout, log: &l}, nil
}

// Run executes the handler for c.Recovery, if any.
func (r *Recoverer) Run(ctx context.Context, c Classification, cause error) {
	if r == nil || c.Recovery == "" {
		return
	}
	h, ok := r.handlers[c.Recovery]
	if !ok {
		r.log.Warn().Str("action", string(c.Recovery)).Msg("unknown recovery action")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("action", string(c.Recovery)).Interface("panic", p).Msg("recovery handler panicked")
		}
	}()

	if err := h(ctx, c, cause); err != nil {
		r.log.Error().Err(err).Str("action", string(c.Recovery)).Str("category", string(c.Category)).
			Msg("recovery action failed")
		return
	}
	r.log.Debug().Str("action", string(c.Recovery)).Msg("recovery action completed")
}
