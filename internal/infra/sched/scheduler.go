package sched

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Runner is a long-lived background loop.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler starts a set of runners and stops them together.
type Scheduler struct {
	runners []Runner
	log     *zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *zerolog.Logger, runners ...Runner) *Scheduler {
	l := logger.With().Str("component", "Scheduler").Logger()
	return &Scheduler{runners: runners, log: &l}
}

// Start launches every runner in its own goroutine. Calling Start twice has no effect.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	for _, r := range s.runners {
		s.wg.Add(1)
		go func(r Runner) {
			defer s.wg.Done()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Str("runner", r.Name()).Msg("runner exited")
			}
		}(r)
	}
	s.log.Info().Int("runners", len(s.runners)).Msg("scheduler started")
}

// Stop cancels every runner and waits for them to return. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}
