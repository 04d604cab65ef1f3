package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"payman-billing/internal/domain"
	"payman-billing/internal/infra/metrics"
	red "payman-billing/internal/infra/redis"
)

// RunFunc performs one pass of a job and reports how many items it handled.
type RunFunc func(ctx context.Context) (int, error)

// Job runs a RunFunc on a fixed interval. When a Locker is set, a pass only
// runs on the replica that holds the job lock.
type Job struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      RunFunc
	locker   red.Locker
	log      *zerolog.Logger
}

func NewJob(name string, interval time.Duration, run RunFunc, locker red.Locker, logger *zerolog.Logger) *Job {
	if interval <= 0 {
		interval = time.Minute
	}
	l := logger.With().Str("component", "Job").Str("job", name).Logger()
	return &Job{
		name:     name,
		interval: interval,
		// A pass may not outlive its slot, otherwise ticks pile up.
		timeout: interval,
		run:     run,
		locker:  locker,
		log:     &l,
	}
}

func (j *Job) Name() string { return j.name }

// Run executes one pass immediately and then one per tick until ctx is done.
func (j *Job) Run(ctx context.Context) error {
	j.log.Info().Dur("interval", j.interval).Msg("starting job")
	j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("stopping job")
			return ctx.Err()
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single locked pass.
func (j *Job) RunOnce(ctx context.Context) {
	if j.locker != nil {
		key := red.JobLockKey(j.name)
		token, err := j.locker.TryLock(ctx, key, j.timeout)
		if errors.Is(err, domain.ErrConflict) {
			metrics.IncJobRun(j.name, "skipped")
			j.log.Debug().Msg("job lock held elsewhere")
			return
		}
		if err != nil {
			metrics.IncJobRun(j.name, "error")
			j.log.Error().Err(err).Msg("job lock failed")
			return
		}
		defer func() {
			// ctx may already be cancelled on shutdown.
			uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := j.locker.Unlock(uctx, key, token); err != nil {
				j.log.Warn().Err(err).Msg("job unlock failed")
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	start := time.Now()
	n, err := j.run(runCtx)
	if err != nil {
		metrics.IncJobRun(j.name, "error")
		j.log.Error().Err(err).Int("count", n).Msg("job pass failed")
		return
	}
	metrics.IncJobRun(j.name, "ok")
	if n > 0 {
		j.log.Info().Int("count", n).Dur("took", time.Since(start)).Msg("job pass finished")
	}
}
