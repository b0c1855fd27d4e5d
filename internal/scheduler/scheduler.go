package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs one poll cycle.
type TickFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	Interval        time.Duration
	FailureCooldown time.Duration
}

// Scheduler drives the polling loop: one tick immediately at start, then one
// per interval. A failed tick shortens the wait to the failure cooldown so a
// transient problem does not cost a full interval.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.FailureCooldown <= 0 {
		opts.FailureCooldown = time.Minute
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function until ctx is cancelled. Tick errors
// are logged, never propagated; a single bad cycle must not kill the process.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay := s.opts.Interval
		if err := tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Dur("cooldown", s.opts.FailureCooldown).Msg("tick execution failed")
			delay = s.opts.FailureCooldown
		}

		s.logger.Debug().Dur("delay", delay).Msg("waiting for next check")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
