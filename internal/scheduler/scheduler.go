package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrHalt, when wrapped by a tick error, stops Run.
var ErrHalt = errors.New("scheduler: halt requested")

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	ErrorBackoff time.Duration
	StartupDelay time.Duration
	// RunImmediately fires the first tick without waiting an interval.
	RunImmediately bool
}

// Scheduler drives periodic execution of the polling loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking tick at each interval until ctx is cancelled or a
// tick returns an error wrapping ErrHalt. A failed tick is followed by
// ErrorBackoff instead of the regular interval.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.nextTick(s.now())
	if s.opts.RunImmediately {
		next = s.now()
	}

	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			delay = 0
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}

		bucket := s.bucketStart(next)
		s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")

		err := tick(ctx, bucket)
		switch {
		case err == nil:
			next = s.advance(next)
		case errors.Is(err, ErrHalt):
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick requested halt")
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.logger.Error().Err(err).Time("bucket", bucket).Dur("backoff", s.opts.ErrorBackoff).Msg("tick execution failed")
			if s.opts.ErrorBackoff > 0 {
				next = s.now().Add(s.opts.ErrorBackoff)
			} else {
				next = s.advance(next)
			}
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// advance moves past next, skipping slots already missed.
func (s *Scheduler) advance(prev time.Time) time.Time {
	next := prev.Add(s.opts.Interval)
	if now := s.now(); next.Before(now) {
		return s.nextTick(now)
	}
	return next
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
