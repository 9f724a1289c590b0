package scheduler

import (
	"context"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
)

// Backoff retries NetworkTransient failures with exponential delays.
type Backoff struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry number attempt (0-based):
// Base·2^attempt capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Do runs fn, retrying it while it fails with a retryable error. Waits
// between attempts end early when ctx is cancelled, and the context error is
// returned.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	logger := logging.Component("scheduler")
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errs.Retryable(err) || attempt >= b.Retries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.Delay(attempt)
		logger.Debug().Ctx(ctx).Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
