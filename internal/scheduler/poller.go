package scheduler

import (
	"context"
	"time"

	"github.com/fentz26/myme/internal/logging"
	"github.com/rs/zerolog"
)

// DrainFunc fetches the pending outcomes of one owner.
type DrainFunc func(ctx context.Context) ([]Outcome, error)

// LocalDrain drains owner directly from s.
func LocalDrain(s *Scheduler, owner string) DrainFunc {
	return func(context.Context) ([]Outcome, error) {
		return s.Drain(owner), nil
	}
}

// Poller drains an owner on a fixed tick. Outcomes that Await does not
// return are kept and handed out by Backlog or the next Run batch.
type Poller struct {
	drain    DrainFunc
	interval time.Duration
	backlog  []Outcome
	logger   zerolog.Logger
}

// NewPoller returns a poller ticking every interval.
func NewPoller(interval time.Duration, drain DrainFunc) *Poller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Poller{drain: drain, interval: interval, logger: logging.Component("poller")}
}

// Run calls fn with every non-empty batch until ctx is done.
func (p *Poller) Run(ctx context.Context, fn func([]Outcome)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if batch := p.take(ctx); len(batch) > 0 {
			fn(batch)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Await polls until the outcome of operation id arrives.
func (p *Poller) Await(ctx context.Context, id uint64) (Outcome, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.backlog = append(p.backlog, p.fetch(ctx)...)
		for i, out := range p.backlog {
			if out.OperationID == id {
				p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
				return out, nil
			}
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Backlog returns and clears the outcomes Await skipped over.
func (p *Poller) Backlog() []Outcome {
	out := p.backlog
	p.backlog = nil
	return out
}

func (p *Poller) take(ctx context.Context) []Outcome {
	return append(p.Backlog(), p.fetch(ctx)...)
}

func (p *Poller) fetch(ctx context.Context) []Outcome {
	batch, err := p.drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("drain failed; retrying on next tick")
		}
		return nil
	}
	return batch
}
