package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
	"github.com/rs/zerolog"
)

// opSeq hands out operation ids; ids are monotonic process-wide and so also
// per owner.
var opSeq atomic.Uint64

// lane is the FIFO queue of one owner. At most one goroutine drains it.
type lane struct {
	queue   []Operation
	running bool
}

// Scheduler manages operation dispatching and the worker pool.
type Scheduler struct {
	config   *Config
	cancels  *Registry
	outbox   *Outbox
	logger   zerolog.Logger
	now      func() time.Time
	base     context.Context
	shutdown context.CancelCauseFunc

	// Worker pool state
	sem     chan struct{}
	kindSem map[Kind]chan struct{}

	mu            sync.Mutex
	handlers      map[Kind]Handler
	stepRetried   map[Kind]bool
	lanes         map[string]*lane
	closed        bool
	activeWorkers int
	kindCounts    map[Kind]int
	totals        map[Status]int
	submitted     int

	wg sync.WaitGroup
}

// New creates a new scheduler.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 1
	}

	base, shutdown := context.WithCancelCause(context.Background())
	s := &Scheduler{
		config:      cfg,
		cancels:     NewRegistry(),
		logger:      logging.Component("scheduler"),
		now:         time.Now,
		base:        base,
		shutdown:    shutdown,
		sem:         make(chan struct{}, workers),
		kindSem:     make(map[Kind]chan struct{}),
		handlers:    make(map[Kind]Handler),
		stepRetried: make(map[Kind]bool),
		lanes:       make(map[string]*lane),
		kindCounts:  make(map[Kind]int),
		totals:      make(map[Status]int),
	}
	s.outbox = newOutbox(cfg.ResultTTL(), func() time.Time { return s.now() })
	for kind := range cfg.ByKind {
		if limit := cfg.KindLimit(kind); limit > 0 {
			s.kindSem[kind] = make(chan struct{}, limit)
		}
	}
	return s
}

// Handle registers the handler of kind, replacing any previous one.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
	delete(s.stepRetried, kind)
}

// HandleSteps registers a handler that retries its own remote steps with
// Backoff. The scheduler runs it once, so a failing step is never retried at
// two layers.
func (s *Scheduler) HandleSteps(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
	s.stepRetried[kind] = true
}

// Submit enqueues op on its owner's lane and returns immediately. The
// operation's outcome is later available through Drain.
func (s *Scheduler) Submit(op Operation) (Handle, error) {
	const opName = "scheduler.submit"
	if op.Owner == "" {
		return Handle{}, errs.Invalid(opName, "operation owner is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{}, errs.Invalid(opName, "scheduler is shutting down")
	}
	if _, ok := s.handlers[op.Kind]; !ok && op.Kind != KindCancel {
		s.mu.Unlock()
		return Handle{}, errs.Invalid(opName, "unknown operation kind %q", op.Kind)
	}

	op.ID = opSeq.Add(1)
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.now().UTC()
	}
	s.submitted++
	handle := Handle{ID: op.ID, Owner: op.Owner}

	if op.Kind == KindCancel {
		s.mu.Unlock()
		s.completeCancel(op)
		return handle, nil
	}

	s.cancels.Expect(op.ID)
	l, ok := s.lanes[op.Owner]
	if !ok {
		l = &lane{}
		s.lanes[op.Owner] = l
	}
	l.queue = append(l.queue, op)
	if !l.running {
		l.running = true
		s.wg.Add(1)
		go s.runLane(op.Owner, l)
	}
	s.mu.Unlock()

	s.logger.Debug().Uint64("op_id", op.ID).Str("owner", op.Owner).Str("kind", string(op.Kind)).Msg("submitted")
	return handle, nil
}

// Cancel requests cancellation of a queued or running operation. It reports
// whether the operation was still pending.
func (s *Scheduler) Cancel(id uint64) bool {
	ok := s.cancels.Cancel(id)
	if ok {
		s.logger.Debug().Uint64("op_id", id).Msg("cancel requested")
	}
	return ok
}

// Drain returns the owner's completed outcomes. It never blocks.
func (s *Scheduler) Drain(owner string) []Outcome {
	return s.outbox.Drain(owner)
}

// Changed is signalled whenever an outcome is published.
func (s *Scheduler) Changed() <-chan struct{} {
	return s.outbox.Changed()
}

// Backoff returns the retry policy used for operations, for callers that
// retry individual steps inside an operation.
func (s *Scheduler) Backoff() Backoff {
	return s.config.Backoff()
}

// completeCancel executes a KindCancel operation inline.
func (s *Scheduler) completeCancel(op Operation) {
	var p CancelPayload
	out := Outcome{OperationID: op.ID, Owner: op.Owner, Kind: op.Kind}
	if err := op.Decode(&p); err != nil {
		out.Status = StatusFailed
		out.Error = outcomeError(err)
	} else {
		out.Status = StatusSucceeded
		out.Data = map[string]any{
			"operation_id": p.OperationID,
			"cancelled":    s.Cancel(p.OperationID),
		}
	}
	s.publish(out)
}

// runLane executes the owner's operations one at a time.
func (s *Scheduler) runLane(owner string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(s.lanes, owner)
			s.mu.Unlock()
			return
		}
		op := l.queue[0]
		l.queue = l.queue[1:]
		s.mu.Unlock()

		s.execute(op)
	}
}

// execute runs one operation and publishes exactly one outcome for it.
func (s *Scheduler) execute(op Operation) {
	out := Outcome{OperationID: op.ID, Owner: op.Owner, Kind: op.Kind}
	defer func() { s.publish(out) }()

	tok := s.cancels.Register(s.base, op.ID)
	defer s.cancels.Release(op.ID)

	release, ok := s.acquire(tok, op.Kind)
	if !ok {
		out.Status, out.Reason = StatusCancelled, cancelReason(tok, nil)
		return
	}
	defer release()

	// Checkpoint: a cancel that raced the slot acquisition still wins.
	if tok.Cancelled() {
		out.Status, out.Reason = StatusCancelled, cancelReason(tok, nil)
		return
	}

	s.mu.Lock()
	h := s.handlers[op.Kind]
	retry := s.config.Backoff()
	if s.stepRetried[op.Kind] {
		retry.Retries = 0
	}
	s.mu.Unlock()

	ctx := logging.WithOperation(tok.Context(), op.ID, op.Owner)
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout(op.Kind))
	defer cancel()

	start := s.now()
	var data any
	err := retry.Do(ctx, func(ctx context.Context) error {
		d, err := s.invoke(ctx, h, op)
		data = d
		return err
	})

	switch {
	case err == nil:
		out.Status, out.Data = StatusSucceeded, data
	case errs.KindOf(err) == errs.KindCancelled:
		out.Status, out.Reason = StatusCancelled, cancelReason(tok, ctx)
	default:
		out.Status, out.Error = StatusFailed, outcomeError(err)
	}

	ev := s.logger.Info()
	if out.Status == StatusFailed {
		ev = s.logger.Warn().Err(err)
	}
	ev.Ctx(ctx).
		Str("kind", string(op.Kind)).
		Str("status", string(out.Status)).
		Str("reason", out.Reason).
		Dur("took", s.now().Sub(start)).
		Msg("operation finished")
}

// invoke runs h, turning a panic into an internal failure.
func (s *Scheduler) invoke(ctx context.Context, h Handler, op Operation) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.E(errs.KindInternal, string(op.Kind), "internal error", fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, op)
}

// acquire takes a kind slot and a worker slot. It gives up when tok is
// cancelled first.
func (s *Scheduler) acquire(tok *Token, kind Kind) (func(), bool) {
	kindSlot := s.kindSem[kind]
	if kindSlot != nil {
		select {
		case kindSlot <- struct{}{}:
		case <-tok.Done():
			return nil, false
		}
	}
	select {
	case s.sem <- struct{}{}:
	case <-tok.Done():
		if kindSlot != nil {
			<-kindSlot
		}
		return nil, false
	}

	s.mu.Lock()
	s.activeWorkers++
	s.kindCounts[kind]++
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.activeWorkers--
		s.kindCounts[kind]--
		s.mu.Unlock()
		<-s.sem
		if kindSlot != nil {
			<-kindSlot
		}
	}, true
}

func (s *Scheduler) publish(out Outcome) {
	out.CompletedAt = s.now().UTC()
	s.mu.Lock()
	s.totals[out.Status]++
	s.mu.Unlock()
	for owner, n := range s.outbox.publish(out) {
		s.logger.Warn().Str("owner", owner).Int("outcomes", n).Msg("dropped outcomes nobody drained")
	}
}

// Shutdown stops accepting operations, waits up to grace for queued and
// running ones, then cancels the rest and waits for their outcomes.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
		return
	case <-timer.C:
	}

	s.logger.Warn().Dur("grace", grace).Msg("grace period over; cancelling remaining operations")
	s.shutdown(ErrShutdown)
	<-done
	s.logger.Info().Msg("scheduler stopped")
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	kindCounts := make(map[string]int)
	for k, v := range s.kindCounts {
		if v > 0 {
			kindCounts[string(k)] = v
		}
	}
	queued := make(map[string]int)
	for owner, l := range s.lanes {
		if n := len(l.queue); n > 0 {
			queued[owner] = n
		}
	}

	return map[string]interface{}{
		"active_workers": s.activeWorkers,
		"max_workers":    cap(s.sem),
		"kind_counts":    kindCounts,
		"queued":         queued,
		"pending":        s.outbox.Pending(),
		"submitted":      s.submitted,
		"succeeded":      s.totals[StatusSucceeded],
		"failed":         s.totals[StatusFailed],
		"cancelled":      s.totals[StatusCancelled],
		"closed":         s.closed,
	}
}

func cancelReason(tok *Token, ctx context.Context) string {
	if tok.Cancelled() {
		if errors.Is(tok.Cause(), ErrShutdown) {
			return ReasonShutdown
		}
		return ReasonRequested
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonRequested
}

func outcomeError(err error) *OutcomeError {
	return &OutcomeError{Kind: errs.KindOf(err), Message: errs.Message(err)}
}
