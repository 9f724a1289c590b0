package scheduler

import (
	"sync"
	"time"
)

// queue is one owner's undrained outcomes. since is when the oldest of them
// was published.
type queue struct {
	outcomes []Outcome
	since    time.Time
}

// Outbox holds published outcomes per owner until drained. Queues nobody
// drained for ttl are dropped; their owner is gone.
type Outbox struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	queues  map[string]*queue
	changed chan struct{}
}

func newOutbox(ttl time.Duration, now func() time.Time) *Outbox {
	return &Outbox{
		ttl:     ttl,
		now:     now,
		queues:  make(map[string]*queue),
		changed: make(chan struct{}, 1),
	}
}

func (o *Outbox) publish(out Outcome) (expired map[string]int) {
	now := o.now()
	o.mu.Lock()
	expired = o.expireLocked(now)
	q, ok := o.queues[out.Owner]
	if !ok {
		q = &queue{since: now}
		o.queues[out.Owner] = q
	}
	q.outcomes = append(q.outcomes, out)
	o.mu.Unlock()

	select {
	case o.changed <- struct{}{}:
	default:
	}
	return expired
}

// expireLocked drops stale queues and returns how many outcomes each lost.
// Must be called with mu held.
func (o *Outbox) expireLocked(now time.Time) map[string]int {
	if o.ttl <= 0 {
		return nil
	}
	var expired map[string]int
	for owner, q := range o.queues {
		if now.Sub(q.since) < o.ttl {
			continue
		}
		if expired == nil {
			expired = make(map[string]int)
		}
		expired[owner] = len(q.outcomes)
		delete(o.queues, owner)
	}
	return expired
}

// Drain returns and removes the owner's pending outcomes in completion
// order. It never blocks and returns an empty slice when nothing is pending.
func (o *Outbox) Drain(owner string) []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[owner]
	if !ok {
		return []Outcome{}
	}
	delete(o.queues, owner)
	return q.outcomes
}

// Pending returns the number of undrained outcomes per owner.
func (o *Outbox) Pending() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.queues))
	for owner, q := range o.queues {
		out[owner] = len(q.outcomes)
	}
	return out
}

// Changed is signalled after publishes. Signals coalesce, so a receiver must
// drain every owner it cares about.
func (o *Outbox) Changed() <-chan struct{} {
	return o.changed
}
