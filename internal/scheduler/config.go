// Package scheduler runs operations off the caller's goroutine: per-owner FIFO
// lanes, a bounded worker pool, retries with backoff, cancellation and a
// polled per-owner outbox of outcomes.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// MaxWorkers is the maximum number of operations running across all owners.
	MaxWorkers int
	// ByKind defines per-kind concurrency limits. Kinds not listed are only
	// bounded by MaxWorkers.
	ByKind map[Kind]int

	// RetryMax is how many times a NetworkTransient failure is retried.
	RetryMax    int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OperationTimeout bounds one operation, retries included.
	OperationTimeout time.Duration
	// KindTimeouts overrides OperationTimeout for slow kinds.
	KindTimeouts map[Kind]time.Duration

	// OutcomeTTL is how long outcomes wait for their owner to drain them.
	// Zero means DefaultOutcomeTTL.
	OutcomeTTL time.Duration
}

// DefaultOutcomeTTL is far longer than any drain interval, so only owners
// that stopped polling lose outcomes.
const DefaultOutcomeTTL = 30 * time.Minute

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers: 4,
		ByKind: map[Kind]int{
			KindSync: 2,
			KindPull: 1,
		},
		RetryMax:         3,
		BackoffBase:      500 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		OperationTimeout: 30 * time.Second,
	}
}

// KindLimit returns the concurrency limit for a kind, or 0 when unlimited.
func (c *Config) KindLimit(kind Kind) int {
	if limit, ok := c.ByKind[kind]; ok && limit > 0 {
		return limit
	}
	return 0
}

// Timeout returns the deadline applied to an operation of kind.
func (c *Config) Timeout(kind Kind) time.Duration {
	if d, ok := c.KindTimeouts[kind]; ok && d > 0 {
		return d
	}
	return c.OperationTimeout
}

// ResultTTL returns how long undrained outcomes are kept.
func (c *Config) ResultTTL() time.Duration {
	if c.OutcomeTTL > 0 {
		return c.OutcomeTTL
	}
	return DefaultOutcomeTTL
}

// Backoff returns the retry policy described by c.
func (c *Config) Backoff() Backoff {
	return Backoff{Retries: c.RetryMax, Base: c.BackoffBase, Max: c.BackoffMax}
}
