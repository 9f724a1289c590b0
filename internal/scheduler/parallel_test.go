package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingHandler blocks until gate closes and records peak concurrency.
func trackingHandler(gate <-chan struct{}, current, peak *atomic.Int32) Handler {
	return func(ctx context.Context, op Operation) (any, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-gate:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestWorkerPoolRespectsMaxWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 3
	s := newTestScheduler(t, cfg)

	gate := make(chan struct{})
	var current, peak atomic.Int32
	s.Handle(KindFetch, trackingHandler(gate, &current, &peak))

	const owners = 10
	for i := 0; i < owners; i++ {
		submit(t, s, KindFetch, fmt.Sprintf("owner-%d", i), nil)
	}

	require.Eventually(t, func() bool {
		return s.Stats()["active_workers"].(int) == 3
	}, 5*time.Second, 5*time.Millisecond)

	// Give the pool a moment to exceed its limit if it were buggy.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, s.Stats()["active_workers"])

	close(gate)
	for i := 0; i < owners; i++ {
		out := collect(t, s, fmt.Sprintf("owner-%d", i), 1)[0]
		assert.Equal(t, StatusSucceeded, out.Status)
	}
	assert.EqualValues(t, 3, peak.Load())
}

func TestWorkerPoolRespectsKindLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 8
	cfg.ByKind = map[Kind]int{KindSync: 2}
	s := newTestScheduler(t, cfg)

	gate := make(chan struct{})
	var syncCurrent, syncPeak, fetchCurrent, fetchPeak atomic.Int32
	s.Handle(KindSync, trackingHandler(gate, &syncCurrent, &syncPeak))
	s.Handle(KindFetch, trackingHandler(gate, &fetchCurrent, &fetchPeak))

	for i := 0; i < 5; i++ {
		submit(t, s, KindSync, fmt.Sprintf("sync-%d", i), nil)
		submit(t, s, KindFetch, fmt.Sprintf("fetch-%d", i), nil)
	}

	require.Eventually(t, func() bool {
		return syncCurrent.Load() == 2 && fetchCurrent.Load() == 5
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	counts := s.Stats()["kind_counts"].(map[string]int)
	assert.Equal(t, 2, counts["sync"])
	assert.Equal(t, 5, counts["fetch"])

	close(gate)
	for i := 0; i < 5; i++ {
		collect(t, s, fmt.Sprintf("sync-%d", i), 1)
		collect(t, s, fmt.Sprintf("fetch-%d", i), 1)
	}
	assert.EqualValues(t, 2, syncPeak.Load())
}

func TestCancelWhileWaitingForWorkerSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	s := newTestScheduler(t, cfg)

	gate := make(chan struct{})
	var current, peak atomic.Int32
	s.Handle(KindFetch, trackingHandler(gate, &current, &peak))

	submit(t, s, KindFetch, "a", nil)
	waiting := submit(t, s, KindFetch, "b", nil)
	require.Eventually(t, func() bool { return current.Load() == 1 }, time.Second, time.Millisecond)

	require.True(t, s.Cancel(waiting.ID))
	out := collect(t, s, "b", 1)[0]
	assert.Equal(t, StatusCancelled, out.Status)

	close(gate)
	assert.Equal(t, StatusSucceeded, collect(t, s, "a", 1)[0].Status)
}
