package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		MaxWorkers:       4,
		RetryMax:         3,
		BackoffBase:      time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
	}
}

func newTestScheduler(t *testing.T, cfg *Config) *Scheduler {
	t.Helper()
	s := New(cfg)
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func submit(t *testing.T, s *Scheduler, kind Kind, owner string, payload any) Handle {
	t.Helper()
	op, err := NewOperation(kind, owner, payload)
	require.NoError(t, err)
	h, err := s.Submit(op)
	require.NoError(t, err)
	return h
}

// collect drains owner until n outcomes have arrived.
func collect(t *testing.T, s *Scheduler, owner string, n int) []Outcome {
	t.Helper()
	var got []Outcome
	require.Eventually(t, func() bool {
		got = append(got, s.Drain(owner)...)
		return len(got) >= n
	}, 5*time.Second, 5*time.Millisecond)
	require.Len(t, got, n)
	return got
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubmit_PerOwnerFIFO(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	var mu sync.Mutex
	order := map[string][]int{}
	running := map[string]int{}
	var overlap atomic.Bool
	s.Handle(KindFetch, func(ctx context.Context, op Operation) (any, error) {
		var n int
		if err := op.Decode(&n); err != nil {
			return nil, err
		}
		mu.Lock()
		running[op.Owner]++
		if running[op.Owner] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		running[op.Owner]--
		order[op.Owner] = append(order[op.Owner], n)
		mu.Unlock()
		return n, nil
	})

	owners := []string{"board", "inbox", "calendar"}
	for i := 0; i < 15; i++ {
		for _, owner := range owners {
			submit(t, s, KindFetch, owner, i)
		}
	}

	for _, owner := range owners {
		outs := collect(t, s, owner, 15)
		for i, out := range outs {
			assert.Equal(t, StatusSucceeded, out.Status)
			assert.Equal(t, i, out.Data, "outcomes arrive in completion order")
			if i > 0 {
				assert.Greater(t, out.OperationID, outs[i-1].OperationID)
			}
		}
	}
	assert.False(t, overlap.Load(), "two operations of one owner overlapped")
	for _, owner := range owners {
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, order[owner])
	}
}

func TestSubmit_Rejects(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	s.Handle(KindFetch, func(context.Context, Operation) (any, error) { return nil, nil })

	_, err := s.Submit(Operation{Kind: KindFetch})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err), "owner is required")

	_, err = s.Submit(Operation{Kind: "teleport", Owner: "board"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	s.Shutdown(time.Second)
	_, err = s.Submit(Operation{Kind: KindFetch, Owner: "board"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestDrain_EmptyAndExactlyOnce(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	s.Handle(KindFetch, func(context.Context, Operation) (any, error) { return "ok", nil })

	empty := s.Drain("nobody")
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	h := submit(t, s, KindFetch, "board", nil)
	outs := collect(t, s, "board", 1)
	assert.Equal(t, h.ID, outs[0].OperationID)
	assert.Equal(t, "board", outs[0].Owner)
	assert.Equal(t, KindFetch, outs[0].Kind)
	assert.False(t, outs[0].CompletedAt.IsZero())

	assert.Empty(t, s.Drain("board"), "an outcome is delivered once")
}

func TestChanged_Coalesces(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	s.Handle(KindFetch, func(context.Context, Operation) (any, error) { return nil, nil })

	for i := 0; i < 5; i++ {
		submit(t, s, KindFetch, "board", nil)
	}
	collect(t, s, "board", 5)

	select {
	case <-s.Changed():
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
	select {
	case <-s.Changed():
		t.Fatal("notifications should coalesce")
	default:
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	var calls atomic.Int32
	s.Handle(KindSync, func(context.Context, Operation) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errs.Transient("github.list", errors.New("connection reset"))
		}
		return "synced", nil
	})

	submit(t, s, KindSync, "board", nil)
	out := collect(t, s, "board", 1)[0]
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, "synced", out.Data)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetry_GivesUpAfterRetryMax(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMax = 2
	s := newTestScheduler(t, cfg)
	var calls atomic.Int32
	s.Handle(KindSync, func(context.Context, Operation) (any, error) {
		calls.Add(1)
		return nil, errs.Transient("github.list", errors.New("502"))
	})

	submit(t, s, KindSync, "board", nil)
	out := collect(t, s, "board", 1)[0]
	assert.Equal(t, StatusFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, errs.KindNetworkTransient, out.Error.Kind)
	assert.NotEmpty(t, out.Error.Message)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetry_StepRetriedHandlerRunsOnce(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	var calls, steps atomic.Int32
	s.HandleSteps(KindSync, func(ctx context.Context, _ Operation) (any, error) {
		calls.Add(1)
		return nil, s.Backoff().Do(ctx, func(context.Context) error {
			steps.Add(1)
			return errs.Transient("github.list", errors.New("502"))
		})
	})

	submit(t, s, KindSync, "board", nil)
	out := collect(t, s, "board", 1)[0]
	assert.Equal(t, StatusFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, errs.KindNetworkTransient, out.Error.Kind)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 4, steps.Load(), "retry_max+1 attempts of the step")

	// Plain registration restores whole-operation retries.
	s.Handle(KindSync, func(context.Context, Operation) (any, error) {
		calls.Add(1)
		return nil, errs.Transient("github.list", errors.New("502"))
	})
	submit(t, s, KindSync, "board", nil)
	collect(t, s, "board", 1)
	assert.EqualValues(t, 5, calls.Load())
}

func TestRetry_NonTransientNotRetried(t *testing.T) {
	for _, kind := range []errs.Kind{errs.KindUnauthorized, errs.KindValidation, errs.KindStore, errs.KindConflict} {
		t.Run(string(kind), func(t *testing.T) {
			s := newTestScheduler(t, testConfig())
			var calls atomic.Int32
			s.Handle(KindUpdate, func(context.Context, Operation) (any, error) {
				calls.Add(1)
				return nil, errs.E(kind, "test", "nope", nil)
			})

			submit(t, s, KindUpdate, "board", nil)
			out := collect(t, s, "board", 1)[0]
			assert.Equal(t, StatusFailed, out.Status)
			assert.Equal(t, kind, out.Error.Kind)
			assert.Equal(t, "nope", out.Error.Message)
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestCancel_Running(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	started := make(chan struct{})
	s.Handle(KindPull, func(ctx context.Context, op Operation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h := submit(t, s, KindPull, "repos", nil)
	<-started
	assert.True(t, s.Cancel(h.ID))

	out := collect(t, s, "repos", 1)[0]
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, ReasonRequested, out.Reason)
	assert.Nil(t, out.Error)
	assert.False(t, s.Cancel(h.ID), "finished operations cannot be cancelled")
}

func TestCancel_QueuedOperationStillReports(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	gate := make(chan struct{})
	var ran sync.Map
	s.Handle(KindFetch, func(ctx context.Context, op Operation) (any, error) {
		ran.Store(op.ID, true)
		<-gate
		return nil, nil
	})

	first := submit(t, s, KindFetch, "board", nil)
	second := submit(t, s, KindFetch, "board", nil)
	assert.True(t, s.Cancel(second.ID))
	close(gate)

	outs := collect(t, s, "board", 2)
	assert.Equal(t, first.ID, outs[0].OperationID)
	assert.Equal(t, StatusSucceeded, outs[0].Status)
	assert.Equal(t, second.ID, outs[1].OperationID)
	assert.Equal(t, StatusCancelled, outs[1].Status)
	_, ok := ran.Load(second.ID)
	assert.False(t, ok, "a cancelled queued operation never runs")
}

func TestCancel_ViaCancelOperation(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	started := make(chan struct{})
	s.Handle(KindSync, func(ctx context.Context, op Operation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	target := submit(t, s, KindSync, "board", nil)
	<-started
	cancelOp := submit(t, s, KindCancel, "board", CancelPayload{OperationID: target.ID})

	outs := collect(t, s, "board", 2)
	byID := map[uint64]Outcome{outs[0].OperationID: outs[0], outs[1].OperationID: outs[1]}
	assert.Equal(t, StatusSucceeded, byID[cancelOp.ID].Status)
	assert.Equal(t, true, byID[cancelOp.ID].Data.(map[string]any)["cancelled"])
	assert.Equal(t, StatusCancelled, byID[target.ID].Status)
}

func TestCancel_SuccessAfterRacingCancelIsSucceeded(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	started := make(chan struct{})
	proceed := make(chan struct{})
	s.Handle(KindCreate, func(ctx context.Context, op Operation) (any, error) {
		close(started)
		<-proceed
		return "created", nil
	})

	h := submit(t, s, KindCreate, "board", nil)
	<-started
	s.Cancel(h.ID)
	close(proceed)

	out := collect(t, s, "board", 1)[0]
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, "created", out.Data)
}

// A cancel landing while the operation waits in backoff ends it without a
// partial store write.
func TestCancel_DuringBackoffLeavesStoreUntouched(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = time.Second
	s := newTestScheduler(t, cfg)

	var calls atomic.Int32
	pushRemote := func() error {
		calls.Add(1)
		return errs.Transient("github.create", errors.New("timeout"))
	}
	s.Handle(KindCreate, func(ctx context.Context, op Operation) (any, error) {
		if err := pushRemote(); err != nil {
			return nil, err
		}
		task := &models.Task{Title: "never", ProjectID: "p"}
		return task, st.CreateTask(ctx, task)
	})

	h := submit(t, s, KindCreate, "board", nil)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.True(t, s.Cancel(h.ID))

	start := time.Now()
	out := collect(t, s, "board", 1)[0]
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "backoff sleep observes the cancel")
	assert.EqualValues(t, 1, calls.Load())

	tasks, err := st.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTimeout_ReportsCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.OperationTimeout = 20 * time.Millisecond
	cfg.KindTimeouts = map[Kind]time.Duration{KindAuthenticate: time.Second}
	s := newTestScheduler(t, cfg)

	block := func(ctx context.Context, op Operation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.Handle(KindPull, block)
	s.Handle(KindAuthenticate, func(ctx context.Context, op Operation) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return "signed in", nil
		}
	})

	submit(t, s, KindPull, "repos", nil)
	out := collect(t, s, "repos", 1)[0]
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, ReasonTimeout, out.Reason)

	submit(t, s, KindAuthenticate, "auth", nil)
	out = collect(t, s, "auth", 1)[0]
	assert.Equal(t, StatusSucceeded, out.Status, "kind timeout overrides the default")
}

func TestHandlerPanicIsInternalFailure(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	s.Handle(KindMove, func(context.Context, Operation) (any, error) { panic("boom") })

	submit(t, s, KindMove, "board", nil)
	out := collect(t, s, "board", 1)[0]
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, errs.KindInternal, out.Error.Kind)
}

func TestShutdown_GraceLetsWorkFinish(t *testing.T) {
	s := New(testConfig())
	s.Handle(KindFetch, func(context.Context, Operation) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	})
	submit(t, s, KindFetch, "board", nil)
	submit(t, s, KindFetch, "board", nil)

	s.Shutdown(5 * time.Second)
	outs := s.Drain("board")
	require.Len(t, outs, 2)
	for _, out := range outs {
		assert.Equal(t, StatusSucceeded, out.Status)
	}
}

func TestShutdown_ForceCancelsRemainder(t *testing.T) {
	s := New(testConfig())
	s.Handle(KindPull, func(ctx context.Context, op Operation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	submit(t, s, KindPull, "repos", nil)
	submit(t, s, KindPull, "repos", nil)

	s.Shutdown(30 * time.Millisecond)
	outs := s.Drain("repos")
	require.Len(t, outs, 2, "every submitted operation reports once")
	for _, out := range outs {
		assert.Equal(t, StatusCancelled, out.Status)
		assert.Equal(t, ReasonShutdown, out.Reason)
	}
}

func TestStats(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	gate := make(chan struct{})
	s.Handle(KindFetch, func(context.Context, Operation) (any, error) {
		<-gate
		return nil, nil
	})

	submit(t, s, KindFetch, "board", nil)
	submit(t, s, KindFetch, "board", nil)
	require.Eventually(t, func() bool {
		return s.Stats()["active_workers"].(int) == 1
	}, time.Second, time.Millisecond)

	stats := s.Stats()
	assert.Equal(t, 4, stats["max_workers"])
	assert.Equal(t, 2, stats["submitted"])
	assert.Equal(t, map[string]int{"board": 1}, stats["queued"])
	assert.Equal(t, map[string]int{"fetch": 1}, stats["kind_counts"])

	close(gate)
	collect(t, s, "board", 2)
	assert.Equal(t, 2, s.Stats()["succeeded"])
}
