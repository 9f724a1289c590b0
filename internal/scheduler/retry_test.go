package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Retries: 5, Base: 500 * time.Millisecond, Max: 5 * time.Second}
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoffDo(t *testing.T) {
	transient := errs.Transient("op", errors.New("reset"))

	t.Run("stops on success", func(t *testing.T) {
		calls := 0
		err := Backoff{Retries: 3, Base: time.Millisecond}.Do(context.Background(), func(context.Context) error {
			calls++
			if calls == 2 {
				return nil
			}
			return transient
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("zero retries runs once", func(t *testing.T) {
		calls := 0
		err := Backoff{}.Do(context.Background(), func(context.Context) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, errs.NetworkTransient)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancel interrupts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)

		start := time.Now()
		err := Backoff{Retries: 3, Base: time.Minute}.Do(ctx, func(context.Context) error { return transient })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}
