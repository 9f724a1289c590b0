package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Cancel(1), "unknown ids are not cancellable")

	tok := r.Register(context.Background(), 1)
	assert.False(t, tok.Cancelled())
	assert.Equal(t, 1, r.Active())

	assert.True(t, r.Cancel(1))
	assert.True(t, tok.Cancelled())
	assert.ErrorIs(t, tok.Cause(), ErrCancelRequested)
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.Error(t, tok.Context().Err())

	r.Release(1)
	assert.Zero(t, r.Active())
	assert.False(t, r.Cancel(1))
}

func TestRegistry_CancelBeforeRegister(t *testing.T) {
	r := NewRegistry()
	r.Expect(7)
	assert.True(t, r.Cancel(7))

	tok := r.Register(context.Background(), 7)
	assert.True(t, tok.Cancelled(), "a queued cancel is applied on register")
	r.Release(7)
}

func TestRegistry_ParentCancellationPropagates(t *testing.T) {
	r := NewRegistry()
	parent, cancel := context.WithCancelCause(context.Background())
	tok := r.Register(parent, 3)

	cancel(ErrShutdown)
	assert.True(t, tok.Cancelled())
	assert.ErrorIs(t, tok.Cause(), ErrShutdown)
	r.Release(3)
}
