package scheduler

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCancelRequested is the cause of a cancel issued through Cancel.
	ErrCancelRequested = errors.New("cancel requested")
	// ErrShutdown is the cause of cancels issued when shutdown grace runs out.
	ErrShutdown = errors.New("scheduler shut down")
)

// Token is the cancellation handle of one running operation.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool { return t.ctx.Err() != nil }

// Done is closed on cancellation.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context returns a context cancelled together with the token.
func (t *Token) Context() context.Context { return t.ctx }

// Cause returns why the token was cancelled, or nil.
func (t *Token) Cause() error { return context.Cause(t.ctx) }

// Registry tracks the tokens of running operations. Cancels aimed at
// operations that are still queued are remembered until they register.
type Registry struct {
	mu       sync.Mutex
	tokens   map[uint64]*Token
	expected map[uint64]error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tokens:   make(map[uint64]*Token),
		expected: make(map[uint64]error),
	}
}

// Expect records that id is queued and may be cancelled before it starts.
func (r *Registry) Expect(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.expected[id]; !ok {
		r.expected[id] = nil
	}
}

// Register creates the token of id. A cancel received while id was queued
// cancels the token right away.
func (r *Registry) Register(parent context.Context, id uint64) *Token {
	tok := newToken(parent)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cause := r.expected[id]; cause != nil {
		tok.cancel(cause)
	}
	delete(r.expected, id)
	r.tokens[id] = tok
	return tok
}

// Cancel requests cancellation of id. It returns false when id is neither
// queued nor running.
func (r *Registry) Cancel(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[id]; ok {
		tok.cancel(ErrCancelRequested)
		return true
	}
	if _, ok := r.expected[id]; ok {
		r.expected[id] = ErrCancelRequested
		return true
	}
	return false
}

// Release forgets id and frees its token.
func (r *Registry) Release(id uint64) {
	r.mu.Lock()
	tok, ok := r.tokens[id]
	delete(r.tokens, id)
	delete(r.expected, id)
	r.mu.Unlock()
	if ok {
		tok.cancel(nil)
	}
}

// Active returns the number of registered tokens.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
