// Package errs defines the error taxonomy shared by operations, providers and
// the store. Every failure that reaches an operation outcome is classified into
// a Kind, and carries a human readable message kept apart from that kind.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-checkable category of a failure.
type Kind string

const (
	// KindInternal is an unclassified failure.
	KindInternal Kind = "internal"
	// KindNetworkTransient failures are retried automatically.
	KindNetworkTransient Kind = "network_transient"
	// KindUnauthorized failures are never retried and reset the auth session.
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindCancelled    Kind = "cancelled"
	KindStore        Kind = "store"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, errs.Unauthorized)
// works regardless of Op and Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	NetworkTransient = &Error{Kind: KindNetworkTransient}
	Unauthorized     = &Error{Kind: KindUnauthorized}
	Conflict         = &Error{Kind: KindConflict}
	Validation       = &Error{Kind: KindValidation}
	Cancelled        = &Error{Kind: KindCancelled}
	Store            = &Error{Kind: KindStore}
)

// E builds a classified error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Transient wraps err as a retryable network failure.
func Transient(op string, err error) *Error {
	return E(KindNetworkTransient, op, "the service could not be reached, try again later", err)
}

// Unauth wraps err as an authentication rejection.
func Unauth(op, provider string, err error) *Error {
	return E(KindUnauthorized, op, fmt.Sprintf("sign in to %s again", provider), err)
}

// Invalid reports a caller-input problem.
func Invalid(op, format string, args ...any) *Error {
	return E(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

// StoreErr wraps a local persistence failure.
func StoreErr(op string, err error) *Error {
	return E(KindStore, op, "local data could not be saved", err)
}

// KindOf classifies err. Context cancellation and deadline expiry map to
// KindCancelled; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether the worker pool should retry err.
func Retryable(err error) bool {
	return KindOf(err) == KindNetworkTransient
}

// Message returns the text a view should show for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
