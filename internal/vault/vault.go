// Package vault stores provider secrets. The sync engine never reads secret
// bytes itself; only the auth manager goes through a Vault.
package vault

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("vault closed")

// Vault is opaque, per-provider secret storage.
type Vault interface {
	Store(provider string, secret []byte) error
	// Load returns ok=false when no secret is stored for provider.
	Load(provider string) (secret []byte, ok bool, err error)
	// Delete is a no-op for an absent provider.
	Delete(provider string) error
	Close() error
}

// Error is a vault failure tagged with the backend operation.
type Error struct {
	Op       string
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vault %s %s: %v", e.Op, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var providerName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func checkProvider(op, provider string) error {
	if !providerName.MatchString(provider) {
		return &Error{Op: op, Provider: provider, Err: fmt.Errorf("invalid provider name")}
	}
	return nil
}
