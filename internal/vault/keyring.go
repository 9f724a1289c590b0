package vault

import (
	"encoding/base64"
	"errors"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service name entries are filed under.
const KeyringService = "myme"

// Keyring stores secrets in the OS keyring (Secret Service, macOS Keychain,
// Windows Credential Manager).
type Keyring struct {
	service string
	mu      sync.Mutex
	closed  bool
}

func NewKeyring(service string) *Keyring {
	if service == "" {
		service = KeyringService
	}
	return &Keyring{service: service}
}

func (k *Keyring) Store(provider string, secret []byte) error {
	if err := checkProvider("store", provider); err != nil {
		return err
	}
	if k.isClosed() {
		return ErrClosed
	}
	// Keyring values are strings; base64 keeps arbitrary bytes intact.
	if err := keyring.Set(k.service, provider, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return &Error{Op: "store", Provider: provider, Err: err}
	}
	return nil
}

func (k *Keyring) Load(provider string) ([]byte, bool, error) {
	if err := checkProvider("load", provider); err != nil {
		return nil, false, err
	}
	if k.isClosed() {
		return nil, false, ErrClosed
	}
	encoded, err := keyring.Get(k.service, provider)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Op: "load", Provider: provider, Err: err}
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, &Error{Op: "load", Provider: provider, Err: err}
	}
	return secret, true, nil
}

func (k *Keyring) Delete(provider string) error {
	if err := checkProvider("delete", provider); err != nil {
		return err
	}
	if k.isClosed() {
		return ErrClosed
	}
	if err := keyring.Delete(k.service, provider); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return &Error{Op: "delete", Provider: provider, Err: err}
	}
	return nil
}

func (k *Keyring) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

func (k *Keyring) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}
