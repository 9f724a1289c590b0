package vault

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

// File keeps one 0600 file per provider in a 0700 directory. Writes are
// atomic, so a crash never leaves a truncated token behind.
type File struct {
	dir    string
	mu     sync.Mutex
	closed bool
}

// NewFile creates the vault directory if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(provider string) string {
	return filepath.Join(f.dir, provider+".secret")
}

func (f *File) Store(provider string, secret []byte) error {
	if err := checkProvider("store", provider); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	path := f.path(provider)
	if err := atomic.WriteFile(path, bytes.NewReader(secret)); err != nil {
		return &Error{Op: "store", Provider: provider, Err: err}
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return &Error{Op: "store", Provider: provider, Err: err}
	}
	return nil
}

func (f *File) Load(provider string) ([]byte, bool, error) {
	if err := checkProvider("load", provider); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, ErrClosed
	}

	data, err := os.ReadFile(f.path(provider))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Op: "load", Provider: provider, Err: err}
	}
	return data, true, nil
}

func (f *File) Delete(provider string) error {
	if err := checkProvider("delete", provider); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if err := os.Remove(f.path(provider)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Op: "delete", Provider: provider, Err: err}
	}
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
