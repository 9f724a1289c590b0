package vault

import "sync"

// Memory keeps secrets in process memory. Used by tests and by the
// "memory" vault setting.
type Memory struct {
	mu      sync.Mutex
	secrets map[string][]byte
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{secrets: make(map[string][]byte)}
}

func (m *Memory) Store(provider string, secret []byte) error {
	if err := checkProvider("store", provider); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.secrets[provider] = append([]byte(nil), secret...)
	return nil
}

func (m *Memory) Load(provider string) ([]byte, bool, error) {
	if err := checkProvider("load", provider); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	s, ok := m.secrets[provider]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), s...), true, nil
}

func (m *Memory) Delete(provider string) error {
	if err := checkProvider("delete", provider); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.secrets, provider)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.secrets = nil
	return nil
}
