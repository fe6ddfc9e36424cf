package localstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is an in-process KV used by tests and by --ephemeral runs.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
	bus  changeBus

	// FailWrites makes every write fail, for exercising persistence errors.
	FailWrites error
}

// NewMemoryKV returns an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}

	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.FailWrites != nil {
		err := m.FailWrites
		m.mu.Unlock()

		return err
	}

	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()

	m.bus.publish(KeyChange{Key: key})

	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	if m.FailWrites != nil {
		err := m.FailWrites
		m.mu.Unlock()

		return err
	}

	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.bus.publish(KeyChange{Key: key})
	}

	return nil
}

func (m *MemoryKV) Update(_ context.Context, key string, fn func(old []byte) ([]byte, error)) error {
	m.mu.Lock()
	if m.FailWrites != nil {
		err := m.FailWrites
		m.mu.Unlock()

		return err
	}

	old, ok := m.data[key]
	if ok {
		old = append([]byte(nil), old...)
	}

	next, err := fn(old)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if next == nil {
		delete(m.data, key)
	} else {
		m.data[key] = append([]byte(nil), next...)
	}
	m.mu.Unlock()

	m.bus.publish(KeyChange{Key: key})

	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

func (m *MemoryKV) Subscribe(fn func(KeyChange)) func() {
	return m.bus.subscribe(fn)
}

func (m *MemoryKV) Close() error { return nil }
