// Package store provides the in-process persistence adapters for queue snapshots.
package store

import (
	"context"
	"sync"

	"github.com/pscheid92/livewire/internal/domain"
)

// Memory keeps values in a map. Snapshots survive a queue restart within the
// same process only.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ domain.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)
	return nil
}
