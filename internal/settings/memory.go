package settings

import (
	"context"
	"maps"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewMemory returns a store seeded with defaults.
func NewMemory(defaults map[string]any) *Memory {
	m := &Memory{vals: map[string]any{}}
	maps.Copy(m.vals, defaults)
	return m
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(keys) == 0 {
		return maps.Clone(m.vals), nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m.vals[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, values map[string]any) error {
	m.mu.Lock()
	maps.Copy(m.vals, values)
	m.mu.Unlock()
	return nil
}
