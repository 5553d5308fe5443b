package featurestore

import (
	"context"
	"sync"

	"github.com/kozaktomas/fingermatch/internal/features"
)

// Memory keeps sets for the lifetime of the process. Stored sets are shared
// with callers and must not be modified.
type Memory struct {
	mu   sync.RWMutex
	sets map[string]*features.Set
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sets: make(map[string]*features.Set)}
}

func (m *Memory) Get(_ context.Context, key string) (*features.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets[key], nil
}

func (m *Memory) Put(_ context.Context, key string, set *features.Set) error {
	if set == nil {
		set = &features.Set{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[key] = set
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = make(map[string]*features.Set)
	return nil
}

// Len returns the number of cached sets.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets)
}

func (m *Memory) Close() error { return nil }
