package backoff

import (
	"context"
	"sync"
)

type memoryEntry struct {
	mu    sync.Mutex
	state State
}

// MemoryStore хранит состояния в памяти процесса; блокировка берётся только на ключ.
type MemoryStore struct {
	entries sync.Map
}

// NewMemoryStore создаёт хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	if v, ok := s.entries.Load(key); ok {
		return v.(*memoryEntry)
	}
	v, _ := s.entries.LoadOrStore(key, &memoryEntry{})
	return v.(*memoryEntry)
}

// Get возвращает состояние ключа.
func (s *MemoryStore) Get(_ context.Context, key string) (State, error) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Update атомарно применяет fn к состоянию ключа.
func (s *MemoryStore) Update(_ context.Context, key string, fn func(State) State) (State, error) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = fn(e.state)
	return e.state, nil
}
