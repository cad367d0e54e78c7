package confstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by callers that do not
// need persistence. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string // scope -> name -> value
}

// NewMemoryStore creates an empty in-memory configuration store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]map[string]string),
	}
}

// Get retrieves the value stored for (scope, name)
func (s *MemoryStore) Get(ctx context.Context, scope, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if names, ok := s.values[scope]; ok {
		if value, ok := names[name]; ok {
			return value, nil
		}
	}
	return "", ErrNotFound
}

// Set writes a value and returns the previous one
func (s *MemoryStore) Set(ctx context.Context, scope, name, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, ok := s.values[scope]
	if !ok {
		names = make(map[string]string)
		s.values[scope] = names
	}
	old := names[name]
	names[name] = value
	return old, nil
}

// Delete removes a pair. Deleting an absent pair is not an error.
func (s *MemoryStore) Delete(ctx context.Context, scope, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if names, ok := s.values[scope]; ok {
		delete(names, name)
	}
	return nil
}

// List returns every stored entry in deterministic (scope, name) order
func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	for scope, names := range s.values {
		for name, value := range names {
			entries = append(entries, Entry{Scope: scope, Name: name, Value: value})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Scope != entries[j].Scope {
			return entries[i].Scope < entries[j].Scope
		}
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
