package plugin

import "sync"

// Store is a small concurrent key/value store backing the config and
// shared-state surfaces exposed to plugins. Instances are explicitly
// constructed and owned by the Manager, never process-wide singletons,
// so independent hosts (and tests) do not leak state into each other.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]any)}
}

// Get returns the value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value for key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes a key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
