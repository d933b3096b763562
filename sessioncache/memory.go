package sessioncache

import (
	"context"
	"sync"
)

// MemoryStore is a concurrency-safe in-memory Store. Records do not survive
// the process; it is meant for tests and for callers that only need
// in-process resumption.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	// Return a copy to prevent callers from mutating internal state.
	return cloneRecord(r), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, record Record) error {
	s.mu.Lock()
	s.records[key] = cloneRecord(record)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of cached records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
