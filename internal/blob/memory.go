package blob

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used by tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Ref][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Ref][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (Ref, error) {
	ref := Digest(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[ref]; !ok {
		s.data[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Exists(_ context.Context, ref Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[ref]
	return ok, nil
}

// Len reports the number of distinct blobs held (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
