package cache

import (
	"context"
	"sync"
)

// Store persists cache entries.
type Store interface {
	Load(ctx context.Context, key Key) (*Entry, bool, error)
	Save(ctx context.Context, key Key, entry *Entry) error
	Delete(ctx context.Context, key Key) error
	DeleteKind(ctx context.Context, platform, kind string) (int, error)
	Len(ctx context.Context) (int, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[Key]*Entry{}}
}

func (s *MemoryStore) Load(ctx context.Context, key Key) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return e.clone(), true, nil
}

func (s *MemoryStore) Save(ctx context.Context, key Key, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry.clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) DeleteKind(ctx context.Context, platform, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if k.Platform == platform && k.Kind == kind {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
