package profile

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*GeoProfile
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*GeoProfile)}
}

func (s *MemoryStore) Save(_ context.Context, p *GeoProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.profiles[p.UserID]; ok && cur.Version >= p.Version {
		return nil
	}
	s.profiles[p.UserID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*GeoProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*GeoProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*GeoProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
