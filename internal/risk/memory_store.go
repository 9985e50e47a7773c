package risk

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/geoanomaly/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // userID → assessments
	maxPerUser  int
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// DefaultMaxPerUser bounds how many assessments MemoryStore keeps per user.
const DefaultMaxPerUser = 1000

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
		maxPerUser:  DefaultMaxPerUser,
	}
}

func (s *MemoryStore) Record(_ context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append(s.assessments[assessment.UserID], assessment.Clone())
	if len(all) > s.maxPerUser {
		all = all[len(all)-s.maxPerUser:]
	}
	s.assessments[assessment.UserID] = all
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int, before *pagination.Cursor) ([]*Assessment, error) {
	s.mu.RLock()
	all := make([]*Assessment, len(s.assessments[userID]))
	copy(all, s.assessments[userID])
	s.mu.RUnlock()

	if len(all) == 0 {
		return nil, nil
	}

	// Same order as the postgres store: evaluated_at DESC, id DESC.
	sort.Slice(all, func(i, j int) bool {
		return newer(all[i], all[j])
	})

	result := make([]*Assessment, 0, len(all))
	for _, a := range all {
		if before != nil && !before.Before(a.EvaluatedAt, a.ID) {
			continue
		}
		result = append(result, a.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func newer(a, b *Assessment) bool {
	if !a.EvaluatedAt.Equal(b.EvaluatedAt) {
		return a.EvaluatedAt.After(b.EvaluatedAt)
	}
	return a.ID > b.ID
}
