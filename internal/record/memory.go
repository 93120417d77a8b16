package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	now := time.Now().UTC()
	if existing, ok := s.rows[rec.SessionID]; ok {
		copied.CreatedAt = existing.CreatedAt
	} else if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = now
	}
	s.rows[rec.SessionID] = &copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userRef string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range s.rows {
		if rec.ExpertRef == userRef || rec.ShopperRef == userRef {
			copied := *rec
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
