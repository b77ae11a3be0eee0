package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carbontc/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*model.Listing
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*model.Listing),
	}
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; ok {
		return ErrDuplicate
	}
	// Store a copy to avoid external mutation.
	s.listings[l.ID] = l.Clone()
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (s *MemoryStore) SaveListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.listings[l.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != l.Version {
		return ErrVersionConflict
	}

	l.Version++
	s.listings[l.ID] = l.Clone()
	return nil
}

func (s *MemoryStore) ListExpiredAuctions(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, l := range s.listings {
		if l.Status == model.StatusOpen && l.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
