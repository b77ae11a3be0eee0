package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carbontc/auction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. A stale cached copy can
// only cost a version conflict on save, never a lost update.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.CreateListing(ctx, l); err != nil {
		return err
	}
	s.cacheListing(ctx, l)
	return nil
}

func (s *CachedStore) SaveListing(ctx context.Context, l *model.Listing) error {
	err := s.primary.SaveListing(ctx, l)
	// Invalidate on conflict too: the cached copy is what lost the race.
	s.rdb.Del(ctx, listingKey(l.ID))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheListing(ctx, l)
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListExpiredAuctions(ctx context.Context, now time.Time) ([]string, error) {
	return s.primary.ListExpiredAuctions(ctx, now)
}

// --- Cache helpers ---

func (s *CachedStore) cacheListing(ctx context.Context, l *model.Listing) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(l.ID), data, s.ttl)
	}
}

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }
