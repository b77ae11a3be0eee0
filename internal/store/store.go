// Package store defines the persistence interface for listing aggregates.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/carbontc/auction-engine/internal/model"
)

var (
	// ErrNotFound is returned when a listing does not exist.
	ErrNotFound = errors.New("store: listing not found")

	// ErrVersionConflict is returned by SaveListing when the stored version
	// no longer matches the aggregate's version, i.e. another writer won.
	ErrVersionConflict = errors.New("store: listing version conflict")

	// ErrDuplicate is returned when creating a listing whose id already exists.
	ErrDuplicate = errors.New("store: listing already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// CreateListing persists a new listing at version 0.
	CreateListing(ctx context.Context, listing *model.Listing) error

	// GetListing loads a listing together with its full bid history.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// SaveListing writes the aggregate's state and bids if the stored version
	// equals listing.Version, then increments listing.Version. Bids are
	// inserted when new and only have their status updated otherwise.
	SaveListing(ctx context.Context, listing *model.Listing) error

	// ListExpiredAuctions returns ids of Open auctions whose end time is at
	// or before now.
	ListExpiredAuctions(ctx context.Context, now time.Time) ([]string, error)
}
