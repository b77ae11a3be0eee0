package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/model"
	"github.com/carbontc/auction-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedAuction(t *testing.T, st store.Store, end time.Time) *model.Listing {
	t.Helper()
	l, err := model.NewAuctionListing("owner", "credit", decimal.NewFromInt(50), decimal.NewFromInt(1), end, t0)
	if err != nil {
		t.Fatalf("new auction: %v", err)
	}
	if err := st.CreateListing(context.Background(), l); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := ms.GetListing(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedAuction(t, ms, t0.Add(time.Hour))
	if err := ms.CreateListing(context.Background(), l); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_SaveIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seeded := seedAuction(t, ms, t0.Add(time.Hour))

	l, _ := ms.GetListing(ctx, seeded.ID)
	if _, err := l.PlaceBid("alice", decimal.NewFromInt(100), t0); err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if err := ms.SaveListing(ctx, l); err != nil {
		t.Fatalf("save: %v", err)
	}
	if l.Version != 1 {
		t.Errorf("expected version 1 after save, got %d", l.Version)
	}

	got, _ := ms.GetListing(ctx, seeded.ID)
	if len(got.Bids) != 1 || got.Bids[0].BidderID != "alice" {
		t.Errorf("bid not persisted: %+v", got.Bids)
	}
}

func TestMemoryStore_StaleSaveConflicts(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seeded := seedAuction(t, ms, t0.Add(time.Hour))

	first, _ := ms.GetListing(ctx, seeded.ID)
	second, _ := ms.GetListing(ctx, seeded.ID)

	first.PlaceBid("alice", decimal.NewFromInt(100), t0)
	second.PlaceBid("bob", decimal.NewFromInt(120), t0)

	if err := ms.SaveListing(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := ms.SaveListing(ctx, second); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := ms.GetListing(ctx, seeded.ID)
	if w := got.WinningBid(); w == nil || w.BidderID != "alice" {
		t.Errorf("losing writer must not overwrite state, got %+v", w)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seeded := seedAuction(t, ms, t0.Add(time.Hour))

	l, _ := ms.GetListing(ctx, seeded.ID)
	l.PlaceBid("alice", decimal.NewFromInt(100), t0)

	again, _ := ms.GetListing(ctx, seeded.ID)
	if len(again.Bids) != 0 {
		t.Error("unsaved mutation leaked into the store")
	}
}

func TestMemoryStore_ListExpiredAuctions(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	expired := seedAuction(t, ms, t0.Add(time.Minute))
	seedAuction(t, ms, t0.Add(time.Hour))

	closed := seedAuction(t, ms, t0.Add(time.Minute))
	c, _ := ms.GetListing(ctx, closed.ID)
	c.Close(t0)
	ms.SaveListing(ctx, c)

	fixed, _ := model.NewFixedPriceListing("owner", "credit", decimal.NewFromInt(10), decimal.NewFromInt(1), t0)
	ms.CreateListing(ctx, fixed)

	ids, err := ms.ListExpiredAuctions(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != expired.ID {
		t.Errorf("expected only %s, got %v", expired.ID, ids)
	}
}
