package auction_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/carbontc/auction-engine/internal/auction"
	"github.com/carbontc/auction-engine/internal/balance"
	"github.com/carbontc/auction-engine/internal/clock"
	"github.com/carbontc/auction-engine/internal/lock"
	"github.com/carbontc/auction-engine/internal/model"
	"github.com/carbontc/auction-engine/internal/store"
)

var (
	t0      = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	errBoom = errors.New("boom")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// flakyStore fails the next N saves of a listing with a chosen error.
type flakyStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails map[string][]error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore(), fails: make(map[string][]error)}
}

func (s *flakyStore) failNextSave(id string, err error) {
	s.mu.Lock()
	s.fails[id] = append(s.fails[id], err)
	s.mu.Unlock()
}

func (s *flakyStore) SaveListing(ctx context.Context, l *model.Listing) error {
	s.mu.Lock()
	if q := s.fails[l.ID]; len(q) > 0 {
		err := q[0]
		s.fails[l.ID] = q[1:]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.MemoryStore.SaveListing(ctx, l)
}

// spyBalance counts calls per operation on top of a Memory authority.
type spyBalance struct {
	*balance.Memory
	mu    sync.Mutex
	calls map[string]int
}

func (s *spyBalance) record(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *spyBalance) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *spyBalance) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *spyBalance) WarmUpBalance(ctx context.Context, u string, h time.Time) error {
	s.record("warmup")
	return s.Memory.WarmUpBalance(ctx, u, h)
}

func (s *spyBalance) GetBalance(ctx context.Context, u string) (balance.Balance, error) {
	s.record("get")
	return s.Memory.GetBalance(ctx, u)
}

func (s *spyBalance) GetAuctionLockedAmount(ctx context.Context, u, l string) (decimal.Decimal, error) {
	s.record("held")
	return s.Memory.GetAuctionLockedAmount(ctx, u, l)
}

func (s *spyBalance) ReserveForAuction(ctx context.Context, u, l string, a decimal.Decimal) (bool, error) {
	s.record("reserve")
	return s.Memory.ReserveForAuction(ctx, u, l, a)
}

func (s *spyBalance) ReleaseForAuction(ctx context.Context, u, l string) error {
	s.record("release")
	return s.Memory.ReleaseForAuction(ctx, u, l)
}

func (s *spyBalance) ReleaseForPurchase(ctx context.Context, u string, a decimal.Decimal) error {
	s.record("release_purchase")
	return s.Memory.ReleaseForPurchase(ctx, u, a)
}

func (s *spyBalance) CommitForAuction(ctx context.Context, u, l string) (balance.CommitStatus, error) {
	s.record("commit")
	return s.Memory.CommitForAuction(ctx, u, l)
}

// recorder collects notifications.
type recorder struct {
	mu        sync.Mutex
	bids      []auction.BidPlaced
	completed []auction.AuctionCompleted
}

func (r *recorder) BidPlaced(_ context.Context, e auction.BidPlaced) error {
	r.mu.Lock()
	r.bids = append(r.bids, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) AuctionCompleted(_ context.Context, e auction.AuctionCompleted) error {
	r.mu.Lock()
	r.completed = append(r.completed, e)
	r.mu.Unlock()
	return nil
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string) (lock.Unlock, error) {
	return nil, lock.ErrNotAcquired
}

type fixture struct {
	store    *flakyStore
	balance  *spyBalance
	clock    *clock.Manual
	notes    *recorder
	bids     *auction.BidHandler
	finalize *auction.Finalizer
	listing  *model.Listing
}

// newFixture seeds one auction (minimum 50, ends in an hour) and gives
// every user a wallet of 1000.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	st := newFlakyStore()
	mem := balance.NewMemory(balance.StaticWallet{Amount: d(1000)}, clk)
	spy := &spyBalance{Memory: mem, calls: make(map[string]int)}
	rec := &recorder{}
	lk := lock.NewKeyedMutex()

	l, err := model.NewAuctionListing("owner", "credit-1", d(50), d(10), t0.Add(time.Hour), t0)
	require.NoError(t, err)
	require.NoError(t, st.CreateListing(context.Background(), l))

	return &fixture{
		store:    st,
		balance:  spy,
		clock:    clk,
		notes:    rec,
		bids:     auction.NewBidHandler(st, spy, lk, clk, rec),
		finalize: auction.NewFinalizer(st, spy, lk, clk, rec),
		listing:  l,
	}
}

func (f *fixture) bid(t *testing.T, bidder string, amount int64) (model.Bid, error) {
	t.Helper()
	return f.bids.Handle(context.Background(), auction.BidCommand{
		ListingID: f.listing.ID,
		BidderID:  bidder,
		Amount:    d(amount),
	})
}

func (f *fixture) mustBid(t *testing.T, bidder string, amount int64) model.Bid {
	t.Helper()
	b, err := f.bid(t, bidder, amount)
	require.NoError(t, err)
	return b
}

func (f *fixture) held(t *testing.T, bidder string) decimal.Decimal {
	t.Helper()
	h, err := f.balance.Memory.GetAuctionLockedAmount(context.Background(), bidder, f.listing.ID)
	require.NoError(t, err)
	return h
}

func (f *fixture) current(t *testing.T) *model.Listing {
	t.Helper()
	l, err := f.store.GetListing(context.Background(), f.listing.ID)
	require.NoError(t, err)
	return l
}
