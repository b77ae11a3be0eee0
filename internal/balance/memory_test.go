package balance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbontc/auction-engine/internal/balance"
	"github.com/carbontc/auction-engine/internal/clock"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type countingWallet struct {
	mu     sync.Mutex
	amount decimal.Decimal
	err    error
	calls  int
}

func (w *countingWallet) FetchBalance(context.Context, string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.amount, w.err
}

func newMemory(t *testing.T, amount int64) (*balance.Memory, *countingWallet, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	w := &countingWallet{amount: d(amount)}
	m := balance.NewMemory(w, clk)
	require.NoError(t, m.WarmUpBalance(context.Background(), "alice", time.Time{}))
	return m, w, clk
}

func requireBalance(t *testing.T, m *balance.Memory, user string, available, locked int64) {
	t.Helper()
	b, err := m.GetBalance(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d(available)), "available: want %d got %s", available, b.Available)
	assert.True(t, b.Locked.Equal(d(locked)), "locked: want %d got %s", locked, b.Locked)
}

func TestMemory_WarmUp(t *testing.T) {
	ctx := context.Background()
	m, w, clk := newMemory(t, 1000)
	requireBalance(t, m, "alice", 1000, 0)

	// Warm balance is not refetched.
	require.NoError(t, m.WarmUpBalance(ctx, "alice", t0.Add(time.Hour)))
	assert.Equal(t, 1, w.calls)

	// Horizon extended the lifetime past the default ten minutes.
	clk.Advance(30 * time.Minute)
	_, err := m.GetBalance(ctx, "alice")
	require.NoError(t, err)

	// A shorter horizon never shrinks it.
	require.NoError(t, m.WarmUpBalance(ctx, "alice", time.Time{}))
	clk.Advance(30 * time.Minute)
	_, err = m.GetBalance(ctx, "alice")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	_, err = m.GetBalance(ctx, "alice")
	assert.ErrorIs(t, err, balance.ErrNotLoaded)
}

func TestMemory_WarmUpWalletFailure(t *testing.T) {
	w := &countingWallet{err: errors.New("wallet down")}
	m := balance.NewMemory(w, clock.NewManual(t0))
	err := m.WarmUpBalance(context.Background(), "bob", time.Time{})
	require.Error(t, err)

	_, err = m.GetBalance(context.Background(), "bob")
	assert.ErrorIs(t, err, balance.ErrNotLoaded)
}

func TestMemory_ReserveReplacesHold(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t, 1000)

	ok, err := m.ReserveForAuction(ctx, "alice", "L1", d(300))
	require.NoError(t, err)
	require.True(t, ok)
	requireBalance(t, m, "alice", 700, 300)

	// Raising to 500 charges only the extra 200.
	ok, err = m.ReserveForAuction(ctx, "alice", "L1", d(500))
	require.NoError(t, err)
	require.True(t, ok)
	requireBalance(t, m, "alice", 500, 500)

	held, err := m.GetAuctionLockedAmount(ctx, "alice", "L1")
	require.NoError(t, err)
	assert.True(t, held.Equal(d(500)))

	// Same amount again changes nothing.
	ok, err = m.ReserveForAuction(ctx, "alice", "L1", d(500))
	require.NoError(t, err)
	require.True(t, ok)
	requireBalance(t, m, "alice", 500, 500)
}

func TestMemory_ReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t, 1000)

	ok, err := m.ReserveForAuction(ctx, "alice", "L1", d(800))
	require.NoError(t, err)
	require.True(t, ok)

	// Needs 700 more with only 200 available.
	ok, err = m.ReserveForAuction(ctx, "alice", "L1", d(1500))
	require.NoError(t, err)
	assert.False(t, ok)
	requireBalance(t, m, "alice", 200, 800)

	ok, err = m.ReserveForAuction(ctx, "nobody", "L1", d(1))
	assert.ErrorIs(t, err, balance.ErrNotLoaded)
	assert.False(t, ok)
}

func TestMemory_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t, 1000)
	_, err := m.ReserveForAuction(ctx, "alice", "L1", d(400))
	require.NoError(t, err)

	require.NoError(t, m.ReleaseForAuction(ctx, "alice", "L1"))
	requireBalance(t, m, "alice", 1000, 0)

	require.NoError(t, m.ReleaseForAuction(ctx, "alice", "L1"))
	requireBalance(t, m, "alice", 1000, 0)

	held, err := m.GetAuctionLockedAmount(ctx, "alice", "L1")
	require.NoError(t, err)
	assert.True(t, held.IsZero())
}

func TestMemory_CommitOnce(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t, 1000)
	_, err := m.ReserveForAuction(ctx, "alice", "L1", d(600))
	require.NoError(t, err)

	st, err := m.CommitForAuction(ctx, "alice", "L1")
	require.NoError(t, err)
	assert.Equal(t, balance.CommitApplied, st)
	requireBalance(t, m, "alice", 400, 0)

	st, err = m.CommitForAuction(ctx, "alice", "L1")
	require.NoError(t, err)
	assert.Equal(t, balance.CommitDuplicate, st)
	requireBalance(t, m, "alice", 400, 0)

	st, err = m.CommitForAuction(ctx, "alice", "L2")
	require.NoError(t, err)
	assert.Equal(t, balance.CommitNothingHeld, st)
}

func TestMemory_ReleaseForPurchase(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t, 0)
	m.Seed("alice", d(100), d(250))

	require.NoError(t, m.ReleaseForPurchase(ctx, "alice", d(250)))
	requireBalance(t, m, "alice", 350, 0)

	assert.ErrorIs(t, m.ReleaseForPurchase(ctx, "ghost", d(1)), balance.ErrNotLoaded)
}

func TestMemory_SyncBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("deposit keeps locked", func(t *testing.T) {
		m, _, _ := newMemory(t, 0)
		m.Seed("alice", d(700), d(300))
		require.NoError(t, m.SyncBalance(ctx, "alice", d(1500)))
		requireBalance(t, m, "alice", 1200, 300)
	})

	t.Run("withdrawal floors at zero", func(t *testing.T) {
		m, _, _ := newMemory(t, 0)
		m.Seed("alice", d(100), d(300))
		require.NoError(t, m.SyncBalance(ctx, "alice", d(200)))
		requireBalance(t, m, "alice", 0, 300)
	})

	t.Run("initializes cold cache", func(t *testing.T) {
		m := balance.NewMemory(&countingWallet{}, clock.NewManual(t0))
		require.NoError(t, m.SyncBalance(ctx, "carol", d(90)))
		requireBalance(t, m, "carol", 90, 0)
	})
}

func TestMemory_ConcurrentReservesConserveFunds(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			listing := "L" + string(rune('a'+i))
			_, _ = m.ReserveForAuction(ctx, "alice", listing, d(100))
		}(i)
	}
	wg.Wait()

	// Ten holds of 100 fit; the rest are refused.
	requireBalance(t, m, "alice", 0, 1000)
}

func TestMemory_ExpiredAccountKeepsOutstandingHolds(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	m := balance.NewMemory(balance.StaticWallet{Amount: d(1000)}, clk)

	require.NoError(t, m.WarmUpBalance(ctx, "alice", t0.Add(time.Minute)))
	ok, err := m.ReserveForAuction(ctx, "alice", "L1", d(900))
	require.NoError(t, err)
	require.True(t, ok)

	// Past the horizon padding: the cached balance is gone, the hold is not.
	clk.Advance(7 * time.Minute)
	_, err = m.GetBalance(ctx, "alice")
	require.ErrorIs(t, err, balance.ErrNotLoaded)

	require.NoError(t, m.WarmUpBalance(ctx, "alice", time.Time{}))
	requireBalance(t, m, "alice", 100, 900)

	ok, err = m.ReserveForAuction(ctx, "alice", "L2", d(1000))
	require.NoError(t, err)
	assert.False(t, ok, "second auction must not reuse funds already held")

	st, err := m.CommitForAuction(ctx, "alice", "L1")
	require.NoError(t, err)
	assert.Equal(t, balance.CommitApplied, st)
	requireBalance(t, m, "alice", 100, 0)
}

func TestMemory_SyncRebuildKeepsOutstandingHolds(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	m := balance.NewMemory(balance.StaticWallet{Amount: d(1000)}, clk)

	require.NoError(t, m.WarmUpBalance(ctx, "alice", time.Time{}))
	_, err := m.ReserveForAuction(ctx, "alice", "L1", d(400))
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	require.NoError(t, m.SyncBalance(ctx, "alice", d(1500)))
	requireBalance(t, m, "alice", 1100, 400)
}
