package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/clock"
)

type holdKey struct {
	user    string
	listing string
}

type account struct {
	Balance
	expiresAt time.Time
}

// Memory is an in-process balance authority. It backs tests and
// single-node development runs; every operation holds one mutex, which
// gives the same atomicity the Redis scripts provide.
type Memory struct {
	mu        sync.Mutex
	wallet    WalletSource
	clock     clock.Clock
	accounts  map[string]*account
	holds     map[holdKey]decimal.Decimal
	committed map[holdKey]bool
}

// NewMemory creates an empty authority that warms balances from wallet.
func NewMemory(wallet WalletSource, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Memory{
		wallet:    wallet,
		clock:     clk,
		accounts:  make(map[string]*account),
		holds:     make(map[holdKey]decimal.Decimal),
		committed: make(map[holdKey]bool),
	}
}

// Seed sets a user's cached balance directly, bypassing the wallet.
func (m *Memory) Seed(userID string, available, locked decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID] = &account{
		Balance:   Balance{Available: available, Locked: locked},
		expiresAt: m.clock.Now().Add(defaultTTL),
	}
}

// live returns the user's unexpired account, dropping it if stale.
func (m *Memory) live(userID string) *account {
	acc, ok := m.accounts[userID]
	if !ok {
		return nil
	}
	if !m.clock.Now().Before(acc.expiresAt) {
		delete(m.accounts, userID)
		return nil
	}
	return acc
}

func (m *Memory) WarmUpBalance(ctx context.Context, userID string, horizon time.Time) error {
	m.mu.Lock()
	now := m.clock.Now()
	if acc := m.live(userID); acc != nil {
		if want := now.Add(cacheTTL(now, horizon)); want.After(acc.expiresAt) {
			acc.expiresAt = want
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	total, err := m.wallet.FetchBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("warm up %s: %w", userID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now = m.clock.Now()
	expires := now.Add(cacheTTL(now, horizon))
	if acc := m.live(userID); acc != nil {
		// Lost a race with a concurrent warm-up; keep its figures.
		if expires.After(acc.expiresAt) {
			acc.expiresAt = expires
		}
		return nil
	}
	m.accounts[userID] = &account{
		Balance:   m.rebuilt(userID, total),
		expiresAt: expires,
	}
	return nil
}

// rebuilt derives a fresh cached balance from the wallet total. Holds that
// outlived the previous cache entry stay locked against it.
func (m *Memory) rebuilt(userID string, total decimal.Decimal) Balance {
	held := decimal.Zero
	for k, v := range m.holds {
		if k.user == userID {
			held = held.Add(v)
		}
	}
	return Balance{
		Available: decimal.Max(decimal.Zero, total.Sub(held)),
		Locked:    held,
	}
}

func (m *Memory) GetBalance(_ context.Context, userID string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.live(userID)
	if acc == nil {
		return Balance{}, ErrNotLoaded
	}
	return acc.Balance, nil
}

func (m *Memory) GetAuctionLockedAmount(_ context.Context, userID, listingID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holds[holdKey{userID, listingID}], nil
}

func (m *Memory) ReserveForAuction(_ context.Context, userID, listingID string, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, fmt.Errorf("reserve amount must be positive, got %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.live(userID)
	if acc == nil {
		return false, ErrNotLoaded
	}
	key := holdKey{userID, listingID}
	diff := amount.Sub(m.holds[key])
	if acc.Available.LessThan(diff) {
		return false, nil
	}
	acc.Available = acc.Available.Sub(diff)
	acc.Locked = acc.Locked.Add(diff)
	m.holds[key] = amount
	return true, nil
}

func (m *Memory) ReleaseForAuction(_ context.Context, userID, listingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := holdKey{userID, listingID}
	held, ok := m.holds[key]
	if !ok {
		return nil
	}
	delete(m.holds, key)
	if acc := m.live(userID); acc != nil {
		acc.Available = acc.Available.Add(held)
		acc.Locked = decimal.Max(decimal.Zero, acc.Locked.Sub(held))
	}
	return nil
}

func (m *Memory) ReleaseForPurchase(_ context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.live(userID)
	if acc == nil {
		return ErrNotLoaded
	}
	acc.Available = acc.Available.Add(amount)
	acc.Locked = decimal.Max(decimal.Zero, acc.Locked.Sub(amount))
	return nil
}

func (m *Memory) CommitForAuction(_ context.Context, userID, listingID string) (CommitStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := holdKey{userID, listingID}
	if m.committed[key] {
		return CommitDuplicate, nil
	}
	held, ok := m.holds[key]
	if !ok {
		return CommitNothingHeld, nil
	}
	delete(m.holds, key)
	m.committed[key] = true
	if acc := m.live(userID); acc != nil {
		acc.Locked = decimal.Max(decimal.Zero, acc.Locked.Sub(held))
	}
	return CommitApplied, nil
}

func (m *Memory) SyncBalance(_ context.Context, userID string, total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.live(userID)
	if acc == nil {
		m.accounts[userID] = &account{
			Balance:   m.rebuilt(userID, total),
			expiresAt: m.clock.Now().Add(defaultTTL),
		}
		return nil
	}
	acc.Available = syncedAvailable(acc.Balance, total)
	return nil
}
