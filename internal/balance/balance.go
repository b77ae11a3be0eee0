// Package balance is the auction engine's view of the external balance
// authority: a cache of each user's available and locked funds in which
// auction reservations are held, replaced, released and committed.
//
// Every operation is safe to retry. Reservations are keyed by
// (user, listing) and replaced rather than stacked; commits remember the
// key so a retried finalization cannot charge twice.
package balance

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotLoaded is returned when an operation needs a user's cached balance
// and WarmUpBalance has not populated it (or it expired).
var ErrNotLoaded = errors.New("balance: user balance not loaded")

// ErrWarmUpContended is returned when another caller holds the warm-up
// lock and the balance is still absent after a short wait.
var ErrWarmUpContended = errors.New("balance: warm-up in progress elsewhere")

// Balance is a user's cached funds.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// CommitStatus reports what CommitForAuction did.
type CommitStatus int

const (
	// CommitApplied means the hold was converted into a debit now.
	CommitApplied CommitStatus = iota
	// CommitDuplicate means this (user, listing) was already committed.
	CommitDuplicate
	// CommitNothingHeld means there was no hold and no prior commit.
	CommitNothingHeld
)

func (s CommitStatus) String() string {
	switch s {
	case CommitApplied:
		return "applied"
	case CommitDuplicate:
		return "duplicate"
	case CommitNothingHeld:
		return "nothing_held"
	}
	return "unknown"
}

// Client is the reservation contract consumed by the auction engine.
type Client interface {
	// WarmUpBalance ensures the user's balance is cached until at least
	// horizon. Idempotent; only ever extends the cache lifetime.
	WarmUpBalance(ctx context.Context, userID string, horizon time.Time) error

	GetBalance(ctx context.Context, userID string) (Balance, error)

	// GetAuctionLockedAmount returns the current hold for (user, listing),
	// zero if none.
	GetAuctionLockedAmount(ctx context.Context, userID, listingID string) (decimal.Decimal, error)

	// ReserveForAuction sets the hold for (user, listing) to amount,
	// charging available funds only for the difference from any existing
	// hold. It reports false when available funds do not cover it.
	ReserveForAuction(ctx context.Context, userID, listingID string, amount decimal.Decimal) (bool, error)

	// ReleaseForAuction returns the (user, listing) hold to available
	// funds. No-op when nothing is held.
	ReleaseForAuction(ctx context.Context, userID, listingID string) error

	// ReleaseForPurchase returns a raw amount held by a non-auction flow.
	ReleaseForPurchase(ctx context.Context, userID string, amount decimal.Decimal) error

	// CommitForAuction converts the (user, listing) hold into a permanent
	// debit exactly once.
	CommitForAuction(ctx context.Context, userID, listingID string) (CommitStatus, error)
}

// Syncer reconciles the cache with the wallet's new total after a deposit
// or withdrawal.
type Syncer interface {
	SyncBalance(ctx context.Context, userID string, total decimal.Decimal) error
}

const (
	defaultTTL     = 10 * time.Minute
	horizonPadding = 5 * time.Minute
)

// cacheTTL is how long a warmed balance must live to cover horizon.
func cacheTTL(now, horizon time.Time) time.Duration {
	if horizon.IsZero() || !horizon.After(now) {
		return defaultTTL
	}
	return horizon.Sub(now) + horizonPadding
}

// syncedAvailable applies a wallet total to a cached balance: the
// difference between the new total and available+locked moves available,
// never below zero; locked is untouched.
func syncedAvailable(cur Balance, total decimal.Decimal) decimal.Decimal {
	diff := total.Sub(cur.Available.Add(cur.Locked))
	next := cur.Available.Add(diff)
	if next.IsNegative() {
		return decimal.Zero
	}
	return next
}
