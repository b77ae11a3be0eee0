package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carbontc/auction-engine/internal/balance"
	"github.com/carbontc/auction-engine/internal/clock"
	"github.com/carbontc/auction-engine/internal/lock"
	"github.com/carbontc/auction-engine/internal/metrics"
	"github.com/carbontc/auction-engine/internal/model"
	"github.com/carbontc/auction-engine/internal/store"
)

// Outcome is the result of a finalization attempt.
type Outcome string

const (
	OutcomeSold   Outcome = "sold"
	OutcomeClosed Outcome = "closed"
	OutcomeNoOp   Outcome = "noop"
)

// Finalizer settles expired auctions. It is safe to call any number of
// times for the same listing.
type Finalizer struct {
	store    store.Store
	balance  balance.Client
	locker   lock.Locker
	clock    clock.Clock
	notifier Notifier
}

// NewFinalizer wires a finalizer. notifier may be nil.
func NewFinalizer(st store.Store, bal balance.Client, lk lock.Locker, clk clock.Clock, n Notifier) *Finalizer {
	if n == nil {
		n = Notifiers{}
	}
	return &Finalizer{store: st, balance: bal, locker: lk, clock: clk, notifier: n}
}

// Finalize moves an expired Open auction to Sold or Closed, committing
// the winner's reservation. Listings that are already terminal yield
// OutcomeNoOp.
func (f *Finalizer) Finalize(ctx context.Context, listingID string) (Outcome, error) {
	out, err := f.finalize(ctx, listingID)
	if err != nil {
		metrics.FinalizationsTotal.WithLabelValues("error").Inc()
		return out, err
	}
	metrics.FinalizationsTotal.WithLabelValues(string(out)).Inc()
	return out, nil
}

func (f *Finalizer) finalize(ctx context.Context, listingID string) (Outcome, error) {
	listing, out, err := f.settle(ctx, listingID)
	if err != nil || out == OutcomeNoOp {
		return out, err
	}

	if err := f.notifier.AuctionCompleted(context.WithoutCancel(ctx), completedEvent(listing)); err != nil {
		slog.Warn("completion notification failed", "listing_id", listing.ID, "err", err)
	}
	return out, nil
}

// settle commits, completes and saves the auction under the listing lock.
func (f *Finalizer) settle(ctx context.Context, listingID string) (*model.Listing, Outcome, error) {
	unlock, err := f.locker.Lock(ctx, listingID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, OutcomeNoOp, ErrBusy
	}
	if err != nil {
		return nil, OutcomeNoOp, fmt.Errorf("lock listing: %w", err)
	}
	defer unlock()

	listing, err := f.store.GetListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, OutcomeNoOp, ErrNotFound
	}
	if err != nil {
		return nil, OutcomeNoOp, fmt.Errorf("load listing: %w", err)
	}
	if listing.Status.Terminal() {
		return nil, OutcomeNoOp, nil
	}
	if listing.Kind != model.KindAuction {
		return nil, OutcomeNoOp, fmt.Errorf("%w: %w", ErrDomainRejected, model.ErrNotAuction)
	}
	now := f.clock.Now()
	if !listing.Expired(now) {
		return nil, OutcomeNoOp, ErrNotExpired
	}

	if w := listing.WinningBid(); w != nil {
		if err := f.commit(ctx, w.BidderID, listing.ID); err != nil {
			return nil, OutcomeNoOp, err
		}
	}

	if err := listing.CompleteAuction(now); err != nil {
		return nil, OutcomeNoOp, fmt.Errorf("%w: %w", ErrDomainRejected, err)
	}
	// A failed save leaves the listing Open; the next attempt finds the
	// commit already recorded and only persists the status.
	if err := f.store.SaveListing(ctx, listing); err != nil {
		return nil, OutcomeNoOp, fmt.Errorf("save finalized listing: %w", err)
	}

	f.releaseLosers(ctx, listing)

	out := OutcomeClosed
	if listing.Status == model.StatusSold {
		out = OutcomeSold
	}
	slog.Info("auction finalized",
		"listing_id", listing.ID,
		"outcome", string(out),
		"winner_id", listing.WinnerID,
		"final_price", listing.FinalPrice.String(),
	)
	return listing, out, nil
}

func (f *Finalizer) commit(ctx context.Context, winnerID, listingID string) error {
	st, err := f.balance.CommitForAuction(ctx, winnerID, listingID)
	if err != nil {
		metrics.ReservationOps.WithLabelValues("commit", "error").Inc()
		return fmt.Errorf("%w: commit: %w", ErrBalanceUnavailable, err)
	}
	metrics.ReservationOps.WithLabelValues("commit", st.String()).Inc()

	switch st {
	case balance.CommitDuplicate:
		slog.Info("reservation already committed", "listing_id", listingID, "winner_id", winnerID)
	case balance.CommitNothingHeld:
		metrics.InconsistenciesTotal.WithLabelValues("commit").Inc()
		slog.Error("reservation inconsistency: winner holds nothing to commit",
			"listing_id", listingID,
			"winner_id", winnerID,
		)
	}
	return nil
}

// releaseLosers frees any hold left by non-winning bidders. Normally
// there is none; outbid releases that failed earlier are retried here.
func (f *Finalizer) releaseLosers(ctx context.Context, l *model.Listing) {
	seen := make(map[string]bool)
	for _, b := range l.Bids {
		if b.BidderID == l.WinnerID || seen[b.BidderID] {
			continue
		}
		seen[b.BidderID] = true
		if err := f.balance.ReleaseForAuction(ctx, b.BidderID, l.ID); err != nil {
			metrics.InconsistenciesTotal.WithLabelValues("release_loser").Inc()
			slog.Error("reservation inconsistency: loser release failed",
				"listing_id", l.ID,
				"bidder_id", b.BidderID,
				"err", err,
			)
		}
	}
}
