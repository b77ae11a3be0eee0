// Package auction runs the bidding and finalization flows of auction
// listings: it serializes bids per listing, keeps exactly one reservation
// per listing (the current winner's) at the balance authority, and settles
// expired auctions.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/balance"
	"github.com/carbontc/auction-engine/internal/clock"
	"github.com/carbontc/auction-engine/internal/lock"
	"github.com/carbontc/auction-engine/internal/metrics"
	"github.com/carbontc/auction-engine/internal/model"
	"github.com/carbontc/auction-engine/internal/store"
)

// BidCommand asks to place Amount on ListingID on behalf of BidderID.
type BidCommand struct {
	ListingID string
	BidderID  string
	Amount    decimal.Decimal
}

// BidHandler accepts or rejects bids.
type BidHandler struct {
	store    store.Store
	balance  balance.Client
	locker   lock.Locker
	clock    clock.Clock
	notifier Notifier
}

// NewBidHandler wires a bid handler. notifier may be nil.
func NewBidHandler(st store.Store, bal balance.Client, lk lock.Locker, clk clock.Clock, n Notifier) *BidHandler {
	if n == nil {
		n = Notifiers{}
	}
	return &BidHandler{store: st, balance: bal, locker: lk, clock: clk, notifier: n}
}

// Handle places a bid. On any failure after the reservation was touched,
// the bidder's hold on the listing is restored to what it was before the
// call.
func (h *BidHandler) Handle(ctx context.Context, cmd BidCommand) (model.Bid, error) {
	start := time.Now()
	bid, err := h.handle(ctx, cmd)
	metrics.BidLatency.Observe(time.Since(start).Seconds())
	metrics.BidsTotal.WithLabelValues(outcomeOf(err)).Inc()

	if err != nil {
		slog.Info("bid rejected",
			"listing_id", cmd.ListingID,
			"bidder_id", cmd.BidderID,
			"amount", cmd.Amount.String(),
			"reason", err,
		)
		return model.Bid{}, err
	}
	slog.Info("bid accepted",
		"listing_id", cmd.ListingID,
		"bidder_id", cmd.BidderID,
		"bid_id", bid.ID,
		"amount", bid.Amount.String(),
	)
	return bid, nil
}

func (h *BidHandler) handle(ctx context.Context, cmd BidCommand) (model.Bid, error) {
	if cmd.BidderID == "" {
		return model.Bid{}, ErrUnauthorized
	}
	if !cmd.Amount.IsPositive() {
		return model.Bid{}, fmt.Errorf("%w: %w", ErrDomainRejected, model.ErrInvalidAmount)
	}

	listing, err := h.load(ctx, cmd.ListingID)
	if err != nil {
		return model.Bid{}, err
	}

	// Warm-up talks to the wallet service; keep it outside the listing lock.
	if err := h.balance.WarmUpBalance(ctx, cmd.BidderID, listing.AuctionEndTime); err != nil {
		return model.Bid{}, fmt.Errorf("%w: warm up: %w", ErrBalanceUnavailable, err)
	}

	bid, previousBidder, err := h.place(ctx, cmd)
	if err != nil {
		return model.Bid{}, err
	}

	// Notify after the listing lock is released.
	if err := h.notifier.BidPlaced(context.WithoutCancel(ctx), BidPlaced{
		ListingID:      bid.ListingID,
		BidID:          bid.ID,
		BidderID:       bid.BidderID,
		Amount:         bid.Amount,
		BidTime:        bid.BidTime,
		PreviousBidder: previousBidder,
	}); err != nil {
		slog.Warn("bid notification failed", "listing_id", bid.ListingID, "bid_id", bid.ID, "err", err)
	}
	return bid, nil
}

// place runs the reservation and persistence steps under the listing lock.
// It returns the accepted bid and the bidder it displaced, if any.
func (h *BidHandler) place(ctx context.Context, cmd BidCommand) (model.Bid, string, error) {
	unlock, err := h.locker.Lock(ctx, cmd.ListingID)
	if errors.Is(err, lock.ErrNotAcquired) {
		return model.Bid{}, "", ErrBusy
	}
	if err != nil {
		return model.Bid{}, "", fmt.Errorf("lock listing: %w", err)
	}
	defer unlock()

	// Reload: the copy read before locking may be stale.
	listing, err := h.load(ctx, cmd.ListingID)
	if err != nil {
		return model.Bid{}, "", err
	}

	if own := listing.BidOf(cmd.BidderID); own != nil {
		if own.Status == model.BidWinning {
			return model.Bid{}, "", ErrAlreadyHighestBidder
		}
		if cmd.Amount.LessThanOrEqual(own.Amount) {
			return model.Bid{}, "", ErrBidTooLow
		}
	}

	prior, err := h.balance.GetAuctionLockedAmount(ctx, cmd.BidderID, cmd.ListingID)
	if err != nil {
		return model.Bid{}, "", fmt.Errorf("%w: read hold: %w", ErrBalanceUnavailable, err)
	}

	ok, err := h.balance.ReserveForAuction(ctx, cmd.BidderID, cmd.ListingID, cmd.Amount)
	if err != nil {
		metrics.ReservationOps.WithLabelValues("reserve", "error").Inc()
		// The script may have run before the error surfaced.
		h.restore(ctx, cmd.BidderID, cmd.ListingID, prior)
		return model.Bid{}, "", fmt.Errorf("%w: reserve: %w", ErrBalanceUnavailable, err)
	}
	if !ok {
		metrics.ReservationOps.WithLabelValues("reserve", "insufficient").Inc()
		return model.Bid{}, "", h.insufficient(ctx, cmd)
	}
	metrics.ReservationOps.WithLabelValues("reserve", "ok").Inc()

	var previousBidder string
	if w := listing.WinningBid(); w != nil && w.BidderID != cmd.BidderID {
		previousBidder = w.BidderID
	}

	bid, err := listing.PlaceBid(cmd.BidderID, cmd.Amount, h.clock.Now())
	if err != nil {
		h.restore(ctx, cmd.BidderID, cmd.ListingID, prior)
		return model.Bid{}, "", fmt.Errorf("%w: %w", ErrDomainRejected, err)
	}

	if err := h.store.SaveListing(ctx, listing); err != nil {
		h.restore(ctx, cmd.BidderID, cmd.ListingID, prior)
		if errors.Is(err, store.ErrVersionConflict) {
			return model.Bid{}, "", fmt.Errorf("%w: %w", ErrDomainRejected, err)
		}
		return model.Bid{}, "", fmt.Errorf("save listing: %w", err)
	}

	if previousBidder != "" {
		h.releaseOutbid(ctx, previousBidder, cmd.ListingID)
	}

	return bid, previousBidder, nil
}

func (h *BidHandler) load(ctx context.Context, id string) (*model.Listing, error) {
	l, err := h.store.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	return l, nil
}

func (h *BidHandler) insufficient(ctx context.Context, cmd BidCommand) error {
	e := &InsufficientBalanceError{Required: cmd.Amount}
	if b, err := h.balance.GetBalance(ctx, cmd.BidderID); err == nil {
		e.Available = b.Available
		e.Locked = b.Locked
	} else {
		slog.Warn("read balance for rejection", "bidder_id", cmd.BidderID, "err", err)
	}
	return e
}

// restore puts the bidder's hold on the listing back to prior.
func (h *BidHandler) restore(ctx context.Context, bidderID, listingID string, prior decimal.Decimal) {
	ctx = context.WithoutCancel(ctx)
	metrics.CompensationsTotal.WithLabelValues("bid_rejected").Inc()

	var err error
	if prior.IsZero() {
		err = h.balance.ReleaseForAuction(ctx, bidderID, listingID)
	} else {
		var ok bool
		ok, err = h.balance.ReserveForAuction(ctx, bidderID, listingID, prior)
		if err == nil && !ok {
			err = errors.New("restore refused by balance authority")
		}
	}
	if err != nil {
		metrics.InconsistenciesTotal.WithLabelValues("compensate").Inc()
		slog.Error("reservation inconsistency: compensation failed",
			"bidder_id", bidderID,
			"listing_id", listingID,
			"restore_to", prior.String(),
			"err", err,
		)
	}
}

// releaseOutbid frees the previous winner's hold. The bid is already
// persisted, so a failure is recorded for reconciliation, not returned.
func (h *BidHandler) releaseOutbid(ctx context.Context, bidderID, listingID string) {
	if err := h.balance.ReleaseForAuction(context.WithoutCancel(ctx), bidderID, listingID); err != nil {
		metrics.ReservationOps.WithLabelValues("release", "error").Inc()
		metrics.InconsistenciesTotal.WithLabelValues("release_outbid").Inc()
		slog.Error("reservation inconsistency: outbid release failed",
			"bidder_id", bidderID,
			"listing_id", listingID,
			"err", err,
		)
		return
	}
	metrics.ReservationOps.WithLabelValues("release", "ok").Inc()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyHighestBidder):
		return "already_highest"
	case errors.Is(err, ErrBidTooLow):
		return "too_low"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDomainRejected):
		return "domain_rejected"
	case errors.Is(err, ErrBalanceUnavailable):
		return "balance_unavailable"
	case errors.Is(err, ErrBusy):
		return "busy"
	}
	return "error"
}
