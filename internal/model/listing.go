package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotAuction       = errors.New("model: listing is not an auction")
	ErrNotOpen          = errors.New("model: listing is not open")
	ErrAuctionEnded     = errors.New("model: auction has ended")
	ErrAuctionNotEnded  = errors.New("model: auction has not ended yet")
	ErrInvalidAmount    = errors.New("model: amount must be greater than zero")
	ErrBelowMinimumBid  = errors.New("model: bid is below the minimum bid")
	ErrBidNotHigher     = errors.New("model: bid must be higher than the current highest bid")
	ErrBidNotRaised     = errors.New("model: bid must be higher than the bidder's previous bid")
	ErrHasWinningBid    = errors.New("model: auction with a winning bid cannot be cancelled")
	ErrInvalidListing   = errors.New("model: invalid listing")
	ErrEndTimeNotFuture = errors.New("model: auction end time must be in the future")
)

// NewFixedPriceListing creates an Open fixed-price listing.
func NewFixedPriceListing(ownerID, creditID string, pricePerUnit, quantity decimal.Decimal, now time.Time) (*Listing, error) {
	if !pricePerUnit.IsPositive() || !quantity.IsPositive() {
		return nil, ErrInvalidListing
	}
	return &Listing{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		CreditID:     creditID,
		Kind:         KindFixedPrice,
		PricePerUnit: pricePerUnit,
		Quantity:     quantity,
		Status:       StatusOpen,
		CreatedAt:    now.UTC(),
	}, nil
}

// NewAuctionListing creates an Open auction listing ending at endTime.
func NewAuctionListing(ownerID, creditID string, minimumBid, quantity decimal.Decimal, endTime, now time.Time) (*Listing, error) {
	if !minimumBid.IsPositive() || !quantity.IsPositive() {
		return nil, ErrInvalidListing
	}
	if !endTime.After(now) {
		return nil, ErrEndTimeNotFuture
	}
	return &Listing{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		CreditID:       creditID,
		Kind:           KindAuction,
		MinimumBid:     minimumBid,
		Quantity:       quantity,
		Status:         StatusOpen,
		CreatedAt:      now.UTC(),
		AuctionEndTime: endTime.UTC(),
	}, nil
}

// WinningBid returns the single Winning bid, or nil if the auction has no bids.
func (l *Listing) WinningBid() *Bid {
	for i := range l.Bids {
		if l.Bids[i].Status == BidWinning {
			return &l.Bids[i]
		}
	}
	return nil
}

// BidOf returns the bidder's most recent bid on this listing, or nil.
func (l *Listing) BidOf(bidderID string) *Bid {
	for i := len(l.Bids) - 1; i >= 0; i-- {
		if l.Bids[i].BidderID == bidderID {
			return &l.Bids[i]
		}
	}
	return nil
}

// Expired reports whether the auction end time has been reached.
func (l *Listing) Expired(now time.Time) bool {
	return l.Kind == KindAuction && !now.Before(l.AuctionEndTime)
}

// PlaceBid records a new Winning bid and marks the previous winner Outbid.
// It mutates only in-memory state; persistence and fund movement belong to
// the caller.
func (l *Listing) PlaceBid(bidderID string, amount decimal.Decimal, now time.Time) (Bid, error) {
	if l.Kind != KindAuction {
		return Bid{}, ErrNotAuction
	}
	if l.Status != StatusOpen {
		return Bid{}, ErrNotOpen
	}
	if l.Expired(now) {
		return Bid{}, ErrAuctionEnded
	}
	if !amount.IsPositive() {
		return Bid{}, ErrInvalidAmount
	}
	if amount.LessThan(l.MinimumBid) {
		return Bid{}, ErrBelowMinimumBid
	}

	winning := l.WinningBid()
	if winning != nil && amount.LessThanOrEqual(winning.Amount) {
		return Bid{}, ErrBidNotHigher
	}
	if own := l.BidOf(bidderID); own != nil && amount.LessThanOrEqual(own.Amount) {
		return Bid{}, ErrBidNotRaised
	}

	if winning != nil {
		winning.Status = BidOutbid
	}

	bid := Bid{
		ID:        uuid.New().String(),
		ListingID: l.ID,
		BidderID:  bidderID,
		Amount:    amount,
		BidTime:   now.UTC(),
		Status:    BidWinning,
	}
	l.Bids = append(l.Bids, bid)
	return bid, nil
}

// CompleteAuction moves an expired auction to Sold (winning bid present) or
// Closed (no bids), recording the winner and final price.
func (l *Listing) CompleteAuction(now time.Time) error {
	if l.Kind != KindAuction {
		return ErrNotAuction
	}
	if l.Status != StatusOpen {
		return ErrNotOpen
	}
	if !l.Expired(now) {
		return ErrAuctionNotEnded
	}

	if w := l.WinningBid(); w != nil {
		l.WinnerID = w.BidderID
		l.FinalPrice = w.Amount
		l.terminate(StatusSold, now)
		return nil
	}
	l.terminate(StatusClosed, now)
	return nil
}

// Close ends an open listing without a sale.
func (l *Listing) Close(now time.Time) error {
	if l.Status != StatusOpen {
		return ErrNotOpen
	}
	l.terminate(StatusClosed, now)
	return nil
}

// MarkSold records a direct sale of an open listing.
func (l *Listing) MarkSold(buyerID string, price decimal.Decimal, now time.Time) error {
	if l.Status != StatusOpen {
		return ErrNotOpen
	}
	l.WinnerID = buyerID
	l.FinalPrice = price
	l.terminate(StatusSold, now)
	return nil
}

// Cancel withdraws an open listing. Auctions that already have a winner
// cannot be cancelled.
func (l *Listing) Cancel(now time.Time) error {
	if l.Status != StatusOpen {
		return ErrNotOpen
	}
	if l.Kind == KindAuction && l.WinningBid() != nil {
		return ErrHasWinningBid
	}
	l.terminate(StatusCancelled, now)
	return nil
}

func (l *Listing) terminate(status ListingStatus, now time.Time) {
	t := now.UTC()
	l.Status = status
	l.ClosedAt = &t
}
