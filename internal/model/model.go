// Package model defines the marketplace's Listing aggregate and the auction
// bids it owns. Monetary values are shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingKind distinguishes fixed-price lots from timed auctions.
type ListingKind string

const (
	KindFixedPrice ListingKind = "FixedPrice"
	KindAuction    ListingKind = "Auction"
)

// ListingStatus is the lifecycle state of a listing. Open is the only
// non-terminal state.
type ListingStatus string

const (
	StatusOpen      ListingStatus = "Open"
	StatusClosed    ListingStatus = "Closed"
	StatusSold      ListingStatus = "Sold"
	StatusCancelled ListingStatus = "Cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ListingStatus) Terminal() bool {
	return s != StatusOpen
}

// BidStatus is the standing of one bid within its auction.
type BidStatus string

const (
	BidWinning BidStatus = "Winning"
	BidOutbid  BidStatus = "Outbid"
)

// Bid is one bid event against an auction listing. Bids are append-only:
// only the status field changes after creation, and only through the
// owning Listing.
type Bid struct {
	ID        string          `json:"id" db:"id"`
	ListingID string          `json:"listing_id" db:"listing_id"`
	BidderID  string          `json:"bidder_id" db:"bidder_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	BidTime   time.Time       `json:"bid_time" db:"bid_time"`
	Status    BidStatus       `json:"status" db:"status"`
}

// Listing is a tradable lot of carbon credits, either fixed-price or auction.
//
// Bids is the listing's ordered bid history. It is exported for persistence
// adapters that rehydrate the aggregate; all mutation goes through PlaceBid.
type Listing struct {
	ID             string          `json:"id" db:"id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	CreditID       string          `json:"credit_id" db:"credit_id"`
	Kind           ListingKind     `json:"kind" db:"kind"`
	PricePerUnit   decimal.Decimal `json:"price_per_unit" db:"price_per_unit"` // fixed-price only
	MinimumBid     decimal.Decimal `json:"minimum_bid" db:"minimum_bid"`       // auction only
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Status         ListingStatus   `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	AuctionEndTime time.Time       `json:"auction_end_time,omitempty" db:"auction_end_time"` // auction only
	WinnerID       string          `json:"winner_id,omitempty" db:"winner_id"`
	FinalPrice     decimal.Decimal `json:"final_price" db:"final_price"`
	Version        int64           `json:"version" db:"version"`
	Bids           []Bid           `json:"bids"`
}

// Clone returns a deep copy so stores can hand out aggregates without
// sharing the bid slice.
func (l *Listing) Clone() *Listing {
	c := *l
	if l.ClosedAt != nil {
		t := *l.ClosedAt
		c.ClosedAt = &t
	}
	if l.Bids != nil {
		c.Bids = make([]Bid, len(l.Bids))
		copy(c.Bids, l.Bids)
	}
	return &c
}

// TransactionFailed is the inbound notification that a downstream transaction
// referencing a listing could not complete.
type TransactionFailed struct {
	TransactionID string          `json:"transaction_id"`
	BuyerID       string          `json:"buyer_id"`
	ListingID     string          `json:"listing_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	ListingKind   ListingKind     `json:"listing_kind"`
	Reason        string          `json:"reason,omitempty"`
}

// BalanceUpdated reports a user's new total wallet balance after a deposit
// or withdrawal.
type BalanceUpdated struct {
	UserID       string          `json:"user_id"`
	TotalBalance decimal.Decimal `json:"total_balance"`
}
