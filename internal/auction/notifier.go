package auction

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/model"
)

// BidPlaced is emitted after an accepted bid is persisted.
type BidPlaced struct {
	ListingID      string          `json:"listing_id"`
	BidID          string          `json:"bid_id"`
	BidderID       string          `json:"bidder_id"`
	Amount         decimal.Decimal `json:"amount"`
	BidTime        time.Time       `json:"bid_time"`
	PreviousBidder string          `json:"previous_bidder,omitempty"`
}

// AuctionCompleted is emitted after finalization moves a listing to Sold or Closed.
type AuctionCompleted struct {
	ListingID  string              `json:"listing_id"`
	OwnerID    string              `json:"owner_id"`
	CreditID   string              `json:"credit_id"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Status     model.ListingStatus `json:"status"`
	WinnerID   string              `json:"winner_id,omitempty"`
	FinalPrice decimal.Decimal     `json:"final_price"`
	ClosedAt   time.Time           `json:"closed_at"`
}

// Notifier receives auction events. Delivery is best-effort: errors are
// logged by the caller and never undo the change that produced the event.
type Notifier interface {
	BidPlaced(ctx context.Context, e BidPlaced) error
	AuctionCompleted(ctx context.Context, e AuctionCompleted) error
}

// Notifiers fans events out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) BidPlaced(ctx context.Context, e BidPlaced) error {
	var errs []error
	for _, n := range ns {
		if err := n.BidPlaced(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ns Notifiers) AuctionCompleted(ctx context.Context, e AuctionCompleted) error {
	var errs []error
	for _, n := range ns {
		if err := n.AuctionCompleted(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func completedEvent(l *model.Listing) AuctionCompleted {
	e := AuctionCompleted{
		ListingID:  l.ID,
		OwnerID:    l.OwnerID,
		CreditID:   l.CreditID,
		Quantity:   l.Quantity,
		Status:     l.Status,
		WinnerID:   l.WinnerID,
		FinalPrice: l.FinalPrice,
	}
	if l.ClosedAt != nil {
		e.ClosedAt = *l.ClosedAt
	}
	return e
}
