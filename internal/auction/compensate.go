package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/carbontc/auction-engine/internal/balance"
	"github.com/carbontc/auction-engine/internal/metrics"
	"github.com/carbontc/auction-engine/internal/model"
	"github.com/carbontc/auction-engine/internal/store"
)

// Compensator reacts to events from other services that affect held funds.
type Compensator struct {
	store   store.Store
	balance balance.Client
	syncer  balance.Syncer
}

// NewCompensator wires a compensator. syncer may be nil when balance
// updates are not consumed.
func NewCompensator(st store.Store, bal balance.Client, syncer balance.Syncer) *Compensator {
	return &Compensator{store: st, balance: bal, syncer: syncer}
}

// HandleTransactionFailed releases the buyer's hold for a transaction that
// did not complete. Releasing an already-released hold is a no-op. Only
// balance authority failures are returned, so the event can be redelivered.
func (c *Compensator) HandleTransactionFailed(ctx context.Context, evt model.TransactionFailed) error {
	if evt.BuyerID == "" {
		slog.Warn("transaction failed event without buyer, ignoring", "transaction_id", evt.TransactionID)
		return nil
	}

	kind := evt.ListingKind
	if kind == "" {
		l, err := c.store.GetListing(ctx, evt.ListingID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			slog.Warn("transaction failed for unknown listing, ignoring",
				"transaction_id", evt.TransactionID, "listing_id", evt.ListingID)
			return nil
		case err != nil:
			return fmt.Errorf("resolve listing kind: %w", err)
		}
		kind = l.Kind
	}

	var err error
	if kind == model.KindAuction {
		err = c.balance.ReleaseForAuction(ctx, evt.BuyerID, evt.ListingID)
	} else {
		err = c.balance.ReleaseForPurchase(ctx, evt.BuyerID, evt.TotalAmount)
		if errors.Is(err, balance.ErrNotLoaded) {
			// Nothing cached means nothing held here.
			err = nil
		}
	}
	if err != nil {
		metrics.ReservationOps.WithLabelValues("compensate", "error").Inc()
		return fmt.Errorf("release for failed transaction %s: %w", evt.TransactionID, err)
	}

	metrics.CompensationsTotal.WithLabelValues("transaction_failed").Inc()
	slog.Info("released hold for failed transaction",
		"transaction_id", evt.TransactionID,
		"buyer_id", evt.BuyerID,
		"listing_id", evt.ListingID,
		"kind", string(kind),
		"reason", evt.Reason,
	)
	return nil
}

// HandleBalanceUpdated applies a deposit or withdrawal to the cached balance.
func (c *Compensator) HandleBalanceUpdated(ctx context.Context, evt model.BalanceUpdated) error {
	if c.syncer == nil {
		return nil
	}
	if evt.UserID == "" {
		slog.Warn("balance update without user, ignoring")
		return nil
	}
	if err := c.syncer.SyncBalance(ctx, evt.UserID, evt.TotalBalance); err != nil {
		return fmt.Errorf("sync balance for %s: %w", evt.UserID, err)
	}
	slog.Info("balance synced", "user_id", evt.UserID, "total", evt.TotalBalance.String())
	return nil
}
