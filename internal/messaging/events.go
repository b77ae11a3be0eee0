// Package messaging connects the auction engine to the marketplace's
// RabbitMQ topology: it consumes transaction failures and wallet balance
// updates, and publishes bid and auction-completion events.
package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/model"
)

// Exchanges, routing keys and queues shared with the other services.
const (
	TransactionExchange  = "transaction_exchange"
	TransactionFailedKey = "transaction.failed"
	TransactionFailedQ   = "transaction_failed_queue"
	BalanceExchange      = "balance_exchange"
	BalanceUpdateKey     = "balance.update.command"
	BalanceUpdateQ       = "balance.update.command.queue"
	AuctionExchange      = "auction_exchange"
	AuctionBidPlacedKey  = "auction.bid_placed"
	AuctionCompletedKey  = "auction.completed"
)

// ErrMalformed marks messages that can never be processed; they are
// dropped rather than requeued.
var ErrMalformed = errors.New("messaging: malformed message")

// Field names follow the publishers' camelCase; encoding/json matching is
// case-insensitive, so PascalCase payloads decode too.
type transactionFailedWire struct {
	TransactionID string          `json:"transactionId"`
	BuyerID       string          `json:"buyerId"`
	ListingID     string          `json:"listingId"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	ListingType   json.RawMessage `json:"listingType"`
	Message       string          `json:"message"`
}

type balanceUpdatedWire struct {
	UserID     string          `json:"userId"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// DecodeTransactionFailed parses a transaction.failed payload.
func DecodeTransactionFailed(body []byte) (model.TransactionFailed, error) {
	var w transactionFailedWire
	if err := json.Unmarshal(body, &w); err != nil {
		return model.TransactionFailed{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	kind, err := parseListingKind(w.ListingType)
	if err != nil {
		return model.TransactionFailed{}, err
	}
	if w.ListingID == "" {
		return model.TransactionFailed{}, fmt.Errorf("%w: missing listingId", ErrMalformed)
	}
	return model.TransactionFailed{
		TransactionID: w.TransactionID,
		BuyerID:       w.BuyerID,
		ListingID:     w.ListingID,
		TotalAmount:   w.TotalAmount,
		ListingKind:   kind,
		Reason:        w.Message,
	}, nil
}

// DecodeBalanceUpdated parses a balance.update.command payload.
func DecodeBalanceUpdated(body []byte) (model.BalanceUpdated, error) {
	var w balanceUpdatedWire
	if err := json.Unmarshal(body, &w); err != nil {
		return model.BalanceUpdated{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if w.UserID == "" {
		return model.BalanceUpdated{}, fmt.Errorf("%w: missing userId", ErrMalformed)
	}
	return model.BalanceUpdated{UserID: w.UserID, TotalBalance: w.NewBalance}, nil
}

// parseListingKind accepts the enum as a name or as its ordinal
// (0 fixed price, 1 auction). Absent means unknown.
func parseListingKind(raw json.RawMessage) (model.ListingKind, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: listingType: %w", ErrMalformed, err)
		}
		switch s {
		case "Auction", "auction":
			return model.KindAuction, nil
		case "FixedPrice", "fixedPrice", "fixed_price":
			return model.KindFixedPrice, nil
		case "":
			return "", nil
		}
		return "", fmt.Errorf("%w: unknown listingType %q", ErrMalformed, s)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return "", fmt.Errorf("%w: listingType: %w", ErrMalformed, err)
	}
	switch n {
	case 0:
		return model.KindFixedPrice, nil
	case 1:
		return model.KindAuction, nil
	}
	return "", fmt.Errorf("%w: unknown listingType %d", ErrMalformed, n)
}
