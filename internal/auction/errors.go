package auction

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("auction: listing not found")
	ErrUnauthorized         = errors.New("auction: no authenticated bidder")
	ErrAlreadyHighestBidder = errors.New("auction: bidder already holds the winning bid")
	ErrBidTooLow            = errors.New("auction: bid must exceed the bidder's previous bid")
	ErrInsufficientBalance  = errors.New("auction: insufficient balance")
	ErrNotExpired           = errors.New("auction: auction has not ended yet")
	ErrDomainRejected       = errors.New("auction: bid rejected by listing")
	ErrBalanceUnavailable   = errors.New("auction: balance authority unavailable")
	ErrBusy                 = errors.New("auction: another bid is being processed")
)

// InsufficientBalanceError carries the bidder's funds at the moment the
// reservation was refused. It matches ErrInsufficientBalance under errors.Is.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("auction: insufficient balance: available %s, locked %s, required %s",
		e.Available, e.Locked, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
