package market

import (
	"errors"
	"fmt"
)

var (
	ErrListingNotFound   = errors.New("listing not found")
	ErrSelfTrade         = errors.New("cannot trade with yourself")
	ErrBidTooLow         = errors.New("bid below minimum")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrTimedOut          = errors.New("player is timed out")
	ErrBlacklisted       = errors.New("entity cannot be listed")
	ErrListingLimit      = errors.New("listing limit reached")
	ErrPriceOutOfRange   = errors.New("price out of range")
	ErrInvalidDuration   = errors.New("invalid auction duration")
	ErrInvalidListing    = errors.New("invalid listing")
	ErrNotSeller         = errors.New("not the seller")
	ErrHasBids           = errors.New("auction already has bids")
	ErrNotReady          = errors.New("market not loaded")
)

// ValidationError is a rejected request. It matches its sentinel with
// errors.Is.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(err error, format string, args ...any) error {
	return &ValidationError{Err: err, Detail: fmt.Sprintf(format, args...)}
}
