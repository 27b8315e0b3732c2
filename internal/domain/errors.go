package domain

import "github.com/pkg/errors"

// Typed failures returned to trade callers. The web layer maps these to
// HTTP status codes; anything not in this list is reported as a generic
// internal failure.
var (
	// ErrQuoteUnavailable no cached price for the ticker (or the cached
	// price is older than the configured max age).
	ErrQuoteUnavailable = errors.New("no price available for ticker")
	// ErrInsufficientFunds balance does not cover the order cost.
	ErrInsufficientFunds = errors.New("insufficient balance for this transaction")
	// ErrInsufficientHoldings holding quantity does not cover the order.
	ErrInsufficientHoldings = errors.New("insufficient holdings for this transaction")
	// ErrInvalidQuantity order quantity is not a positive integer.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrInvalidAmount cash amount is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrBusy the per-user serialization point could not be acquired
	// within the configured timeout.
	ErrBusy = errors.New("user ledger is busy, try again")
	// ErrLedgerUnavailable the ledger store failed; details are logged
	// internally, never echoed to the caller.
	ErrLedgerUnavailable = errors.New("ledger temporarily unavailable")
	// ErrUnknownUser no account exists for the user id.
	ErrUnknownUser = errors.New("unknown user")
)
