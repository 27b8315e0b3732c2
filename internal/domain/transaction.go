package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType kind of a ledger transaction.
type TransactionType string

const (
	TransactionBuy      TransactionType = "buy"
	TransactionSell     TransactionType = "sell"
	TransactionDeposit  TransactionType = "deposit"
	TransactionWithdraw TransactionType = "withdraw"
)

// Transaction is one immutable record of the audit trail. It is created
// exactly once per settled order or cash movement and never updated.
type Transaction struct {
	// ID unique transaction identifier.
	ID string `json:"id"`
	// UserID owner of the transaction.
	UserID string `json:"user_id"`
	// Ticker traded symbol; empty for deposits and withdrawals.
	Ticker string `json:"ticker,omitempty"`
	// Quantity number of shares; zero for deposits and withdrawals.
	Quantity int64 `json:"quantity,omitempty"`
	// Price settlement price per share; zero for deposits and withdrawals.
	Price decimal.Decimal `json:"price"`
	// Total cash moved by the transaction.
	Total decimal.Decimal `json:"total"`
	// Type buy, sell, deposit or withdraw.
	Type TransactionType `json:"type"`
	// Ts settlement completion time.
	Ts time.Time `json:"ts"`
}

// String returns a human-readable string representation.
func (t *Transaction) String() string {
	if t.Ticker == "" {
		return fmt.Sprintf("%s %s user: %s", t.Type, t.Total.String(), t.UserID)
	}
	return fmt.Sprintf("%s %d %s @ %s user: %s", t.Type, t.Quantity, t.Ticker, t.Price.String(), t.UserID)
}
