// Package domain defines the core data structures of the trading simulator.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllTickers is the reserved ticker the price feed uses to mean
// "apply this price to every known ticker" (bulk resets).
const AllTickers = "ALL"

// Quote is the latest known price for a ticker.
type Quote struct {
	// Ticker symbol, e.g. AAPL.
	Ticker string
	// Price last price reported by the feed.
	Price decimal.Decimal
	// Ts feed-side timestamp of the price.
	Ts time.Time
}

// UpdateLine renders the quote as the wire line pushed to subscribers.
func (q Quote) UpdateLine() string {
	return "update:" + q.Ticker + ":" + q.Price.String()
}
