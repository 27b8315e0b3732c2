package domain

import "github.com/shopspring/decimal"

// Holding is a user's open position in one ticker.
type Holding struct {
	// Ticker symbol of the position.
	Ticker string `json:"ticker"`
	// Quantity number of shares held, always >= 0.
	Quantity int64 `json:"quantity"`
	// AveragePrice quantity-weighted average purchase price of the
	// open position. Sells never change it, only Quantity.
	AveragePrice decimal.Decimal `json:"average_price"`
}
