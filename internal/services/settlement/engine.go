// Package settlement validates and applies buy/sell orders and cash
// movements against the ledger, using the latest cached quote as the
// settlement price.
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/stocksim/internal/domain"
	"github.com/vadiminshakov/stocksim/internal/services/pricecache"
	"github.com/vadiminshakov/stocksim/internal/storage/ledger"
	"go.uber.org/zap"
)

// Engine settles orders for all users. Same-user orders serialize inside
// the ledger; orders from different users proceed concurrently.
type Engine struct {
	ledger *ledger.Ledger
	cache  *pricecache.Cache
	logger *zap.Logger

	// maxQuoteAge, when positive, fails trades whose quote is older than
	// this instead of settling against an arbitrarily stale price.
	maxQuoteAge time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxQuoteAge enables the stale-quote guard. Zero keeps the default
// behaviour of settling against the last known quote regardless of age.
func WithMaxQuoteAge(d time.Duration) Option {
	return func(e *Engine) {
		e.maxQuoteAge = d
	}
}

// New creates a settlement engine.
func New(l *ledger.Ledger, cache *pricecache.Cache, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		ledger: l,
		cache:  cache,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// quoteFor resolves the settlement price for the ticker.
func (e *Engine) quoteFor(ticker string) (domain.Quote, error) {
	quote, ok := e.cache.Get(ticker)
	if !ok {
		return domain.Quote{}, domain.ErrQuoteUnavailable
	}
	if e.maxQuoteAge > 0 && time.Since(quote.Ts) > e.maxQuoteAge {
		return domain.Quote{}, domain.ErrQuoteUnavailable
	}
	if !quote.Price.IsPositive() {
		return domain.Quote{}, domain.ErrQuoteUnavailable
	}
	return quote, nil
}

// ExecuteBuy settles a buy order: the cost is deducted from the balance,
// the holding is created or its weighted average price recomputed, and one
// transaction is appended, all atomically.
func (e *Engine) ExecuteBuy(ctx context.Context, userID, ticker string, quantity int64) (domain.Transaction, error) {
	if quantity <= 0 {
		return domain.Transaction{}, domain.ErrInvalidQuantity
	}
	quote, err := e.quoteFor(ticker)
	if err != nil {
		return domain.Transaction{}, err
	}

	cost := quote.Price.Mul(decimal.NewFromInt(quantity))
	tx, err := e.ledger.Apply(ctx, userID, func(acc *ledger.Account) (domain.Transaction, error) {
		if acc.Balance.LessThan(cost) {
			return domain.Transaction{}, domain.ErrInsufficientFunds
		}
		tx := domain.Transaction{
			ID:       uuid.NewString(),
			UserID:   userID,
			Ticker:   ticker,
			Quantity: quantity,
			Price:    quote.Price,
			Total:    cost,
			Type:     domain.TransactionBuy,
			Ts:       time.Now(),
		}
		return tx, acc.ApplyTransaction(tx)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	e.logger.Info("buy settled",
		zap.String("user", userID),
		zap.String("ticker", ticker),
		zap.Int64("quantity", quantity),
		zap.String("price", quote.Price.String()),
		zap.String("cost", cost.String()))
	return tx, nil
}

// ExecuteSell settles a sell order: proceeds are credited to the balance,
// the holding quantity is reduced (the row is removed at zero), and one
// transaction is appended, all atomically. The average price of what
// remains is untouched.
func (e *Engine) ExecuteSell(ctx context.Context, userID, ticker string, quantity int64) (domain.Transaction, error) {
	if quantity <= 0 {
		return domain.Transaction{}, domain.ErrInvalidQuantity
	}
	quote, err := e.quoteFor(ticker)
	if err != nil {
		return domain.Transaction{}, err
	}

	proceeds := quote.Price.Mul(decimal.NewFromInt(quantity))
	tx, err := e.ledger.Apply(ctx, userID, func(acc *ledger.Account) (domain.Transaction, error) {
		h, ok := acc.Holding(ticker)
		if !ok || h.Quantity < quantity {
			return domain.Transaction{}, domain.ErrInsufficientHoldings
		}
		tx := domain.Transaction{
			ID:       uuid.NewString(),
			UserID:   userID,
			Ticker:   ticker,
			Quantity: quantity,
			Price:    quote.Price,
			Total:    proceeds,
			Type:     domain.TransactionSell,
			Ts:       time.Now(),
		}
		return tx, acc.ApplyTransaction(tx)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	e.logger.Info("sell settled",
		zap.String("user", userID),
		zap.String("ticker", ticker),
		zap.Int64("quantity", quantity),
		zap.String("price", quote.Price.String()),
		zap.String("proceeds", proceeds.String()))
	return tx, nil
}

// Deposit credits cash to the user's balance, creating the account on
// first use.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (domain.Transaction, error) {
	if !amount.IsPositive() {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	return e.ledger.Apply(ctx, userID, func(acc *ledger.Account) (domain.Transaction, error) {
		tx := domain.Transaction{
			ID:     uuid.NewString(),
			UserID: userID,
			Total:  amount,
			Type:   domain.TransactionDeposit,
			Ts:     time.Now(),
		}
		return tx, acc.ApplyTransaction(tx)
	})
}

// Withdraw debits cash from the user's balance.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (domain.Transaction, error) {
	if !amount.IsPositive() {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	return e.ledger.Apply(ctx, userID, func(acc *ledger.Account) (domain.Transaction, error) {
		tx := domain.Transaction{
			ID:     uuid.NewString(),
			UserID: userID,
			Total:  amount,
			Type:   domain.TransactionWithdraw,
			Ts:     time.Now(),
		}
		return tx, acc.ApplyTransaction(tx)
	})
}
