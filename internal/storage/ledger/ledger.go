// Package ledger is the durable keeper of balances, holdings and the
// transaction journal. Every mutation goes through Apply, which serializes
// calls per user, stages the change on a copy of the account and journals
// the transaction before the state becomes visible.
package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/stocksim/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultBusyTimeout  = 3 * time.Second
	journalKeyPrefix    = "tx_"
	journalSegmentLimit = 10000
	journalMaxSegments  = 1000
)

// Account is the mutable view of one user's state handed to an Apply
// closure. Mutations on it stay invisible until the closure returns
// without error and the journal write succeeds.
type Account struct {
	UserID   string
	Balance  decimal.Decimal
	Holdings map[string]domain.Holding
}

// ApplyTransaction applies a transaction to the account state. It is used
// both by settlement closures and by journal replay on startup, so the
// arithmetic of a committed transaction is defined in exactly one place.
func (a *Account) ApplyTransaction(tx domain.Transaction) error {
	switch tx.Type {
	case domain.TransactionDeposit:
		a.Balance = a.Balance.Add(tx.Total)
	case domain.TransactionWithdraw:
		next := a.Balance.Sub(tx.Total)
		if next.IsNegative() {
			return domain.ErrInsufficientFunds
		}
		a.Balance = next
	case domain.TransactionBuy:
		next := a.Balance.Sub(tx.Total)
		if next.IsNegative() {
			return domain.ErrInsufficientFunds
		}
		a.Balance = next
		h, ok := a.Holdings[tx.Ticker]
		if !ok {
			a.Holdings[tx.Ticker] = domain.Holding{
				Ticker:       tx.Ticker,
				Quantity:     tx.Quantity,
				AveragePrice: tx.Price,
			}
			return nil
		}
		oldQty := decimal.NewFromInt(h.Quantity)
		newQty := decimal.NewFromInt(h.Quantity + tx.Quantity)
		h.AveragePrice = h.AveragePrice.Mul(oldQty).
			Add(tx.Price.Mul(decimal.NewFromInt(tx.Quantity))).
			Div(newQty)
		h.Quantity += tx.Quantity
		a.Holdings[tx.Ticker] = h
	case domain.TransactionSell:
		h, ok := a.Holdings[tx.Ticker]
		if !ok || h.Quantity < tx.Quantity {
			return domain.ErrInsufficientHoldings
		}
		a.Balance = a.Balance.Add(tx.Total)
		h.Quantity -= tx.Quantity
		if h.Quantity == 0 {
			// drop the row entirely so a future buy starts a fresh cost basis
			delete(a.Holdings, tx.Ticker)
		} else {
			a.Holdings[tx.Ticker] = h
		}
	default:
		return errors.Errorf("unknown transaction type %q", tx.Type)
	}
	return nil
}

// Holding returns the account's position in the ticker, if any.
func (a *Account) Holding(ticker string) (domain.Holding, bool) {
	h, ok := a.Holdings[ticker]
	return h, ok
}

type account struct {
	mu       sync.RWMutex
	balance  decimal.Decimal
	holdings map[string]domain.Holding
	txs      []domain.Transaction
}

// Ledger keeps per-user account state in memory and journals every
// committed transaction to a write-ahead log. The journal is the
// replayable source of truth: construction rebuilds all balances and
// holdings from it.
type Ledger struct {
	mu       sync.Mutex // guards accounts and locks registries only
	accounts map[string]*account
	locks    map[string]chan struct{}

	walMu sync.Mutex
	wal   *gowal.Wal

	busyTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithBusyTimeout bounds how long Apply waits for the per-user
// serialization point before failing with ErrBusy.
func WithBusyTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.busyTimeout = d
		}
	}
}

// New opens the journal under dir, replays it into memory and returns the
// ready ledger.
func New(dir string, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	walCfg := gowal.Config{
		Dir:              dir,
		Prefix:           "journal_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	}
	wal, err := gowal.NewWAL(walCfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger journal")
	}

	l := &Ledger{
		accounts:    make(map[string]*account),
		locks:       make(map[string]chan struct{}),
		wal:         wal,
		busyTimeout: defaultBusyTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.replay(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) replay() error {
	replayed := 0
	for msg := range l.wal.Iterator() {
		var tx domain.Transaction
		if err := json.Unmarshal(msg.Value, &tx); err != nil {
			return errors.Wrapf(err, "decode journal record %s", msg.Key)
		}
		acc := l.accountLocked(tx.UserID)
		view := l.stage(tx.UserID, acc)
		if err := view.ApplyTransaction(tx); err != nil {
			return errors.Wrapf(err, "replay journal record %s", msg.Key)
		}
		acc.balance = view.Balance
		acc.holdings = view.Holdings
		acc.txs = append(acc.txs, tx)
		replayed++
	}
	if replayed > 0 {
		l.logger.Info("ledger journal replayed",
			zap.Int("transactions", replayed),
			zap.Int("accounts", len(l.accounts)))
	}
	return nil
}

// accountLocked returns the account for the user, creating it empty if
// missing. Callers must not rely on it outside l.mu or the user lock.
func (l *Ledger) accountLocked(userID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	if !ok {
		acc = &account{
			balance:  decimal.Zero,
			holdings: make(map[string]domain.Holding),
		}
		l.accounts[userID] = acc
	}
	return acc
}

func (l *Ledger) userLock(userID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[userID]
	if !ok {
		lk = make(chan struct{}, 1)
		l.locks[userID] = lk
	}
	return lk
}

func (l *Ledger) lookup(userID string) (*account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[userID]
	return acc, ok
}

// stage builds a deep copy of the account for a closure to mutate.
func (l *Ledger) stage(userID string, acc *account) *Account {
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	holdings := make(map[string]domain.Holding, len(acc.holdings))
	for k, v := range acc.holdings {
		holdings[k] = v
	}
	return &Account{
		UserID:   userID,
		Balance:  acc.balance,
		Holdings: holdings,
	}
}

// Apply runs fn against a consistent snapshot of the user's account,
// serialized against other Apply calls for the same user. The transaction
// fn returns is journaled and, only after the journal write succeeds, the
// staged state replaces the live one. Any error leaves the account exactly
// as before the call. Users that contend longer than the busy timeout get
// ErrBusy instead of waiting indefinitely.
func (l *Ledger) Apply(ctx context.Context, userID string, fn func(*Account) (domain.Transaction, error)) (domain.Transaction, error) {
	lk := l.userLock(userID)

	timer := time.NewTimer(l.busyTimeout)
	defer timer.Stop()
	select {
	case lk <- struct{}{}:
	case <-timer.C:
		return domain.Transaction{}, domain.ErrBusy
	case <-ctx.Done():
		return domain.Transaction{}, ctx.Err()
	}
	defer func() { <-lk }()

	// stage off the live account if one exists, otherwise off an empty
	// view; the account itself is only created once the mutation commits,
	// so a failed first call leaves no trace
	var view *Account
	acc, ok := l.lookup(userID)
	if ok {
		view = l.stage(userID, acc)
	} else {
		view = &Account{
			UserID:   userID,
			Balance:  decimal.Zero,
			Holdings: make(map[string]domain.Holding),
		}
	}

	tx, err := fn(view)
	if err != nil {
		return domain.Transaction{}, err
	}

	if err := l.journal(tx); err != nil {
		l.logger.Error("ledger journal write failed",
			zap.String("user", userID),
			zap.String("tx", tx.ID),
			zap.Error(err))
		return domain.Transaction{}, domain.ErrLedgerUnavailable
	}

	acc = l.accountLocked(userID)
	acc.mu.Lock()
	acc.balance = view.Balance
	acc.holdings = view.Holdings
	acc.txs = append(acc.txs, tx)
	acc.mu.Unlock()
	return tx, nil
}

func (l *Ledger) journal(tx domain.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "marshal transaction")
	}

	l.walMu.Lock()
	defer l.walMu.Unlock()
	nextIndex := l.wal.CurrentIndex() + 1
	return l.wal.Write(nextIndex, journalKeyPrefix+tx.ID, payload)
}

// Balance returns the user's current cash balance.
func (l *Ledger) Balance(userID string) (decimal.Decimal, error) {
	acc, ok := l.lookup(userID)
	if !ok {
		return decimal.Decimal{}, domain.ErrUnknownUser
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return acc.balance, nil
}

// Holdings returns the user's current positions.
func (l *Ledger) Holdings(userID string) ([]domain.Holding, error) {
	acc, ok := l.lookup(userID)
	if !ok {
		return nil, domain.ErrUnknownUser
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	holdings := make([]domain.Holding, 0, len(acc.holdings))
	for _, h := range acc.holdings {
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// Transactions returns the user's transaction history in settlement
// completion order.
func (l *Ledger) Transactions(userID string) ([]domain.Transaction, error) {
	acc, ok := l.lookup(userID)
	if !ok {
		return nil, domain.ErrUnknownUser
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	txs := make([]domain.Transaction, len(acc.txs))
	copy(txs, acc.txs)
	return txs, nil
}

// Close closes the underlying journal.
func (l *Ledger) Close() error {
	l.walMu.Lock()
	defer l.walMu.Unlock()
	return l.wal.Close()
}
