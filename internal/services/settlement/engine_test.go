package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/stocksim/internal/domain"
	"github.com/vadiminshakov/stocksim/internal/services/pricecache"
	"github.com/vadiminshakov/stocksim/internal/storage/ledger"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *pricecache.Cache, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.New(t.TempDir(), nil, ledger.WithBusyTimeout(10*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	cache := pricecache.New()
	return New(l, cache, nil, opts...), cache, l
}

func seed(t *testing.T, cache *pricecache.Cache, ticker, price string) {
	t.Helper()
	require.True(t, cache.Set(domain.Quote{
		Ticker: ticker,
		Price:  decimal.RequireFromString(price),
		Ts:     time.Now(),
	}))
}

func TestBuySellRoundTrip(t *testing.T) {
	e, cache, l := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	seed(t, cache, "AAPL", "100")
	buy, err := e.ExecuteBuy(ctx, "alice", "AAPL", 10)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionBuy, buy.Type)
	require.Equal(t, "1000", buy.Total.String())

	balance, err := l.Balance("alice")
	require.NoError(t, err)
	require.True(t, balance.IsZero(), "got %s", balance)

	holdings, err := l.Holdings("alice")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, int64(10), holdings[0].Quantity)
	require.Equal(t, "100", holdings[0].AveragePrice.String())

	seed(t, cache, "AAPL", "120")
	sell, err := e.ExecuteSell(ctx, "alice", "AAPL", 5)
	require.NoError(t, err)
	require.Equal(t, "600", sell.Total.String())

	balance, err = l.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, "600", balance.String())

	holdings, err = l.Holdings("alice")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, int64(5), holdings[0].Quantity)
	// selling never touches the cost basis of what remains
	require.Equal(t, "100", holdings[0].AveragePrice.String())

	txs, err := l.Transactions("alice")
	require.NoError(t, err)
	require.Len(t, txs, 3)
}

func TestBuyInsufficientFundsLeavesStateUntouched(t *testing.T) {
	e, cache, l := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.NewFromInt(50))
	require.NoError(t, err)
	seed(t, cache, "AAPL", "100")

	_, err = e.ExecuteBuy(ctx, "alice", "AAPL", 1)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	balance, err := l.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, "50", balance.String())

	holdings, err := l.Holdings("alice")
	require.NoError(t, err)
	require.Empty(t, holdings)

	txs, err := l.Transactions("alice")
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestSellInsufficientHoldings(t *testing.T) {
	e, cache, l := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)
	seed(t, cache, "AAPL", "100")

	// nothing held at all
	_, err = e.ExecuteSell(ctx, "alice", "AAPL", 1)
	require.ErrorIs(t, err, domain.ErrInsufficientHoldings)

	_, err = e.ExecuteBuy(ctx, "alice", "AAPL", 5)
	require.NoError(t, err)

	// held, but not enough
	_, err = e.ExecuteSell(ctx, "alice", "AAPL", 6)
	require.ErrorIs(t, err, domain.ErrInsufficientHoldings)

	balance, err := l.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, "500", balance.String())
}

func TestInvalidQuantity(t *testing.T) {
	e, cache, _ := newTestEngine(t)
	ctx := context.Background()
	seed(t, cache, "AAPL", "100")

	for _, qty := range []int64{0, -3} {
		_, err := e.ExecuteBuy(ctx, "alice", "AAPL", qty)
		require.ErrorIs(t, err, domain.ErrInvalidQuantity)
		_, err = e.ExecuteSell(ctx, "alice", "AAPL", qty)
		require.ErrorIs(t, err, domain.ErrInvalidQuantity)
	}
}

func TestInvalidAmount(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.Zero)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = e.Withdraw(ctx, "alice", decimal.NewFromInt(-5))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestWithdraw(t *testing.T) {
	e, _, l := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = e.Withdraw(ctx, "alice", decimal.NewFromInt(40))
	require.NoError(t, err)

	_, err = e.Withdraw(ctx, "alice", decimal.NewFromInt(100))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	balance, err := l.Balance("alice")
	require.NoError(t, err)
	require.Equal(t, "60", balance.String())
}

func TestQuoteUnavailable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = e.ExecuteBuy(ctx, "alice", "NOPE", 1)
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
	_, err = e.ExecuteSell(ctx, "alice", "NOPE", 1)
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
}

func TestStaleQuoteRejected(t *testing.T) {
	e, cache, _ := newTestEngine(t, WithMaxQuoteAge(time.Minute))
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	require.True(t, cache.Set(domain.Quote{
		Ticker: "AAPL",
		Price:  decimal.NewFromInt(100),
		Ts:     time.Now().Add(-2 * time.Minute),
	}))
	_, err = e.ExecuteBuy(ctx, "alice", "AAPL", 1)
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)

	seed(t, cache, "AAPL", "100")
	_, err = e.ExecuteBuy(ctx, "alice", "AAPL", 1)
	require.NoError(t, err)
}

func TestFractionalAveragePriceIsExact(t *testing.T) {
	e, cache, l := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.RequireFromString("1000"))
	require.NoError(t, err)

	seed(t, cache, "AAPL", "0.1")
	_, err = e.ExecuteBuy(ctx, "alice", "AAPL", 1)
	require.NoError(t, err)
	seed(t, cache, "AAPL", "0.2")
	_, err = e.ExecuteBuy(ctx, "alice", "AAPL", 2)
	require.NoError(t, err)

	holdings, err := l.Holdings("alice")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	// (1*0.1 + 2*0.2) / 3, no float drift allowed
	want := decimal.RequireFromString("0.5").Div(decimal.NewFromInt(3))
	require.True(t, holdings[0].AveragePrice.Equal(want),
		"got %s want %s", holdings[0].AveragePrice, want)
}

func TestConcurrentBuysSingleUser(t *testing.T) {
	e, cache, l := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Deposit(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)
	seed(t, cache, "AAPL", "100")

	// 20 concurrent buys of 1 share at 100 against a 1000 balance: exactly
	// 10 settle, the rest fail on funds, and nothing overdraws.
	const workers = 20
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteBuy(ctx, "alice", "AAPL", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var settled, rejected int
	for err := range errs {
		switch {
		case err == nil:
			settled++
		default:
			require.ErrorIs(t, err, domain.ErrInsufficientFunds)
			rejected++
		}
	}
	require.Equal(t, 10, settled)
	require.Equal(t, 10, rejected)

	balance, err := l.Balance("alice")
	require.NoError(t, err)
	require.True(t, balance.IsZero(), "got %s", balance)

	holdings, err := l.Holdings("alice")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, int64(10), holdings[0].Quantity)
}
