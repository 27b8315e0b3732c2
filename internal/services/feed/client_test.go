package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/stocksim/internal/domain"
	"github.com/vadiminshakov/stocksim/internal/services/pricecache"
)

type recordPublisher struct {
	mu     sync.Mutex
	quotes []domain.Quote
}

func (p *recordPublisher) Publish(_ string, quote domain.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes = append(p.quotes, quote)
}

func (p *recordPublisher) published() []domain.Quote {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Quote, len(p.quotes))
	copy(out, p.quotes)
	return out
}

func frame(t *testing.T, ticker, price string, ts time.Time) []byte {
	t.Helper()
	payload, err := json.Marshal(priceUpdate{Ticker: ticker, Price: price, Ts: ts.UnixMilli()})
	require.NoError(t, err)
	return payload
}

func TestHandleMessageAppliesAndPublishes(t *testing.T) {
	cache := pricecache.New()
	pub := &recordPublisher{}
	c := New("ws://unused", cache, pub, nil)

	now := time.Now()
	require.NoError(t, c.handleMessage(frame(t, "AAPL", "150.25", now)))

	got, ok := cache.Get("AAPL")
	require.True(t, ok)
	require.Equal(t, "150.25", got.Price.String())

	quotes := pub.published()
	require.Len(t, quotes, 1)
	require.Equal(t, "AAPL", quotes[0].Ticker)
	require.Equal(t, now.UnixMilli(), quotes[0].Ts.UnixMilli())
}

func TestHandleMessageDropsOutOfOrder(t *testing.T) {
	cache := pricecache.New()
	pub := &recordPublisher{}
	c := New("ws://unused", cache, pub, nil)

	now := time.Now()
	require.NoError(t, c.handleMessage(frame(t, "AAPL", "100", now)))
	// stale frame is swallowed without error and without fan-out
	require.NoError(t, c.handleMessage(frame(t, "AAPL", "90", now.Add(-time.Second))))

	got, _ := cache.Get("AAPL")
	require.Equal(t, "100", got.Price.String())
	require.Len(t, pub.published(), 1)
}

func TestHandleMessageAllSentinel(t *testing.T) {
	cache := pricecache.New()
	pub := &recordPublisher{}
	c := New("ws://unused", cache, pub, nil)

	base := time.Now()
	require.NoError(t, c.handleMessage(frame(t, "AAPL", "100", base)))
	require.NoError(t, c.handleMessage(frame(t, "MSFT", "200", base)))

	require.NoError(t, c.handleMessage(frame(t, domain.AllTickers, "42", base.Add(time.Second))))

	for _, ticker := range []string{"AAPL", "MSFT"} {
		got, ok := cache.Get(ticker)
		require.True(t, ok)
		require.Equal(t, "42", got.Price.String(), ticker)
	}
	require.Len(t, pub.published(), 4)
}

func TestHandleMessageMalformed(t *testing.T) {
	cache := pricecache.New()
	c := New("ws://unused", cache, nil, nil)

	for name, payload := range map[string][]byte{
		"invalid json":   []byte("{nope"),
		"missing ticker": []byte(`{"price":"100","ts":1}`),
		"bad price":      []byte(`{"ticker":"AAPL","price":"abc","ts":1}`),
	} {
		require.Error(t, c.handleMessage(payload), name)
	}
	require.Empty(t, cache.Tickers())
}

func TestNilPublisher(t *testing.T) {
	cache := pricecache.New()
	c := New("ws://unused", cache, nil, nil)
	require.NoError(t, c.handleMessage(frame(t, "AAPL", "100", time.Now())))
}

func TestRunStreamsAndReconnects(t *testing.T) {
	cache := pricecache.New()
	pub := &recordPublisher{}

	upgrader := websocket.Upgrader{}
	var dials sync.WaitGroup
	dials.Add(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Done()

		// the client must subscribe to the full stream first
		var req priceRequest
		if err := conn.ReadJSON(&req); err != nil || req.Ticker != domain.AllTickers {
			return
		}

		_ = conn.WriteMessage(websocket.TextMessage,
			frame(t, "AAPL", "150.25", time.Now()))
		// dropping the connection forces a reconnect
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(url, cache, pub, nil, WithBackoff(10*time.Millisecond, 20*time.Millisecond))
	require.Equal(t, StateDisconnected, c.State())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	waitDone := make(chan struct{})
	go func() {
		dials.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect after the feed dropped")
	}

	require.Eventually(t, func() bool {
		q, ok := cache.Get("AAPL")
		return ok && q.Price.Equal(decimal.RequireFromString("150.25"))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	require.Equal(t, StateDisconnected, c.State())
}
