// Package feed maintains the long-lived subscription to the external
// price-feed service and pushes every accepted update into the price cache
// and the distribution hub.
package feed

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/stocksim/internal/domain"
	"github.com/vadiminshakov/stocksim/internal/services/pricecache"
	"go.uber.org/zap"
)

// State of the ingestion connection, for logging and tests.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// Publisher receives every accepted quote for fan-out.
type Publisher interface {
	Publish(ticker string, quote domain.Quote)
}

// priceRequest is the subscribe frame sent after every (re)connect. The
// reserved ticker ALL asks the feed for the full stream.
type priceRequest struct {
	Ticker string `json:"ticker"`
}

// priceUpdate is one inbound frame: decimal price as a string, feed
// timestamp in unix milliseconds.
type priceUpdate struct {
	Ticker string `json:"ticker"`
	Price  string `json:"price"`
	Ts     int64  `json:"ts"`
}

// Client ingests the external price stream. A feed outage only degrades
// freshness: the client reconnects forever with jittered backoff and the
// cache keeps serving the last known quotes meanwhile.
type Client struct {
	url    string
	cache  *pricecache.Cache
	pub    Publisher
	logger *zap.Logger

	dialer  *websocket.Dialer
	backoff *backoff.Backoff
	state   atomic.Int32
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect backoff floor and ceiling.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.backoff.Min = min
		}
		if max > 0 {
			c.backoff.Max = max
		}
	}
}

// New creates an ingestion client for the feed at url.
func New(url string, cache *pricecache.Cache, pub Publisher, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:    url,
		cache:  cache,
		pub:    pub,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Run drives the ingestion loop until ctx is cancelled. Stream errors are
// recovered internally and never returned.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		c.setState(StateConnecting)
		err := c.stream(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.setState(StateBackoff)
		wait := c.backoff.Duration()
		c.logger.Warn("price feed disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// stream runs one connection: dial, subscribe to ALL, read until error.
func (c *Client) stream(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial price feed")
	}
	defer conn.Close()

	if err := conn.WriteJSON(priceRequest{Ticker: domain.AllTickers}); err != nil {
		return errors.Wrap(err, "subscribe to price feed")
	}

	c.setState(StateStreaming)
	c.logger.Info("price feed connected", zap.String("url", c.url))

	// close the socket when ctx is cancelled so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read price feed")
		}
		// any successful read resets the backoff counter
		c.backoff.Reset()

		if err := c.handleMessage(payload); err != nil {
			c.logger.Warn("skipping malformed price update", zap.Error(err))
		}
	}
}

// handleMessage parses one inbound frame and applies it. The ALL sentinel
// fans the price out to every ticker currently known to the cache.
func (c *Client) handleMessage(payload []byte) error {
	var update priceUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return errors.Wrap(err, "decode price update")
	}
	if update.Ticker == "" {
		return errors.New("price update without ticker")
	}

	price, err := decimal.NewFromString(update.Price)
	if err != nil {
		return errors.Wrapf(err, "parse price %q for %s", update.Price, update.Ticker)
	}
	ts := time.UnixMilli(update.Ts)

	if update.Ticker == domain.AllTickers {
		for _, ticker := range c.cache.Tickers() {
			c.apply(domain.Quote{Ticker: ticker, Price: price, Ts: ts})
		}
		return nil
	}

	c.apply(domain.Quote{Ticker: update.Ticker, Price: price, Ts: ts})
	return nil
}

// apply writes the quote into the cache and, only if the out-of-order
// guard accepted it, publishes it to subscribers.
func (c *Client) apply(q domain.Quote) {
	if !c.cache.Set(q) {
		c.logger.Debug("dropped out-of-order quote",
			zap.String("ticker", q.Ticker),
			zap.Time("ts", q.Ts))
		return
	}
	if c.pub != nil {
		c.pub.Publish(q.Ticker, q)
	}
}
