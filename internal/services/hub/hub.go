// Package hub fans quote updates out to live subscriber connections.
//
// Delivery to each connection goes through a bounded outbound queue
// drained by a dedicated writer goroutine, so a slow consumer never stalls
// the publisher or other subscribers. When a queue is full the oldest
// queued line is dropped in favour of the newest (last-value-wins); a
// connection that keeps dropping beyond the configured limit is force
// closed.
package hub

import (
	"sync"

	"github.com/vadiminshakov/stocksim/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultQueueDepth = 64
	defaultDropLimit  = 256
)

// Conn is the duplex-channel abstraction the hub writes to. The web layer
// adapts websocket connections to it.
type Conn interface {
	// WriteUpdate sends one update line to the peer.
	WriteUpdate(line string) error
	// Close tears the underlying connection down.
	Close() error
}

// Hub tracks live subscriber connections grouped by ticker.
type Hub struct {
	logger     *zap.Logger
	queueDepth int
	dropLimit  int

	// registry lock guards only the two maps below; per-ticker sets and
	// per-subscriber queues carry their own locks.
	mu      sync.RWMutex
	tickers map[string]*tickerSet
	conns   map[Conn]*subscriber
}

type tickerSet struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueDepth sets the per-connection outbound queue depth.
func WithQueueDepth(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueDepth = n
		}
	}
}

// WithDropLimit sets how many drops a connection may accumulate before it
// is forcibly disconnected.
func WithDropLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.dropLimit = n
		}
	}
}

// New creates an empty Hub.
func New(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:     logger,
		queueDepth: defaultQueueDepth,
		dropLimit:  defaultDropLimit,
		tickers:    make(map[string]*tickerSet),
		conns:      make(map[Conn]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register starts tracking a connection and its writer goroutine. It must
// be called once per connection before Subscribe.
func (h *Hub) Register(conn Conn) {
	sub := &subscriber{
		conn:    conn,
		hub:     h,
		queue:   make([]string, 0, h.queueDepth),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		tickers: make(map[string]struct{}),
	}

	h.mu.Lock()
	if _, exists := h.conns[conn]; exists {
		h.mu.Unlock()
		return
	}
	h.conns[conn] = sub
	h.mu.Unlock()

	go sub.writeLoop()
}

// Subscribe adds the connection to the ticker's subscriber set.
func (h *Hub) Subscribe(conn Conn, ticker string) {
	h.mu.RLock()
	sub := h.conns[conn]
	h.mu.RUnlock()
	if sub == nil {
		return
	}

	ts := h.tickerSetFor(ticker)

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.tickers[ticker] = struct{}{}
	sub.mu.Unlock()

	ts.mu.Lock()
	ts.subs[sub] = struct{}{}
	ts.mu.Unlock()

	// RemoveConnection may have run between the two inserts above, in which
	// case it found nothing to detach. Undo the insert so a closed
	// connection never lingers in the set.
	sub.mu.Lock()
	removed := sub.closed
	sub.mu.Unlock()
	if removed {
		ts.mu.Lock()
		delete(ts.subs, sub)
		ts.mu.Unlock()
	}
}

// Unsubscribe removes the connection from the ticker's subscriber set.
// Unsubscribing from every ticker does not close the connection.
func (h *Hub) Unsubscribe(conn Conn, ticker string) {
	h.mu.RLock()
	sub := h.conns[conn]
	ts := h.tickers[ticker]
	h.mu.RUnlock()
	if sub == nil || ts == nil {
		return
	}

	sub.mu.Lock()
	delete(sub.tickers, ticker)
	sub.mu.Unlock()

	ts.mu.Lock()
	delete(ts.subs, sub)
	ts.mu.Unlock()
}

// RemoveConnection detaches the connection from every ticker set it was in
// and stops its writer. It is idempotent and must be called exactly when
// the connection closes or errors — subscriptions never outlive it.
func (h *Hub) RemoveConnection(conn Conn) {
	h.mu.Lock()
	sub := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if sub == nil {
		return
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	tickers := make([]string, 0, len(sub.tickers))
	for t := range sub.tickers {
		tickers = append(tickers, t)
	}
	sub.tickers = make(map[string]struct{})
	sub.mu.Unlock()

	for _, t := range tickers {
		h.mu.RLock()
		ts := h.tickers[t]
		h.mu.RUnlock()
		if ts == nil {
			continue
		}
		ts.mu.Lock()
		delete(ts.subs, sub)
		ts.mu.Unlock()
	}

	close(sub.done)
}

// Publish delivers the quote to every connection subscribed to its ticker
// without blocking on any of them.
func (h *Hub) Publish(ticker string, quote domain.Quote) {
	h.mu.RLock()
	ts := h.tickers[ticker]
	h.mu.RUnlock()
	if ts == nil {
		return
	}

	line := quote.UpdateLine()

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for sub := range ts.subs {
		sub.enqueue(line)
	}
}

// Subscribers reports how many connections are subscribed to the ticker.
func (h *Hub) Subscribers(ticker string) int {
	h.mu.RLock()
	ts := h.tickers[ticker]
	h.mu.RUnlock()
	if ts == nil {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.subs)
}

func (h *Hub) tickerSetFor(ticker string) *tickerSet {
	h.mu.RLock()
	ts := h.tickers[ticker]
	h.mu.RUnlock()
	if ts != nil {
		return ts
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ts = h.tickers[ticker]; ts == nil {
		ts = &tickerSet{subs: make(map[*subscriber]struct{})}
		h.tickers[ticker] = ts
	}
	return ts
}
