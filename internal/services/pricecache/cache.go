// Package pricecache keeps the latest known quote per ticker.
//
// The cache is written by a single ingestion goroutine and read by every
// settlement call, so entries live in a concurrent skip-list map and each
// entry carries its own lock. There is no cross-ticker locking.
package pricecache

import (
	"sync"

	"github.com/bytedance/gopkg/collection/skipmap"
	"github.com/vadiminshakov/stocksim/internal/domain"
)

// Cache is a process-wide ticker -> latest quote mapping.
type Cache struct {
	entries *skipmap.StringMap
}

type entry struct {
	mu    sync.RWMutex
	quote domain.Quote
	set   bool
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: skipmap.NewString()}
}

// Get returns the cached quote for the ticker, if any.
func (c *Cache) Get(ticker string) (domain.Quote, bool) {
	v, ok := c.entries.Load(ticker)
	if !ok {
		return domain.Quote{}, false
	}
	e := v.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.quote, e.set
}

// Set stores the quote unless a quote with an equal or newer timestamp is
// already cached for the ticker. It reports whether the quote was accepted,
// so callers can suppress fan-out of reordered updates.
func (c *Cache) Set(q domain.Quote) bool {
	v, _ := c.entries.LoadOrStore(q.Ticker, &entry{})
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set && !q.Ts.After(e.quote.Ts) {
		return false
	}
	e.quote = q
	e.set = true
	return true
}

// Tickers returns every ticker with a cached quote. Used by the ingestion
// client to expand the feed's bulk-reset sentinel.
func (c *Cache) Tickers() []string {
	var tickers []string
	c.entries.Range(func(key string, value interface{}) bool {
		e := value.(*entry)
		e.mu.RLock()
		known := e.set
		e.mu.RUnlock()
		if known {
			tickers = append(tickers, key)
		}
		return true
	})
	return tickers
}
