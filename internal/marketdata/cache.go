// Package marketdata provides an in-process market-data cache with TTL
// expiry and LRU eviction. It backs tests, backtests, and single-node
// deployments that run without Redis; the redis cache package is the
// distributed counterpart behind the same interfaces.
package marketdata

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avdeev/tradeforge/internal/domain"
)

// defaultMaxEntries bounds the cache when the caller passes no limit.
const defaultMaxEntries = 1024

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a TTL + LRU map. Every hit refreshes recency; inserting past
// capacity evicts the least recently used entry. Expired entries are
// dropped lazily on read.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List // front = most recently used
	maxEntries int
	ttls       domain.CacheTTLs
	now        func() time.Time
}

var _ domain.MarketDataCache = (*Cache)(nil)

// NewCache builds a cache with the given capacity and TTL policy. A
// non-positive maxEntries uses the default bound.
func NewCache(maxEntries int, ttls domain.CacheTTLs) *Cache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*entry),
		order:      list.New(),
		maxEntries: maxEntries,
		ttls:       ttls,
		now:        time.Now,
	}
}

func (c *Cache) set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(e.elem)
		return
	}
	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	e := &entry{key: key, value: value, expiresAt: c.now().Add(ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

func (c *Cache) evictOldest() {
	if back := c.order.Back(); back != nil {
		c.removeLocked(back.Value.(*entry))
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func tickerKey(symbol string) string { return "ticker:" + symbol }

func candleKey(symbol string, tf domain.Timeframe) string {
	return fmt.Sprintf("candles:%s:%s", symbol, tf)
}

const symbolsKey = "symbols"

// SetTicker caches the latest ticker for its symbol.
func (c *Cache) SetTicker(_ context.Context, t domain.Ticker) error {
	c.set(tickerKey(t.Symbol), t, c.ttls.Ticker)
	return nil
}

// GetTicker returns ErrNotFound for missing or expired entries.
func (c *Cache) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	v, ok := c.get(tickerKey(symbol))
	if !ok {
		return domain.Ticker{}, domain.ErrNotFound
	}
	return v.(domain.Ticker), nil
}

// SetCandles stores a copy of the window so later caller mutations cannot
// tear a cached read.
func (c *Cache) SetCandles(_ context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) error {
	cp := make([]domain.Candle, len(candles))
	copy(cp, candles)
	c.set(candleKey(symbol, tf), cp, c.ttls.Candles)
	return nil
}

// GetCandles returns a copy of the cached window, or ErrNotFound.
func (c *Cache) GetCandles(_ context.Context, symbol string, tf domain.Timeframe) ([]domain.Candle, error) {
	v, ok := c.get(candleKey(symbol, tf))
	if !ok {
		return nil, domain.ErrNotFound
	}
	cached := v.([]domain.Candle)
	out := make([]domain.Candle, len(cached))
	copy(out, cached)
	return out, nil
}

// SetSymbols caches the tradable symbol list.
func (c *Cache) SetSymbols(_ context.Context, symbols []string) error {
	cp := make([]string, len(symbols))
	copy(cp, symbols)
	c.set(symbolsKey, cp, c.ttls.Symbols)
	return nil
}

// GetSymbols returns the cached symbol list, or ErrNotFound.
func (c *Cache) GetSymbols(_ context.Context) ([]string, error) {
	v, ok := c.get(symbolsKey)
	if !ok {
		return nil, domain.ErrNotFound
	}
	cached := v.([]string)
	out := make([]string, len(cached))
	copy(out, cached)
	return out, nil
}
