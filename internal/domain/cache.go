package domain

import (
	"context"
	"time"
)

// Market-data caches insulate the engine from exchange latency and rate
// limits. Entries carry endpoint-specific TTLs: tickers a few seconds,
// candles one to five minutes, symbol lists about an hour. Readers must
// never observe a half-written entry; writers replace atomically.

// TickerCache caches the latest ticker per symbol.
type TickerCache interface {
	SetTicker(ctx context.Context, t Ticker) error
	// GetTicker returns ErrNotFound for missing or expired entries.
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
}

// CandleCache caches OHLCV windows keyed by symbol and timeframe.
type CandleCache interface {
	SetCandles(ctx context.Context, symbol string, tf Timeframe, candles []Candle) error
	GetCandles(ctx context.Context, symbol string, tf Timeframe) ([]Candle, error)
}

// SymbolCache caches the exchange's tradable symbol list.
type SymbolCache interface {
	SetSymbols(ctx context.Context, symbols []string) error
	GetSymbols(ctx context.Context) ([]string, error)
}

// MarketDataCache bundles the cache capabilities a bot loop needs.
type MarketDataCache interface {
	TickerCache
	CandleCache
	SymbolCache
}

// CacheTTLs holds the per-endpoint expiry policy.
type CacheTTLs struct {
	Ticker  time.Duration
	Candles time.Duration
	Symbols time.Duration
}

// DefaultCacheTTLs matches the documented policy: ~5s tickers, ~60s candles,
// ~1h symbol lists.
func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{
		Ticker:  5 * time.Second,
		Candles: 60 * time.Second,
		Symbols: time.Hour,
	}
}
