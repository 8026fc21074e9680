package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/avdeev/tradeforge/internal/domain"
)

// MarketCache implements domain.MarketDataCache on Redis. Every entry is a
// JSON value under its own key with a native TTL, so expiry is handled by
// the server and a read either sees a whole entry or nothing.
//
// Keys: "ticker:{symbol}", "candles:{symbol}:{timeframe}", "symbols".
type MarketCache struct {
	rdb  *redis.Client
	ttls domain.CacheTTLs
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client, ttls domain.CacheTTLs) *MarketCache {
	return &MarketCache{rdb: c.Underlying(), ttls: ttls}
}

func tickerKey(symbol string) string { return "ticker:" + symbol }

func candleKey(symbol string, tf domain.Timeframe) string {
	return fmt.Sprintf("candles:%s:%s", symbol, tf)
}

const symbolsKey = "symbols"

// SetTicker stores the latest ticker under the ticker TTL.
func (mc *MarketCache) SetTicker(ctx context.Context, t domain.Ticker) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal ticker %s: %w", t.Symbol, err)
	}
	if err := mc.rdb.Set(ctx, tickerKey(t.Symbol), payload, mc.ttls.Ticker).Err(); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", t.Symbol, err)
	}
	return nil
}

// GetTicker returns domain.ErrNotFound for missing or expired entries.
func (mc *MarketCache) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	payload, err := mc.rdb.Get(ctx, tickerKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Ticker{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s: %w", symbol, err)
	}
	var t domain.Ticker
	if err := json.Unmarshal(payload, &t); err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: unmarshal ticker %s: %w", symbol, err)
	}
	return t, nil
}

// SetCandles stores an OHLCV window under the candle TTL.
func (mc *MarketCache) SetCandles(ctx context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) error {
	payload, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("redis: marshal candles %s %s: %w", symbol, tf, err)
	}
	if err := mc.rdb.Set(ctx, candleKey(symbol, tf), payload, mc.ttls.Candles).Err(); err != nil {
		return fmt.Errorf("redis: set candles %s %s: %w", symbol, tf, err)
	}
	return nil
}

// GetCandles returns domain.ErrNotFound for missing or expired windows.
func (mc *MarketCache) GetCandles(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.Candle, error) {
	payload, err := mc.rdb.Get(ctx, candleKey(symbol, tf)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get candles %s %s: %w", symbol, tf, err)
	}
	var candles []domain.Candle
	if err := json.Unmarshal(payload, &candles); err != nil {
		return nil, fmt.Errorf("redis: unmarshal candles %s %s: %w", symbol, tf, err)
	}
	return candles, nil
}

// SetSymbols stores the tradable symbol list under the symbols TTL.
func (mc *MarketCache) SetSymbols(ctx context.Context, symbols []string) error {
	payload, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("redis: marshal symbols: %w", err)
	}
	if err := mc.rdb.Set(ctx, symbolsKey, payload, mc.ttls.Symbols).Err(); err != nil {
		return fmt.Errorf("redis: set symbols: %w", err)
	}
	return nil
}

// GetSymbols returns domain.ErrNotFound when the list is missing or expired.
func (mc *MarketCache) GetSymbols(ctx context.Context) ([]string, error) {
	payload, err := mc.rdb.Get(ctx, symbolsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get symbols: %w", err)
	}
	var symbols []string
	if err := json.Unmarshal(payload, &symbols); err != nil {
		return nil, fmt.Errorf("redis: unmarshal symbols: %w", err)
	}
	return symbols, nil
}

// Compile-time interface check.
var _ domain.MarketDataCache = (*MarketCache)(nil)
