package marketdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeev/tradeforge/internal/domain"
)

// fakeClock lets tests advance cache time without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(maxEntries int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCache(maxEntries, domain.DefaultCacheTTLs())
	c.now = clock.Now
	return c, clock
}

func TestTickerTTL(t *testing.T) {
	c, clock := newTestCache(0)
	ctx := context.Background()

	ticker := domain.Ticker{Symbol: "BTCUSDT", Price: 50_000, Timestamp: clock.Now()}
	require.NoError(t, c.SetTicker(ctx, ticker))

	got, err := c.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, ticker, got)

	// Within the 5s ticker TTL.
	clock.Advance(4 * time.Second)
	_, err = c.GetTicker(ctx, "BTCUSDT")
	assert.NoError(t, err)

	// Past it.
	clock.Advance(2 * time.Second)
	_, err = c.GetTicker(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, c.Len(), "expired entries are dropped on read")
}

func TestCandlesTTLAndCopySemantics(t *testing.T) {
	c, clock := newTestCache(0)
	ctx := context.Background()

	candles := []domain.Candle{
		{Timestamp: clock.Now(), Close: 100},
		{Timestamp: clock.Now().Add(time.Minute), Close: 101},
	}
	require.NoError(t, c.SetCandles(ctx, "BTCUSDT", domain.Timeframe1m, candles))

	// Mutating the caller's slice after Set must not affect the cache.
	candles[0].Close = 999

	got, err := c.GetCandles(ctx, "BTCUSDT", domain.Timeframe1m)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got[0].Close)

	// Mutating the returned slice must not affect later reads.
	got[1].Close = 999
	again, err := c.GetCandles(ctx, "BTCUSDT", domain.Timeframe1m)
	require.NoError(t, err)
	assert.Equal(t, 101.0, again[1].Close)

	// Candle windows expire on the 60s TTL.
	clock.Advance(61 * time.Second)
	_, err = c.GetCandles(ctx, "BTCUSDT", domain.Timeframe1m)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCandleKeyIncludesTimeframe(t *testing.T) {
	c, clock := newTestCache(0)
	ctx := context.Background()

	require.NoError(t, c.SetCandles(ctx, "BTCUSDT", domain.Timeframe1m, []domain.Candle{{Timestamp: clock.Now(), Close: 1}}))
	_, err := c.GetCandles(ctx, "BTCUSDT", domain.Timeframe1h)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSymbolsRoundTrip(t *testing.T) {
	c, _ := newTestCache(0)
	ctx := context.Background()

	_, err := c.GetSymbols(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, c.SetSymbols(ctx, []string{"BTCUSDT", "ETHUSDT"}))
	got, err := c.GetSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func TestLRUEviction(t *testing.T) {
	c, clock := newTestCache(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sym := fmt.Sprintf("SYM%d", i)
		require.NoError(t, c.SetTicker(ctx, domain.Ticker{Symbol: sym, Price: float64(i), Timestamp: clock.Now()}))
	}

	// Touch SYM0 so SYM1 becomes the least recently used.
	_, err := c.GetTicker(ctx, "SYM0")
	require.NoError(t, err)

	require.NoError(t, c.SetTicker(ctx, domain.Ticker{Symbol: "SYM3", Price: 3, Timestamp: clock.Now()}))
	assert.Equal(t, 3, c.Len())

	_, err = c.GetTicker(ctx, "SYM1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "least recently used entry was evicted")
	_, err = c.GetTicker(ctx, "SYM0")
	assert.NoError(t, err)
	_, err = c.GetTicker(ctx, "SYM3")
	assert.NoError(t, err)
}

func TestOverwriteRefreshesEntry(t *testing.T) {
	c, clock := newTestCache(0)
	ctx := context.Background()

	require.NoError(t, c.SetTicker(ctx, domain.Ticker{Symbol: "BTCUSDT", Price: 1, Timestamp: clock.Now()}))
	clock.Advance(4 * time.Second)
	require.NoError(t, c.SetTicker(ctx, domain.Ticker{Symbol: "BTCUSDT", Price: 2, Timestamp: clock.Now()}))
	clock.Advance(4 * time.Second)

	got, err := c.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Price, "overwrite restarts the TTL")
	assert.Equal(t, 1, c.Len())
}
