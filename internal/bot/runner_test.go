package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/exchange"
	"github.com/avdeev/tradeforge/internal/marketdata"
	"github.com/avdeev/tradeforge/internal/portfolio"
	"github.com/avdeev/tradeforge/internal/risk"
)

// fakeGateway is a scriptable exchange. Orders fill at avgPrice unless an
// error or terminal status is configured.
type fakeGateway struct {
	mu         sync.Mutex
	candles    []domain.Candle
	candlesErr error
	ticker     domain.Ticker
	tickerErr  error
	avgPrice   float64
	status     domain.OrderStatus
	orderErr   error
	orders     []domain.OrderRequest
}

func (g *fakeGateway) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tickerErr != nil {
		return domain.Ticker{}, g.tickerErr
	}
	return g.ticker, nil
}

func (g *fakeGateway) FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.candlesErr != nil {
		return nil, g.candlesErr
	}
	out := make([]domain.Candle, len(g.candles))
	copy(out, g.candles)
	return out, nil
}

func (g *fakeGateway) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	return map[string]domain.Balance{}, nil
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	if g.orderErr != nil {
		return domain.OrderResult{}, g.orderErr
	}
	status := g.status
	if status == "" {
		status = domain.OrderStatusFilled
	}
	return domain.OrderResult{
		OrderID:   fmt.Sprintf("ord-%d", len(g.orders)),
		Status:    status,
		FilledQty: req.Quantity,
		AvgPrice:  g.avgPrice,
	}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (g *fakeGateway) submitted() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.OrderRequest, len(g.orders))
	copy(out, g.orders)
	return out
}

func (g *fakeGateway) set(mutate func(*fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mutate(g)
}

// recordingSink collects emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(ctx context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) byType(typ domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// stubStrategy returns a fixed signal; the zero value is always flat.
type stubStrategy struct {
	sig domain.Signal
}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) MinBars() int { return 2 }
func (s *stubStrategy) Evaluate(window []domain.Candle) domain.Signal {
	return s.sig
}

type fixture struct {
	gw     *fakeGateway
	sink   *recordingSink
	cache  *marketdata.Cache
	ledger *portfolio.Manager
	deps   Deps
}

func newFixture(t *testing.T, cash float64, correlations map[[2]string]float64) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	limits, err := domain.LimitsForProfile(domain.ProfileModerate)
	require.NoError(t, err)

	n := 0
	ledger := portfolio.NewManager(cash, portfolio.Config{
		MaxPositions: 10,
		NewID:        func() string { n++; return fmt.Sprintf("id-%04d", n) },
	}, logger)

	gw := &fakeGateway{avgPrice: 50_000}
	sink := &recordingSink{}
	cache := marketdata.NewCache(0, domain.DefaultCacheTTLs())

	return &fixture{
		gw:     gw,
		sink:   sink,
		cache:  cache,
		ledger: ledger,
		deps: Deps{
			Gateway: gw,
			Cache:   cache,
			Ledger:  ledger,
			Gate:    risk.NewManager(limits, risk.DefaultConfig(), correlations, logger),
			Sink:    sink,
			Retry:   exchange.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			Logger:  logger,
		},
	}
}

// seedMarket pre-loads the cache so ticks never leave the process.
func (f *fixture) seedMarket(t *testing.T, symbol string, price float64) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	window := make([]domain.Candle, 60)
	for i := range window {
		window[i] = domain.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      price, High: price, Low: price, Close: price,
			Volume: 100,
		}
	}
	require.NoError(t, f.cache.SetCandles(ctx, symbol, domain.Timeframe1h, window))
	require.NoError(t, f.cache.SetTicker(ctx, domain.Ticker{Symbol: symbol, Price: price, Timestamp: start}))
}

// openFor opens a position directly in the ledger, bypassing the gateway.
func (f *fixture) openFor(t *testing.T, botID, symbol string, side domain.PositionSide, qty, price float64) domain.Position {
	t.Helper()
	resID, err := f.ledger.Reserve(portfolio.Reservation{
		BotID:    botID,
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Strategy: "stub",
	})
	require.NoError(t, err)
	pos, err := f.ledger.Commit(resID, portfolio.Fill{
		Quantity: qty,
		Price:    price,
		Time:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return pos
}

func stubBotConfig() domain.BotConfig {
	return domain.BotConfig{
		ID:               "bot-1",
		OwnerID:          "owner-1",
		Symbol:           "BTCUSDT",
		Timeframe:        domain.Timeframe1h,
		Strategy:         "stub",
		PositionFraction: 0.1,
		StopLossPct:      0.05,
		MaxPositions:     3,
		EvalInterval:     time.Hour,
		Active:           true,
	}
}

func longSignal(conf float64) domain.Signal {
	return domain.Signal{Direction: domain.DirectionLong, Confidence: conf, Strategy: "stub"}
}

func TestRunnerLifecycle(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	r := NewRunner(stubBotConfig(), &stubStrategy{}, f.deps)

	st := r.Status()
	assert.Equal(t, domain.BotCreated, st.State)
	assert.Equal(t, "bot-1", st.ID)
	assert.Equal(t, "BTCUSDT", st.Symbol)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, domain.BotRunning, r.Status().State)

	// A running bot cannot be started twice.
	assert.ErrorIs(t, r.Start(ctx), domain.ErrAlreadyExists)

	r.Stop()
	require.NoError(t, r.Join(5*time.Second))
	assert.Equal(t, domain.BotStopped, r.Status().State)
}

func TestRunnerJoinTimesOutWhenNeverStarted(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	r := NewRunner(stubBotConfig(), &stubStrategy{}, f.deps)
	assert.Error(t, r.Join(10*time.Millisecond))
}

func TestTickOpensPositionOnSignal(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	r := NewRunner(stubBotConfig(), &stubStrategy{sig: longSignal(0.6)}, f.deps)

	r.tick(context.Background())

	open := f.ledger.OpenPositionsForBot("bot-1")
	require.Len(t, open, 1)
	pos := open[0]
	assert.Equal(t, domain.PositionLong, pos.Side)
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	// Sized from the 5% stop distance (0.04), then capped by the bot's
	// position fraction: 0.1 * 10000 / 50000.
	assert.InDelta(t, 0.02, pos.Quantity, 1e-9)
	require.NotNil(t, pos.StopLoss)
	assert.InDelta(t, 47_500, *pos.StopLoss, 1e-9)

	perf := r.Status().Performance
	assert.Equal(t, int64(1), perf.Evaluations)
	assert.Equal(t, int64(1), perf.Signals)
	assert.Equal(t, int64(1), perf.Orders)
	assert.Zero(t, perf.Rejections)

	orders := f.gw.submitted()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderSideBuy, orders[0].Side)
	assert.Equal(t, domain.OrderTypeMarket, orders[0].Type)
	assert.InDelta(t, 0.02, orders[0].Quantity, 1e-9)

	require.Len(t, f.sink.byType(domain.EventTradeExecuted), 1)
}

func TestTickFlatSignalDoesNothing(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	r := NewRunner(stubBotConfig(), &stubStrategy{}, f.deps)

	r.tick(context.Background())

	assert.Empty(t, f.ledger.OpenPositionsForBot("bot-1"))
	assert.Empty(t, f.gw.submitted())
	perf := r.Status().Performance
	assert.Equal(t, int64(1), perf.Evaluations)
	assert.Zero(t, perf.Signals)
}

func TestTickSkipsWhenCandleFetchFails(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.gw.set(func(g *fakeGateway) {
		g.candlesErr = &domain.ExchangeError{Op: "fetch_ohlcv", Message: "venue down"}
	})
	r := NewRunner(stubBotConfig(), &stubStrategy{sig: longSignal(0.6)}, f.deps)

	r.tick(context.Background())

	assert.Empty(t, f.ledger.OpenPositionsForBot("bot-1"))
	assert.Equal(t, int64(1), r.Status().Performance.Evaluations)
}

func TestTickToleratesEmptyCandleWindow(t *testing.T) {
	// A venue can answer candle history with an empty slice and no error
	// while its ticker endpoint is also down. The tick must skip, not panic.
	f := newFixture(t, 10_000, nil)
	f.gw.set(func(g *fakeGateway) {
		g.candles = nil
		g.tickerErr = &domain.ExchangeError{Op: "fetch_ticker", Message: "venue down"}
	})
	r := NewRunner(stubBotConfig(), &stubStrategy{sig: longSignal(0.6)}, f.deps)

	require.NotPanics(t, func() { r.tick(context.Background()) })

	assert.Empty(t, f.ledger.OpenPositionsForBot("bot-1"))
	assert.Empty(t, f.gw.submitted())
	assert.Equal(t, int64(1), r.Status().Performance.Evaluations)
}

func TestTickRiskRejectionCounts(t *testing.T) {
	// An existing position worth half the book, correlated 0.9 with the
	// candidate's symbol, blows the 0.40 correlated-exposure budget.
	f := newFixture(t, 10_000, map[[2]string]float64{
		{"BTCUSDT", "ETHUSDT"}: 0.9,
	})
	f.seedMarket(t, "BTCUSDT", 50_000)
	f.openFor(t, "other-bot", "ETHUSDT", domain.PositionLong, 2, 2_500)

	r := NewRunner(stubBotConfig(), &stubStrategy{sig: longSignal(0.6)}, f.deps)
	r.tick(context.Background())

	assert.Empty(t, f.ledger.OpenPositionsForBot("bot-1"))
	assert.Empty(t, f.gw.submitted())
	perf := r.Status().Performance
	assert.Equal(t, int64(1), perf.Signals)
	assert.Equal(t, int64(1), perf.Rejections)
	assert.Zero(t, perf.Orders)
}

func TestTickBotPositionCapBlocksEntry(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)

	cfg := stubBotConfig()
	cfg.MaxPositions = 1
	f.openFor(t, cfg.ID, "BTCUSDT", domain.PositionLong, 0.02, 50_000)

	r := NewRunner(cfg, &stubStrategy{sig: longSignal(0.6)}, f.deps)
	r.tick(context.Background())

	assert.Len(t, f.ledger.OpenPositionsForBot(cfg.ID), 1)
	assert.Empty(t, f.gw.submitted())
}

func TestTickRejectedOrderReleasesReservation(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	f.gw.set(func(g *fakeGateway) { g.status = domain.OrderStatusRejected })

	r := NewRunner(stubBotConfig(), &stubStrategy{sig: longSignal(0.6)}, f.deps)
	r.tick(context.Background())

	// The reservation's cash hold is returned in full.
	assert.Empty(t, f.ledger.OpenPositionsForBot("bot-1"))
	assert.InDelta(t, 10_000, f.ledger.Metrics().Cash, 1e-9)
	require.Len(t, f.sink.byType(domain.EventTradeFailed), 1)
}

func TestTickExitsOnReversal(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	held := f.openFor(t, "bot-1", "BTCUSDT", domain.PositionLong, 0.02, 50_000)

	short := domain.Signal{Direction: domain.DirectionShort, Confidence: 0.7, Strategy: "stub"}
	r := NewRunner(stubBotConfig(), &stubStrategy{sig: short}, f.deps)
	r.tick(context.Background())

	open := f.ledger.OpenPositionsForBot("bot-1")
	require.Len(t, open, 1)
	assert.Equal(t, domain.PositionShort, open[0].Side)
	assert.NotEqual(t, held.ID, open[0].ID)

	closed := f.sink.byType(domain.EventPositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, string(domain.ExitSignal), closed[0].Detail["reason"])
	require.Len(t, f.sink.byType(domain.EventTradeExecuted), 1)
}

func TestClosePositionOrderFirst(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	pos := f.openFor(t, "bot-1", "BTCUSDT", domain.PositionLong, 0.02, 50_000)
	r := NewRunner(stubBotConfig(), &stubStrategy{}, f.deps)
	now := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)

	// While the venue refuses the closing order, the ledger keeps the
	// position; the next tick retries.
	f.gw.set(func(g *fakeGateway) {
		g.orderErr = &domain.ExchangeError{Op: "create_order", Message: "margin check failed"}
	})
	r.closePosition(context.Background(), pos.ID, 48_000, domain.ExitStopLoss, now)

	_, err := f.ledger.Position(pos.ID)
	require.NoError(t, err, "a failed close order must not realize the exit")
	require.Len(t, f.sink.byType(domain.EventTradeFailed), 1)
	assert.Empty(t, f.sink.byType(domain.EventPositionClosed))

	// Venue recovers; the retry closes and realizes the loss.
	f.gw.set(func(g *fakeGateway) { g.orderErr = nil; g.avgPrice = 48_000 })
	r.closePosition(context.Background(), pos.ID, 48_000, domain.ExitStopLoss, now.Add(time.Hour))

	_, err = f.ledger.Position(pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	perf := r.Status().Performance
	assert.Equal(t, int64(1), perf.Losses)
	assert.InDelta(t, (48_000-50_000)*0.02, perf.RealizedPnL, 1e-9)

	closed := f.sink.byType(domain.EventPositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, string(domain.ExitStopLoss), closed[0].Detail["reason"])
}

func TestSeedHistoryOrdersAndBounds(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	r := NewRunner(stubBotConfig(), &stubStrategy{}, f.deps)

	// Store order is newest first; the runner keeps history oldest first.
	r.seedHistory([]domain.Trade{{ID: "t3"}, {ID: "t2"}, {ID: "t1"}})
	got := r.historyCopy()
	require.Len(t, got, 3)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, "t3", got[2].ID)

	big := make([]domain.Trade, historyCap+50)
	for i := range big {
		big[i].ID = fmt.Sprintf("t-%03d", i)
	}
	r.seedHistory(big)
	assert.Len(t, r.historyCopy(), historyCap)
}

func TestClosePositionIgnoresOtherBots(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	pos := f.openFor(t, "someone-else", "BTCUSDT", domain.PositionLong, 0.02, 50_000)
	r := NewRunner(stubBotConfig(), &stubStrategy{}, f.deps)

	r.closePosition(context.Background(), pos.ID, 48_000, domain.ExitSignal, time.Now().UTC())

	_, err := f.ledger.Position(pos.ID)
	assert.NoError(t, err, "a bot only closes its own positions")
	assert.Empty(t, f.gw.submitted())
}

func TestTickForcedExitThroughStop(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	resID, err := f.ledger.Reserve(portfolio.Reservation{
		BotID:    "bot-1",
		Symbol:   "BTCUSDT",
		Side:     domain.PositionLong,
		Quantity: 0.02,
		Price:    50_000,
		Strategy: "stub",
		StopLoss: 47_500,
	})
	require.NoError(t, err)
	pos, err := f.ledger.Commit(resID, portfolio.Fill{
		Quantity: 0.02,
		Price:    50_000,
		Time:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// Mark below the stop: maintenance closes before any entry logic runs.
	f.seedMarket(t, "BTCUSDT", 47_000)
	f.gw.set(func(g *fakeGateway) { g.avgPrice = 47_000 })

	r := NewRunner(stubBotConfig(), &stubStrategy{}, f.deps)
	r.tick(context.Background())

	_, err = f.ledger.Position(pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	closed := f.sink.byType(domain.EventPositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, string(domain.ExitStopLoss), closed[0].Detail["reason"])
}
