package portfolio

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeev/tradeforge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seqIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("id-%04d", n)
	}
}

func newTestManager(cash float64) *Manager {
	return NewManager(cash, Config{NewID: seqIDs()}, testLogger())
}

func ts(min int) time.Time {
	return time.Date(2025, 6, 1, 0, min, 0, 0, time.UTC)
}

func openPosition(t *testing.T, m *Manager, res Reservation, fill Fill) domain.Position {
	t.Helper()
	id, err := m.Reserve(res)
	require.NoError(t, err)
	p, err := m.Commit(id, fill)
	require.NoError(t, err)
	return p
}

func TestReserveCommitRelease(t *testing.T) {
	m := newTestManager(10_000)

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := m.Reserve(Reservation{BotID: "b", Symbol: "BTCUSDT", Side: domain.PositionLong, Quantity: 1, Price: 50_000})
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})

	t.Run("invalid order", func(t *testing.T) {
		_, err := m.Reserve(Reservation{Quantity: 0, Price: 100})
		assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	})

	t.Run("release returns the hold", func(t *testing.T) {
		id, err := m.Reserve(Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000})
		require.NoError(t, err)
		assert.InDelta(t, 8000, m.Metrics().Cash, 1e-9)
		// The hold still counts toward equity.
		assert.InDelta(t, 10_000, m.Metrics().Equity, 1e-9)

		m.Release(id)
		assert.InDelta(t, 10_000, m.Metrics().Cash, 1e-9)
	})

	t.Run("commit refunds unfilled remainder and debits commission", func(t *testing.T) {
		p := openPosition(t, m,
			Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000, Strategy: "rsi"},
			Fill{Quantity: 0.5, Price: 1990, Commission: 2, Time: ts(1)},
		)
		assert.Equal(t, 0.5, p.Quantity)
		assert.Equal(t, 1990.0, p.AvgEntryPrice)
		assert.Equal(t, "rsi", p.Strategy)
		// 10000 - 0.5*1990 - 2 commission.
		assert.InDelta(t, 10_000-995-2, m.Metrics().Cash, 1e-9)
	})

	t.Run("commit against unknown reservation", func(t *testing.T) {
		_, err := m.Commit("nope", Fill{Quantity: 1, Price: 1})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCommitWeightedAverageAdd(t *testing.T) {
	m := newTestManager(10_000)

	first := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "SOLUSDT", Side: domain.PositionLong, Quantity: 100, Price: 10},
		Fill{Quantity: 100, Price: 10, Time: ts(1)},
	)
	second := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "SOLUSDT", Side: domain.PositionLong, Quantity: 150, Price: 8},
		Fill{Quantity: 150, Price: 8, Time: ts(2)},
	)

	// 100@10 + 150@8 = 250 units, 2200 cost basis, 8.8 average.
	assert.Equal(t, first.ID, second.ID, "adds augment the existing position")
	assert.Equal(t, 250.0, second.Quantity)
	assert.InDelta(t, 8.8, second.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 2200, second.CostBasis, 1e-9)
	assert.Equal(t, 1, m.Metrics().OpenPositions)
}

func TestCashConservation(t *testing.T) {
	m := newTestManager(10_000)

	p := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 2, Price: 2000},
		Fill{Quantity: 2, Price: 2000, Time: ts(1)},
	)

	trade, err := m.Close(CloseRequest{PositionID: p.ID, ExitPrice: 2100, Reason: domain.ExitSignal, Time: ts(2)})
	require.NoError(t, err)

	// Round trip: cash = initial + pnl. (2100-2000)*2 = 200.
	assert.InDelta(t, 200, trade.RealizedPnL, 1e-9)
	assert.InDelta(t, 10_200, m.Metrics().Cash, 1e-9)
	assert.InDelta(t, 10_200, m.Metrics().Equity, 1e-9)
	assert.Equal(t, 0, m.Metrics().OpenPositions)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newTestManager(10_000)

	p := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000},
		Fill{Quantity: 1, Price: 2000, Time: ts(1)},
	)

	_, err := m.Close(CloseRequest{PositionID: p.ID, ExitPrice: 2100, Time: ts(2)})
	require.NoError(t, err)

	_, err = m.Close(CloseRequest{PositionID: p.ID, ExitPrice: 2100, Time: ts(3)})
	assert.ErrorIs(t, err, domain.ErrNotFound, "double close never realizes PnL twice")
	assert.InDelta(t, 10_100, m.Metrics().Cash, 1e-9)
	assert.Equal(t, int64(1), m.Metrics().TradeCount)
}

func TestShortEquityMovesAgainstPrice(t *testing.T) {
	m := newTestManager(10_000)

	p := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionShort, Quantity: 10, Price: 100},
		Fill{Quantity: 10, Price: 100, Time: ts(1)},
	)

	// Price rises against the short: equity carries the unrealized loss.
	m.MarkToMarket(map[string]float64{"ETHUSDT": 120}, ts(2))
	snap := m.Snapshot(ts(2))
	assert.InDelta(t, 9_800, snap.Equity, 1e-9)
	assert.InDelta(t, 0.02, snap.Drawdown, 1e-9)

	// Realizing at the same mark moves nothing: no equity discontinuity.
	trade, err := m.Close(CloseRequest{PositionID: p.ID, ExitPrice: 120, Time: ts(3)})
	require.NoError(t, err)
	assert.InDelta(t, -200, trade.RealizedPnL, 1e-9)
	assert.InDelta(t, 9_800, m.Metrics().Cash, 1e-9)
	assert.InDelta(t, 9_800, m.Metrics().Equity, 1e-9)
}

func TestShortEquityGainsWhenPriceFalls(t *testing.T) {
	m := newTestManager(10_000)

	openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionShort, Quantity: 10, Price: 100},
		Fill{Quantity: 10, Price: 100, Time: ts(1)},
	)

	m.MarkToMarket(map[string]float64{"ETHUSDT": 80}, ts(2))
	snap := m.Snapshot(ts(2))
	assert.InDelta(t, 10_200, snap.Equity, 1e-9)
	assert.Zero(t, snap.Drawdown, "a winning short is a gain, not a drawdown")
}

func TestShortPositionPnL(t *testing.T) {
	m := newTestManager(10_000)

	p := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionShort, Quantity: 1, Price: 2000},
		Fill{Quantity: 1, Price: 2000, Time: ts(1)},
	)

	trade, err := m.Close(CloseRequest{PositionID: p.ID, ExitPrice: 1800, Time: ts(2)})
	require.NoError(t, err)
	assert.InDelta(t, 200, trade.RealizedPnL, 1e-9, "short profits when price falls")
	assert.InDelta(t, 10_200, m.Metrics().Cash, 1e-9)
}

func TestMarkToMarketStopLossTrigger(t *testing.T) {
	m := newTestManager(10_000)

	stop := 1900.0
	p := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000, StopLoss: stop},
		Fill{Quantity: 1, Price: 2000, Time: ts(1)},
	)

	forced := m.MarkToMarket(map[string]float64{"ETHUSDT": 1950}, ts(2))
	assert.Empty(t, forced, "price above the stop")

	forced = m.MarkToMarket(map[string]float64{"ETHUSDT": 1890}, ts(3))
	require.Len(t, forced, 1)
	assert.Equal(t, p.ID, forced[0].PositionID)
	assert.Equal(t, domain.ExitStopLoss, forced[0].Reason)
	assert.Equal(t, 1890.0, forced[0].Price)
}

func TestMarkToMarketTakeProfitAndExcursions(t *testing.T) {
	m := newTestManager(10_000)

	p := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000, TakeProfit: 2200},
		Fill{Quantity: 1, Price: 2000, Time: ts(1)},
	)

	m.MarkToMarket(map[string]float64{"ETHUSDT": 1950}, ts(2))
	m.MarkToMarket(map[string]float64{"ETHUSDT": 2100}, ts(3))
	forced := m.MarkToMarket(map[string]float64{"ETHUSDT": 2250}, ts(4))

	require.Len(t, forced, 1)
	assert.Equal(t, domain.ExitTakeProfit, forced[0].Reason)

	got, err := m.Position(p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 250, got.MaxFavorable, 1e-9)
	assert.InDelta(t, -50, got.MaxAdverse, 1e-9)
}

func TestTrailingStopRatchet(t *testing.T) {
	m := newTestManager(10_000)

	p := openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000, TrailingPct: 0.05},
		Fill{Quantity: 1, Price: 2000, Time: ts(1)},
	)

	m.MarkToMarket(map[string]float64{"ETHUSDT": 2000}, ts(2))
	got, _ := m.Position(p.ID)
	require.NotNil(t, got.TrailingStop)
	assert.InDelta(t, 1900, *got.TrailingStop, 1e-9)

	// Price rises: the stop ratchets up.
	m.MarkToMarket(map[string]float64{"ETHUSDT": 2200}, ts(3))
	got, _ = m.Position(p.ID)
	assert.InDelta(t, 2090, *got.TrailingStop, 1e-9)

	// Price dips but stays above the level: the stop never loosens.
	m.MarkToMarket(map[string]float64{"ETHUSDT": 2100}, ts(4))
	got, _ = m.Position(p.ID)
	assert.InDelta(t, 2090, *got.TrailingStop, 1e-9)

	// Drop through the ratcheted level triggers the exit.
	forced := m.MarkToMarket(map[string]float64{"ETHUSDT": 2080}, ts(5))
	require.Len(t, forced, 1)
	assert.Equal(t, domain.ExitTrailingStop, forced[0].Reason)
}

func TestDrawdownIsMonotone(t *testing.T) {
	m := newTestManager(10_000)

	openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 2, Price: 2000},
		Fill{Quantity: 2, Price: 2000, Time: ts(1)},
	)

	m.MarkToMarket(map[string]float64{"ETHUSDT": 1500}, ts(2))
	snap := m.Snapshot(ts(2))
	assert.InDelta(t, 0.10, snap.Drawdown, 1e-9)
	assert.InDelta(t, 0.10, snap.MaxDrawdown, 1e-9)

	// Recovery reduces current drawdown but never max drawdown.
	m.MarkToMarket(map[string]float64{"ETHUSDT": 1900}, ts(3))
	snap = m.Snapshot(ts(3))
	assert.InDelta(t, 0.02, snap.Drawdown, 1e-9)
	assert.InDelta(t, 0.10, snap.MaxDrawdown, 1e-9)

	// New peak resets current drawdown to zero.
	m.MarkToMarket(map[string]float64{"ETHUSDT": 2200}, ts(4))
	snap = m.Snapshot(ts(4))
	assert.InDelta(t, 0.0, snap.Drawdown, 1e-9)
	assert.InDelta(t, 0.10, snap.MaxDrawdown, 1e-9)
	assert.InDelta(t, 10_400, snap.PeakEquity, 1e-9)
}

func TestMaxPositionsAndSectorCap(t *testing.T) {
	m := NewManager(100_000, Config{
		MaxPositions: 2,
		NewID:        seqIDs(),
		SectorOf:     map[string]string{"ETHUSDT": "l1", "SOLUSDT": "l1"},
		SectorCap:    0.10,
	}, testLogger())

	openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 2, Price: 2000},
		Fill{Quantity: 2, Price: 2000, Time: ts(1)},
	)

	// Same-sector reservation that would push l1 past 10% of equity.
	_, err := m.Reserve(Reservation{BotID: "b", Symbol: "SOLUSDT", Side: domain.PositionLong, Quantity: 700, Price: 10})
	assert.ErrorIs(t, err, domain.ErrSectorAllocation)

	// A smaller slice fits.
	openPosition(t, m,
		Reservation{BotID: "b", Symbol: "SOLUSDT", Side: domain.PositionLong, Quantity: 100, Price: 10},
		Fill{Quantity: 100, Price: 10, Time: ts(2)},
	)

	// Position slots are exhausted for a new symbol...
	_, err = m.Reserve(Reservation{BotID: "b", Symbol: "BTCUSDT", Side: domain.PositionLong, Quantity: 0.01, Price: 50_000})
	assert.ErrorIs(t, err, domain.ErrMaxPositionsReached)

	// ...but adding to an open position is always allowed.
	_, err = m.Reserve(Reservation{BotID: "b", Symbol: "SOLUSDT", Side: domain.PositionLong, Quantity: 10, Price: 10})
	assert.NoError(t, err)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := newTestManager(10_000)

	openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000},
		Fill{Quantity: 1, Price: 2000, Time: ts(1)},
	)

	snap := m.Snapshot(ts(2))
	require.Len(t, snap.Positions, 1)
	snap.Positions[0].Quantity = 99

	got := m.OpenPositions()
	assert.Equal(t, 1.0, got[0].Quantity, "mutating a snapshot never touches the ledger")
}

func TestRestore(t *testing.T) {
	m := newTestManager(10_000)

	m.Restore([]domain.Position{
		{ID: "p-1", BotID: "b1", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, AvgEntryPrice: 2000, CostBasis: 2000, CurrentPrice: 2000},
		{ID: "p-2", BotID: "b2", Symbol: "BTCUSDT", Side: domain.PositionLong, Quantity: 0.1, AvgEntryPrice: 50_000, CostBasis: 5000, CurrentPrice: 50_000},
	})

	assert.Len(t, m.OpenPositions(), 2)
	assert.Len(t, m.OpenPositionsForBot("b1"), 1)

	// The restored index routes adds to the existing position.
	p := openPosition(t, m,
		Reservation{BotID: "b1", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 1800},
		Fill{Quantity: 1, Price: 1800, Time: ts(1)},
	)
	assert.Equal(t, "p-1", p.ID)
	assert.InDelta(t, 1900, p.AvgEntryPrice, 1e-9)
}

func TestConcurrentReserveNeverOverspends(t *testing.T) {
	m := NewManager(1000, Config{MaxPositions: 100, NewID: seqIDs()}, testLogger())

	var wg sync.WaitGroup
	granted := make(chan string, 64)
	for i := 0; i < 64; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Reserve(Reservation{
				BotID:    fmt.Sprintf("bot-%d", i),
				Symbol:   fmt.Sprintf("SYM%d", i),
				Side:     domain.PositionLong,
				Quantity: 1,
				Price:    100,
			})
			if err == nil {
				granted <- id
			}
		}()
	}
	wg.Wait()
	close(granted)

	var n int
	for range granted {
		n++
	}
	assert.Equal(t, 10, n, "only 10 holds of 100 fit in 1000 cash")
	assert.InDelta(t, 0, m.Metrics().Cash, 1e-9)
	assert.InDelta(t, 1000, m.Metrics().Equity, 1e-9)
}

func TestReturnsSeriesCapped(t *testing.T) {
	m := newTestManager(10_000)

	openPosition(t, m,
		Reservation{BotID: "b", Symbol: "ETHUSDT", Side: domain.PositionLong, Quantity: 1, Price: 2000},
		Fill{Quantity: 1, Price: 2000, Time: ts(1)},
	)

	for i := 0; i < maxReturnObservations+50; i++ {
		m.MarkToMarket(map[string]float64{"ETHUSDT": 2000 + float64(i%7)}, ts(i))
	}
	snap := m.Snapshot(ts(0))
	assert.Len(t, snap.Returns, maxReturnObservations)
}
