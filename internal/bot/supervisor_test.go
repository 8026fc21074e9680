package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/strategy"
)

// fakeTradeStore serves per-bot trade history and records appends.
type fakeTradeStore struct {
	mu       sync.Mutex
	byBot    map[string][]domain.Trade
	lastOpts domain.ListOpts
}

func (s *fakeTradeStore) Append(ctx context.Context, trade domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byBot[trade.BotID] = append([]domain.Trade{trade}, s.byBot[trade.BotID]...)
	return nil
}

func (s *fakeTradeStore) ListByBot(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOpts = opts
	return s.byBot[botID], nil
}

func (s *fakeTradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (s *fakeTradeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	return nil, nil
}

func (s *fakeTradeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// stubRegistry registers the test strategy under the id bot configs use.
func stubRegistry(sig domain.Signal) *strategy.Registry {
	r := strategy.NewRegistry()
	r.Register("stub", nil, func(params strategy.Params) (strategy.Strategy, error) {
		return &stubStrategy{sig: sig}, nil
	})
	return r
}

func newTestSupervisor(t *testing.T, f *fixture, sig domain.Signal, maxBots int) *Supervisor {
	t.Helper()
	return NewSupervisor(stubRegistry(sig), f.deps, nil, maxBots)
}

func TestSupervisorStartStop(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	sup := newTestSupervisor(t, f, domain.Signal{}, 0)
	ctx := context.Background()

	cfg := stubBotConfig()
	cfg.ID = "" // supervisor assigns one
	id, err := sup.StartBot(ctx, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	active := sup.ActiveBots()
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.Equal(t, domain.BotRunning, active[0].State)

	st, err := sup.BotStatus(id)
	require.NoError(t, err)
	assert.Equal(t, "stub", st.Strategy)

	require.NoError(t, sup.StopBot(ctx, id))
	assert.Empty(t, sup.ActiveBots())

	_, err = sup.BotStatus(id)
	assert.ErrorIs(t, err, domain.ErrBotNotRunning)
	assert.ErrorIs(t, sup.StopBot(ctx, id), domain.ErrBotNotRunning)

	require.Len(t, f.sink.byType(domain.EventBotStarted), 1)
	require.Len(t, f.sink.byType(domain.EventBotStopped), 1)
}

func TestSupervisorRejectsDuplicateID(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	sup := newTestSupervisor(t, f, domain.Signal{}, 0)
	ctx := context.Background()

	_, err := sup.StartBot(ctx, stubBotConfig())
	require.NoError(t, err)

	_, err = sup.StartBot(ctx, stubBotConfig())
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, sup.StopAll(ctx))
}

func TestSupervisorRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	sup := newTestSupervisor(t, f, domain.Signal{}, 0)
	ctx := context.Background()

	t.Run("missing symbol", func(t *testing.T) {
		cfg := stubBotConfig()
		cfg.Symbol = ""
		_, err := sup.StartBot(ctx, cfg)
		require.Error(t, err)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		cfg := stubBotConfig()
		cfg.Strategy = "martingale"
		_, err := sup.StartBot(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not registered")
	})

	t.Run("bad position fraction", func(t *testing.T) {
		cfg := stubBotConfig()
		cfg.PositionFraction = 1.5
		_, err := sup.StartBot(ctx, cfg)
		require.Error(t, err)
	})

	assert.Empty(t, sup.ActiveBots())
}

func TestSupervisorPoolBound(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	sup := newTestSupervisor(t, f, domain.Signal{}, 1)
	ctx := context.Background()

	_, err := sup.StartBot(ctx, stubBotConfig())
	require.NoError(t, err)

	second := stubBotConfig()
	second.ID = "bot-2"
	_, err = sup.StartBot(ctx, second)
	assert.ErrorIs(t, err, domain.ErrMaxPositionsReached)

	require.NoError(t, sup.StopAll(ctx))
}

func TestSupervisorStopAll(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	f.seedMarket(t, "ETHUSDT", 2_500)
	sup := newTestSupervisor(t, f, domain.Signal{}, 0)
	ctx := context.Background()

	first := stubBotConfig()
	second := stubBotConfig()
	second.ID = "bot-2"
	second.Symbol = "ETHUSDT"

	_, err := sup.StartBot(ctx, first)
	require.NoError(t, err)
	_, err = sup.StartBot(ctx, second)
	require.NoError(t, err)
	require.Len(t, sup.ActiveBots(), 2)

	require.NoError(t, sup.StopAll(ctx))
	assert.Empty(t, sup.ActiveBots())
	assert.Len(t, f.sink.byType(domain.EventBotStopped), 2)
}

func TestSupervisorEmergencyStopAll(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	sup := newTestSupervisor(t, f, domain.Signal{}, 0)
	ctx := context.Background()

	id, err := sup.StartBot(ctx, stubBotConfig())
	require.NoError(t, err)
	pos := f.openFor(t, id, "BTCUSDT", domain.PositionLong, 0.02, 50_000)

	require.NoError(t, sup.EmergencyStopAll(ctx))

	assert.True(t, sup.Halted())
	assert.Empty(t, sup.ActiveBots())
	assert.Empty(t, f.ledger.OpenPositions(), "the halt unwinds every open position")

	_, err = f.ledger.Position(pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.Len(t, f.sink.byType(domain.EventEmergencyHalt), 1)
	closed := f.sink.byType(domain.EventPositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, string(domain.ExitManual), closed[0].Detail["reason"])

	// The halt latches until explicitly reset.
	_, err = sup.StartBot(ctx, stubBotConfig())
	assert.ErrorIs(t, err, domain.ErrEmergencyHalt)

	sup.ResetHalt()
	assert.False(t, sup.Halted())
	restarted, err := sup.StartBot(ctx, stubBotConfig())
	require.NoError(t, err)
	require.NoError(t, sup.StopBot(ctx, restarted))
}

func TestStartBotSeedsKellyHistory(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	store := &fakeTradeStore{byBot: map[string][]domain.Trade{
		"bot-1": {
			{ID: "t2", BotID: "bot-1", RealizedPnL: 50},
			{ID: "t1", BotID: "bot-1", RealizedPnL: -20},
		},
	}}
	f.deps.Trades = store
	sup := NewSupervisor(stubRegistry(domain.Signal{}), f.deps, nil, 0)
	ctx := context.Background()

	id, err := sup.StartBot(ctx, stubBotConfig())
	require.NoError(t, err)

	sup.mu.Lock()
	r := sup.bots[id]
	sup.mu.Unlock()
	require.NotNil(t, r)

	// A restarted bot resumes with its persisted trades, oldest first, so
	// Kelly sizing does not start from an empty sample.
	got := r.historyCopy()
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, "t2", got[1].ID)
	assert.Equal(t, historyCap, store.lastOpts.Limit)

	require.NoError(t, sup.StopBot(ctx, id))
}

func TestStartBotDuringEmergencyStop(t *testing.T) {
	// Race a start against an emergency stop repeatedly: whatever the
	// interleaving, a halted supervisor must never be left with a running
	// bot.
	for i := 0; i < 25; i++ {
		f := newFixture(t, 10_000, nil)
		f.seedMarket(t, "BTCUSDT", 50_000)
		sup := newTestSupervisor(t, f, domain.Signal{}, 0)
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		var startErr error
		go func() {
			defer wg.Done()
			_, startErr = sup.StartBot(ctx, stubBotConfig())
		}()
		go func() {
			defer wg.Done()
			_ = sup.EmergencyStopAll(ctx)
		}()
		wg.Wait()

		assert.True(t, sup.Halted())
		assert.Empty(t, sup.ActiveBots(),
			"a start that wins the race is stopped by the halt; one that loses is refused")
		if startErr != nil {
			assert.ErrorIs(t, startErr, domain.ErrEmergencyHalt)
		}
	}
}

func TestSupervisorOwnerScopedControls(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	f.seedMarket(t, "ETHUSDT", 2_500)
	sup := newTestSupervisor(t, f, domain.Signal{}, 0)
	ctx := context.Background()

	mine := stubBotConfig()
	theirs := stubBotConfig()
	theirs.ID = "bot-2"
	theirs.OwnerID = "owner-2"
	theirs.Symbol = "ETHUSDT"

	_, err := sup.StartBot(ctx, mine)
	require.NoError(t, err)
	_, err = sup.StartBot(ctx, theirs)
	require.NoError(t, err)

	got := sup.ActiveBotsForOwner("owner-1")
	require.Len(t, got, 1)
	assert.Equal(t, "bot-1", got[0].ID)

	require.NoError(t, sup.StopAllForOwner(ctx, "owner-1"))
	remaining := sup.ActiveBots()
	require.Len(t, remaining, 1)
	assert.Equal(t, "owner-2", remaining[0].OwnerID)

	require.NoError(t, sup.StopAll(ctx))
}

func TestSupervisorPortfolioSummary(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	sup := newTestSupervisor(t, f, domain.Signal{}, 0)

	m := sup.PortfolioSummary()
	assert.Equal(t, 10_000.0, m.Cash)
	assert.Equal(t, 10_000.0, m.Equity)
	assert.Zero(t, m.OpenPositions)

	f.openFor(t, "bot-1", "BTCUSDT", domain.PositionLong, 0.02, 50_000)
	m = sup.PortfolioSummary()
	assert.Equal(t, 1, m.OpenPositions)
	assert.InDelta(t, 10_000, m.Equity, 1e-9)
}

// The supervisor's stop path must tolerate a bot mid-tick: Stop is requested
// while the immediate first tick may still be running.
func TestSupervisorStopDuringFirstTick(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	f.seedMarket(t, "BTCUSDT", 50_000)
	sup := newTestSupervisor(t, f, longSignal(0.6), 0)
	ctx := context.Background()

	cfg := stubBotConfig()
	cfg.EvalInterval = time.Millisecond
	id, err := sup.StartBot(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, sup.StopBot(ctx, id))
	assert.Empty(t, sup.ActiveBots())
}
