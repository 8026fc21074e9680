// Package backtest replays a strategy over historical candles through the
// same portfolio ledger and risk gate the live engine uses. Runs are fully
// deterministic: ids come from a sequential generator, ledger iteration is
// ordered, and no wall-clock time enters the simulation, so identical inputs
// reproduce identical results bit for bit.
package backtest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/portfolio"
	"github.com/avdeev/tradeforge/internal/risk"
	"github.com/avdeev/tradeforge/internal/strategy"
)

// Config describes one simulation run.
type Config struct {
	RunID          string // optional; defaults to a sequential id
	Symbol         string
	Timeframe      domain.Timeframe
	Strategy       string
	Params         strategy.Params
	InitialCapital float64
	// CommissionRate and SlippageRate are fractions of notional applied to
	// every fill. Slippage always moves the fill against the trade.
	CommissionRate   float64
	SlippageRate     float64
	MinTradeNotional float64 // entries below this notional are skipped
	MaxPositions     int
	MaxHoldingBars   int // 0 disables the time exit
	PositionFraction float64
	StopLossPct      float64 // fallback when the signal carries no stop
	TakeProfitPct    float64
	TrailingStopPct  float64
	RiskProfile      domain.RiskProfile
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("backtest: symbol is required")
	}
	if c.Strategy == "" {
		return fmt.Errorf("backtest: strategy is required")
	}
	if _, err := c.Timeframe.Duration(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("backtest: initial capital must be positive")
	}
	if c.CommissionRate < 0 || c.SlippageRate < 0 {
		return fmt.Errorf("backtest: commission and slippage rates must not be negative")
	}
	if c.PositionFraction <= 0 || c.PositionFraction > 1 {
		return fmt.Errorf("backtest: position_fraction %.4f outside (0, 1]", c.PositionFraction)
	}
	return nil
}

// Simulator replays strategies over historical candles.
type Simulator struct {
	registry *strategy.Registry
	logger   *slog.Logger
}

// NewSimulator builds a Simulator over the given strategy registry.
func NewSimulator(registry *strategy.Registry, logger *slog.Logger) *Simulator {
	return &Simulator{
		registry: registry,
		logger:   logger.With(slog.String("component", "backtest")),
	}
}

// run holds the mutable state of one simulation.
type run struct {
	cfg     Config
	strat   strategy.Strategy
	ledger  *portfolio.Manager
	gate    *risk.Manager
	seq     int
	trades  []domain.Trade
	curve   []domain.EquityPoint
	opened  map[string]int // position id -> bar index of first fill
	candles []domain.Candle
}

const backtestBotID = "backtest"

// Run replays the configured strategy over candles, oldest first. Within
// each bar, exits are always evaluated before entries.
func (s *Simulator) Run(ctx context.Context, cfg Config, candles []domain.Candle) (domain.BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return domain.BacktestResult{}, err
	}
	if len(candles) == 0 {
		return domain.BacktestResult{}, fmt.Errorf("backtest: no candles supplied")
	}

	strat, err := s.registry.New(cfg.Strategy, cfg.Params)
	if err != nil {
		return domain.BacktestResult{}, fmt.Errorf("backtest: %w", err)
	}
	limits, err := domain.LimitsForProfile(cfg.RiskProfile)
	if err != nil {
		return domain.BacktestResult{}, fmt.Errorf("backtest: %w", err)
	}

	r := &run{
		cfg:     cfg,
		strat:   strat,
		opened:  make(map[string]int),
		candles: candles,
	}
	r.ledger = portfolio.NewManager(cfg.InitialCapital, portfolio.Config{
		MaxPositions: cfg.MaxPositions,
		NewID:        r.nextID,
	}, s.logger)
	r.gate = risk.NewManager(limits, risk.DefaultConfig(), nil, s.logger)

	for i, bar := range candles {
		if err := ctx.Err(); err != nil {
			return domain.BacktestResult{}, fmt.Errorf("backtest: %w", err)
		}
		r.step(i, bar)
	}

	r.closeAll(len(candles)-1, domain.ExitBacktestEnd)

	last := candles[len(candles)-1]
	metrics := r.ledger.Metrics()
	r.curve = append(r.curve, domain.EquityPoint{
		Timestamp: last.Timestamp,
		Equity:    metrics.Equity,
		Drawdown:  metrics.Drawdown,
	})

	interval, _ := cfg.Timeframe.Duration()
	runID := cfg.RunID
	if runID == "" {
		runID = r.nextID()
	}
	return domain.BacktestResult{
		ID:             runID,
		Strategy:       cfg.Strategy,
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		Start:          candles[0].Timestamp,
		End:            last.Timestamp,
		InitialCapital: cfg.InitialCapital,
		FinalCapital:   metrics.Equity,
		Trades:         r.trades,
		EquityCurve:    r.curve,
		Metrics:        computeMetrics(r.curve, r.trades, cfg.InitialCapital, interval),
		CreatedAt:      last.Timestamp,
	}, nil
}

func (r *run) nextID() string {
	r.seq++
	return fmt.Sprintf("bt-%06d", r.seq)
}

// step processes one bar: exits first, then at most one entry.
func (r *run) step(i int, bar domain.Candle) {
	prices := map[string]float64{r.cfg.Symbol: bar.Close}

	forced := r.ledger.MarkToMarket(prices, bar.Timestamp)
	for _, fc := range forced {
		r.closePosition(fc.PositionID, fc.Price, fc.Reason, i)
	}
	if r.cfg.MaxHoldingBars > 0 {
		for _, p := range r.ledger.OpenPositions() {
			if i-r.opened[p.ID] >= r.cfg.MaxHoldingBars {
				r.closePosition(p.ID, bar.Close, domain.ExitTimeLimit, i)
			}
		}
	}

	window := r.candles[:i+1]
	if len(window) >= r.strat.MinBars() {
		sig := r.strat.Evaluate(window)
		if !sig.Flat() {
			r.exitOnReversal(sig, bar, i)
			r.tryEnter(sig, bar, i)
		}
	}

	m := r.ledger.Metrics()
	r.curve = append(r.curve, domain.EquityPoint{
		Timestamp: bar.Timestamp,
		Equity:    m.Equity,
		Drawdown:  m.Drawdown,
	})
}

// exitOnReversal closes positions held against the new signal's direction.
func (r *run) exitOnReversal(sig domain.Signal, bar domain.Candle, i int) {
	against := domain.PositionShort
	if sig.Direction == domain.DirectionShort {
		against = domain.PositionLong
	}
	for _, p := range r.ledger.OpenPositions() {
		if p.Side == against {
			r.closePosition(p.ID, bar.Close, domain.ExitSignal, i)
		}
	}
}

func (r *run) tryEnter(sig domain.Signal, bar domain.Candle, i int) {
	side := domain.PositionLong
	if sig.Direction == domain.DirectionShort {
		side = domain.PositionShort
	}

	stop := sig.StopLoss
	if stop == 0 && r.cfg.StopLossPct > 0 {
		stop = stopLevel(bar.Close, side, r.cfg.StopLossPct)
	}
	take := sig.TakeProfit
	if take == 0 && r.cfg.TakeProfitPct > 0 {
		take = takeLevel(bar.Close, side, r.cfg.TakeProfitPct)
	}

	snap := r.ledger.Snapshot(bar.Timestamp)
	maxQty := r.cfg.PositionFraction * snap.Equity / bar.Close

	decision, _ := r.gate.Assess(risk.Candidate{
		BotID:       backtestBotID,
		Symbol:      r.cfg.Symbol,
		Side:        side,
		EntryPrice:  bar.Close,
		StopLoss:    stop,
		Confidence:  sig.Confidence,
		MaxQuantity: maxQty,
		Window:      r.candles[:i+1],
	}, snap, r.trades)
	if !decision.Approved || decision.Quantity <= 0 {
		return
	}

	fillPrice := slipped(bar.Close, side, r.cfg.SlippageRate)
	qty := decision.Quantity
	if qty*fillPrice < r.cfg.MinTradeNotional {
		return
	}

	resID, err := r.ledger.Reserve(portfolio.Reservation{
		BotID:       backtestBotID,
		Symbol:      r.cfg.Symbol,
		Side:        side,
		Quantity:    qty,
		Price:       fillPrice,
		Strategy:    r.cfg.Strategy,
		StopLoss:    stop,
		TakeProfit:  take,
		TrailingPct: r.cfg.TrailingStopPct,
	})
	if err != nil {
		return
	}

	pos, err := r.ledger.Commit(resID, portfolio.Fill{
		Quantity:   qty,
		Price:      fillPrice,
		Commission: r.cfg.CommissionRate * qty * fillPrice,
		Slippage:   absFloat(fillPrice-bar.Close) * qty,
		Time:       bar.Timestamp,
	})
	if err != nil {
		r.ledger.Release(resID)
		return
	}
	if _, ok := r.opened[pos.ID]; !ok {
		r.opened[pos.ID] = i
	}
}

func (r *run) closePosition(id string, markPrice float64, reason domain.ExitReason, i int) {
	p, err := r.ledger.Position(id)
	if err != nil {
		return
	}
	exitPrice := slippedExit(markPrice, p.Side, r.cfg.SlippageRate)
	trade, err := r.ledger.Close(portfolio.CloseRequest{
		PositionID: id,
		ExitPrice:  exitPrice,
		Reason:     reason,
		Time:       r.candles[i].Timestamp,
		Commission: r.cfg.CommissionRate * p.Quantity * exitPrice,
		Slippage:   absFloat(exitPrice-markPrice) * p.Quantity,
	})
	if err != nil {
		return
	}
	delete(r.opened, id)
	r.trades = append(r.trades, trade)
}

func (r *run) closeAll(i int, reason domain.ExitReason) {
	price := r.candles[i].Close
	for _, p := range r.ledger.OpenPositions() {
		r.closePosition(p.ID, price, reason, i)
	}
}

// slipped moves an entry fill against the trade.
func slipped(price float64, side domain.PositionSide, rate float64) float64 {
	if side == domain.PositionShort {
		return price * (1 - rate)
	}
	return price * (1 + rate)
}

// slippedExit moves an exit fill against the trade.
func slippedExit(price float64, side domain.PositionSide, rate float64) float64 {
	if side == domain.PositionShort {
		return price * (1 + rate)
	}
	return price * (1 - rate)
}

func stopLevel(price float64, side domain.PositionSide, pct float64) float64 {
	if side == domain.PositionShort {
		return price * (1 + pct)
	}
	return price * (1 - pct)
}

func takeLevel(price float64, side domain.PositionSide, pct float64) float64 {
	if side == domain.PositionShort {
		return price * (1 - pct)
	}
	return price * (1 + pct)
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
