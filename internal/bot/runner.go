// Package bot implements the per-bot evaluation loop and the supervisor
// that manages the fleet. Each bot runs one goroutine that ticks on its
// evaluation interval: fetch market data (cache first), evaluate the
// strategy, pass the candidate through the risk gate, and execute through
// the shared portfolio ledger. A bot never holds more than one in-flight
// order; the loop is strictly sequential.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/exchange"
	"github.com/avdeev/tradeforge/internal/portfolio"
	"github.com/avdeev/tradeforge/internal/risk"
	"github.com/avdeev/tradeforge/internal/strategy"
)

const (
	defaultEvalInterval = time.Minute
	candleFetchLimit    = 200
	// historyCap bounds the in-memory closed-trade history fed to the Kelly
	// estimator.
	historyCap = 200
)

// Deps are the shared capabilities a runner operates through. Trades,
// Positions, and Alerts may be nil when persistence is disabled.
type Deps struct {
	Gateway   domain.ExchangeGateway
	Cache     domain.MarketDataCache
	Ledger    *portfolio.Manager
	Gate      *risk.Manager
	Sink      domain.EventSink
	Trades    domain.TradeStore
	Positions domain.PositionStore
	Alerts    domain.AlertStore
	Retry     exchange.RetryPolicy
	Logger    *slog.Logger
}

// Runner owns one bot's evaluation loop.
type Runner struct {
	cfg   domain.BotConfig
	strat strategy.Strategy
	deps  Deps

	mu        sync.Mutex
	state     domain.BotState
	startedAt time.Time
	lastTick  time.Time
	perf      domain.BotPerformance
	history   []domain.Trade

	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger
}

// NewRunner builds a runner in the created state. The strategy must already
// be constructed (and its params validated) by the caller.
func NewRunner(cfg domain.BotConfig, strat strategy.Strategy, deps Deps) *Runner {
	return &Runner{
		cfg:   cfg,
		strat: strat,
		deps:  deps,
		state: domain.BotCreated,
		done:  make(chan struct{}),
		logger: deps.Logger.With(
			slog.String("component", "bot"),
			slog.String("bot_id", cfg.ID),
			slog.String("symbol", cfg.Symbol),
			slog.String("strategy", cfg.Strategy),
		),
	}
}

// Start transitions created -> running and launches the loop goroutine.
func (r *Runner) Start(parent context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.BotCreated {
		return domain.ErrAlreadyExists
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.state = domain.BotRunning
	r.startedAt = time.Now().UTC()
	go r.run(ctx)
	return nil
}

// Stop requests a graceful shutdown. The loop finishes its current tick;
// Join waits for it.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.BotRunning {
		return
	}
	r.state = domain.BotStopping
	r.cancel()
}

// Join blocks until the loop has exited or the timeout elapses.
func (r *Runner) Join(timeout time.Duration) error {
	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return errors.New("bot: shutdown timeout")
	}
}

// Status returns the control-surface view of the bot.
func (r *Runner) Status() domain.BotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.BotStatus{
		ID:          r.cfg.ID,
		OwnerID:     r.cfg.OwnerID,
		Symbol:      r.cfg.Symbol,
		Strategy:    r.cfg.Strategy,
		Timeframe:   r.cfg.Timeframe,
		State:       r.state,
		StartedAt:   r.startedAt,
		LastTick:    r.lastTick,
		Performance: r.perf,
	}
}

func (r *Runner) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.state = domain.BotStopped
		r.mu.Unlock()
		close(r.done)
	}()

	interval := r.cfg.EvalInterval
	if interval <= 0 {
		interval = defaultEvalInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick is one full evaluation cycle. Position maintenance (mark-to-market
// and forced exits) runs before any new entry is considered.
func (r *Runner) tick(ctx context.Context) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.lastTick = now
	r.perf.Evaluations++
	r.mu.Unlock()

	window, err := r.fetchCandles(ctx)
	if err != nil {
		r.logger.Warn("candle fetch failed, skipping tick", slog.String("error", err.Error()))
		return
	}
	if len(window) == 0 {
		// A venue can answer an empty history without erroring; there is
		// nothing to price or evaluate against.
		r.logger.Warn("empty candle window, skipping tick")
		return
	}
	price, err := r.fetchPrice(ctx)
	if err != nil {
		// The last close still lets maintenance run; entries use it too.
		price = window[len(window)-1].Close
	}

	forced := r.deps.Ledger.MarkToMarket(map[string]float64{r.cfg.Symbol: price}, now)
	for _, fc := range forced {
		r.closePosition(ctx, fc.PositionID, fc.Price, fc.Reason, now)
	}

	if len(window) < r.strat.MinBars() {
		return
	}
	sig := r.strat.Evaluate(window)
	if sig.Flat() {
		return
	}
	r.mu.Lock()
	r.perf.Signals++
	r.mu.Unlock()

	r.exitOnReversal(ctx, sig, price, now)
	r.tryEnter(ctx, sig, price, window, now)
}

func (r *Runner) fetchCandles(ctx context.Context) ([]domain.Candle, error) {
	window, err := r.deps.Cache.GetCandles(ctx, r.cfg.Symbol, r.cfg.Timeframe)
	if err == nil && len(window) >= r.strat.MinBars() {
		return window, nil
	}

	limit := candleFetchLimit
	if mb := r.strat.MinBars(); mb > limit {
		limit = mb
	}
	err = exchange.Retry(ctx, r.deps.Retry, func(ctx context.Context) error {
		window, err = r.deps.Gateway.FetchOHLCV(ctx, r.cfg.Symbol, r.cfg.Timeframe, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cerr := r.deps.Cache.SetCandles(ctx, r.cfg.Symbol, r.cfg.Timeframe, window); cerr != nil {
		r.logger.Warn("candle cache write failed", slog.String("error", cerr.Error()))
	}
	return window, nil
}

func (r *Runner) fetchPrice(ctx context.Context) (float64, error) {
	if t, err := r.deps.Cache.GetTicker(ctx, r.cfg.Symbol); err == nil {
		return t.Price, nil
	}
	var t domain.Ticker
	err := exchange.Retry(ctx, r.deps.Retry, func(ctx context.Context) error {
		var ferr error
		t, ferr = r.deps.Gateway.FetchTicker(ctx, r.cfg.Symbol)
		return ferr
	})
	if err != nil {
		return 0, err
	}
	if cerr := r.deps.Cache.SetTicker(ctx, t); cerr != nil {
		r.logger.Warn("ticker cache write failed", slog.String("error", cerr.Error()))
	}
	return t.Price, nil
}

// exitOnReversal closes this bot's positions held against the new signal.
func (r *Runner) exitOnReversal(ctx context.Context, sig domain.Signal, price float64, now time.Time) {
	against := domain.PositionShort
	if sig.Direction == domain.DirectionShort {
		against = domain.PositionLong
	}
	for _, p := range r.deps.Ledger.OpenPositionsForBot(r.cfg.ID) {
		if p.Side == against {
			r.closePosition(ctx, p.ID, price, domain.ExitSignal, now)
		}
	}
}

func (r *Runner) tryEnter(ctx context.Context, sig domain.Signal, price float64, window []domain.Candle, now time.Time) {
	side := domain.PositionLong
	if sig.Direction == domain.DirectionShort {
		side = domain.PositionShort
	}

	if held := len(r.deps.Ledger.OpenPositionsForBot(r.cfg.ID)); held >= r.cfg.MaxPositions {
		return
	}

	stop := sig.StopLoss
	if stop == 0 && r.cfg.StopLossPct > 0 {
		stop = protectiveLevel(price, side, r.cfg.StopLossPct, true)
	}
	take := sig.TakeProfit
	if take == 0 && r.cfg.TakeProfitPct > 0 {
		take = protectiveLevel(price, side, r.cfg.TakeProfitPct, false)
	}

	snap := r.deps.Ledger.Snapshot(now)
	maxQty := 0.0
	if price > 0 {
		maxQty = r.cfg.PositionFraction * snap.Equity / price
	}

	decision, alerts := r.deps.Gate.Assess(risk.Candidate{
		BotID:       r.cfg.ID,
		Symbol:      r.cfg.Symbol,
		Side:        side,
		EntryPrice:  price,
		StopLoss:    stop,
		Confidence:  sig.Confidence,
		MaxQuantity: maxQty,
		Window:      window,
	}, snap, r.historyCopy())
	r.recordAlerts(ctx, alerts, now)

	if !decision.Approved || decision.Quantity <= 0 {
		r.mu.Lock()
		r.perf.Rejections++
		r.mu.Unlock()
		r.logger.Info("entry rejected by risk gate",
			slog.String("reason", string(decision.Reason)),
			slog.String("direction", string(sig.Direction)),
		)
		return
	}

	resID, err := r.deps.Ledger.Reserve(portfolio.Reservation{
		BotID:       r.cfg.ID,
		Symbol:      r.cfg.Symbol,
		Side:        side,
		Quantity:    decision.Quantity,
		Price:       price,
		Strategy:    r.cfg.Strategy,
		StopLoss:    stop,
		TakeProfit:  take,
		TrailingPct: r.cfg.TrailingStopPct,
	})
	if err != nil {
		r.logger.Info("reservation refused", slog.String("error", err.Error()))
		return
	}

	res, err := r.submitOrder(ctx, domain.OrderRequest{
		Symbol:   r.cfg.Symbol,
		Side:     orderSideFor(side, false),
		Type:     domain.OrderTypeMarket,
		Quantity: decision.Quantity,
	})
	if err != nil {
		r.deps.Ledger.Release(resID)
		r.emit(ctx, domain.EventTradeFailed, map[string]any{
			"side":  string(side),
			"error": err.Error(),
		}, now)
		r.logger.Error("order failed", slog.String("error", err.Error()))
		return
	}

	fillPrice := res.AvgPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	pos, err := r.deps.Ledger.Commit(resID, portfolio.Fill{
		Quantity:   res.FilledQty,
		Price:      fillPrice,
		Commission: res.Commission,
		Slippage:   abs(fillPrice-price) * res.FilledQty,
		Time:       now,
	})
	if err != nil {
		r.deps.Ledger.Release(resID)
		r.logger.Error("fill commit failed", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	r.perf.Orders++
	r.mu.Unlock()

	if r.deps.Positions != nil {
		if perr := r.deps.Positions.Upsert(ctx, pos); perr != nil {
			r.logger.Warn("position persist failed", slog.String("error", perr.Error()))
		}
	}
	r.emit(ctx, domain.EventTradeExecuted, map[string]any{
		"side":     string(side),
		"quantity": res.FilledQty,
		"price":    fillPrice,
		"order_id": res.OrderID,
	}, now)
}

// closePosition submits the closing order and, only on fill, realizes the
// exit in the ledger. A failed close leaves the position open for the next
// tick to retry.
func (r *Runner) closePosition(ctx context.Context, positionID string, markPrice float64, reason domain.ExitReason, now time.Time) {
	p, err := r.deps.Ledger.Position(positionID)
	if err != nil {
		return // already closed
	}
	if p.BotID != r.cfg.ID {
		return
	}

	res, err := r.submitOrder(ctx, domain.OrderRequest{
		Symbol:   p.Symbol,
		Side:     orderSideFor(p.Side, true),
		Type:     domain.OrderTypeMarket,
		Quantity: p.Quantity,
	})
	if err != nil {
		r.emit(ctx, domain.EventTradeFailed, map[string]any{
			"position_id": positionID,
			"reason":      string(reason),
			"error":       err.Error(),
		}, now)
		r.logger.Error("close order failed, position stays open",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
		return
	}

	exitPrice := res.AvgPrice
	if exitPrice <= 0 {
		exitPrice = markPrice
	}
	trade, err := r.deps.Ledger.Close(portfolio.CloseRequest{
		PositionID: positionID,
		ExitPrice:  exitPrice,
		Reason:     reason,
		Time:       now,
		Commission: res.Commission,
		Slippage:   abs(exitPrice-markPrice) * p.Quantity,
	})
	if err != nil {
		// Already closed elsewhere; nothing to realize.
		return
	}

	r.mu.Lock()
	if trade.Win() {
		r.perf.Wins++
	} else {
		r.perf.Losses++
	}
	r.perf.RealizedPnL += trade.RealizedPnL
	r.history = append(r.history, trade)
	if overflow := len(r.history) - historyCap; overflow > 0 {
		r.history = append([]domain.Trade(nil), r.history[overflow:]...)
	}
	r.mu.Unlock()

	if r.deps.Trades != nil {
		if serr := r.deps.Trades.Append(ctx, trade); serr != nil {
			r.logger.Warn("trade persist failed", slog.String("error", serr.Error()))
		}
	}
	if r.deps.Positions != nil {
		if derr := r.deps.Positions.Delete(ctx, positionID); derr != nil {
			r.logger.Warn("position delete failed", slog.String("error", derr.Error()))
		}
	}
	r.emit(ctx, domain.EventPositionClosed, map[string]any{
		"position_id": positionID,
		"reason":      string(reason),
		"pnl":         trade.RealizedPnL,
		"exit_price":  exitPrice,
	}, now)
}

func (r *Runner) submitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	var res domain.OrderResult
	err := exchange.Retry(ctx, r.deps.Retry, func(ctx context.Context) error {
		var oerr error
		res, oerr = r.deps.Gateway.CreateOrder(ctx, req)
		return oerr
	})
	if err != nil {
		return domain.OrderResult{}, err
	}
	if res.Status == domain.OrderStatusRejected || res.Status == domain.OrderStatusCancelled || res.FilledQty <= 0 {
		return domain.OrderResult{}, domain.ErrInvalidOrder
	}
	return res, nil
}

func (r *Runner) recordAlerts(ctx context.Context, alerts []domain.RiskAlert, now time.Time) {
	for _, a := range alerts {
		if r.deps.Alerts != nil {
			if err := r.deps.Alerts.Log(ctx, a); err != nil {
				r.logger.Warn("alert persist failed", slog.String("error", err.Error()))
			}
		}
		if a.Severity == domain.AlertHigh || a.Severity == domain.AlertCritical {
			r.emit(ctx, domain.EventRiskAlert, map[string]any{
				"code":     a.Code,
				"severity": string(a.Severity),
				"value":    a.Value,
				"limit":    a.Limit,
			}, now)
		}
	}
}

func (r *Runner) emit(ctx context.Context, typ domain.EventType, detail map[string]any, now time.Time) {
	if r.deps.Sink == nil {
		return
	}
	evt := domain.Event{
		Type:      typ,
		BotID:     r.cfg.ID,
		Symbol:    r.cfg.Symbol,
		Detail:    detail,
		CreatedAt: now,
	}
	if err := r.deps.Sink.Emit(ctx, evt); err != nil {
		r.logger.Warn("event emit failed",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

// seedHistory primes the closed-trade history the Kelly estimator reads,
// from trades persisted before a restart. Input is newest first, as the
// trade store returns it; history is kept oldest first.
func (r *Runner) seedHistory(trades []domain.Trade) {
	if len(trades) > historyCap {
		trades = trades[:historyCap]
	}
	hist := make([]domain.Trade, 0, len(trades))
	for i := len(trades) - 1; i >= 0; i-- {
		hist = append(hist, trades[i])
	}
	r.mu.Lock()
	r.history = hist
	r.mu.Unlock()
}

func (r *Runner) historyCopy() []domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Trade, len(r.history))
	copy(out, r.history)
	return out
}

// orderSideFor maps a position side to the order side that opens (or, when
// closing, unwinds) it.
func orderSideFor(side domain.PositionSide, closing bool) domain.OrderSide {
	long := side == domain.PositionLong
	if closing {
		long = !long
	}
	if long {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}

// protectiveLevel places a stop (protect=true) or take-profit level pct away
// from price on the correct side of the position.
func protectiveLevel(price float64, side domain.PositionSide, pct float64, protect bool) float64 {
	below := side == domain.PositionLong
	if !protect {
		below = !below
	}
	if below {
		return price * (1 - pct)
	}
	return price * (1 + pct)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
