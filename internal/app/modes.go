package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avdeev/tradeforge/internal/backtest"
	"github.com/avdeev/tradeforge/internal/bot"
	"github.com/avdeev/tradeforge/internal/config"
	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/exchange"
	"github.com/avdeev/tradeforge/internal/exchange/binance"
	"github.com/avdeev/tradeforge/internal/portfolio"
	"github.com/avdeev/tradeforge/internal/risk"
	"github.com/avdeev/tradeforge/internal/strategy"
)

// stopAllTimeout bounds the graceful fleet shutdown after ctx cancellation.
const stopAllTimeout = 30 * time.Second

// TradeMode starts the bot fleet, the ticker stream, and the archive loop,
// then blocks until the context is cancelled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	limits, err := a.cfg.RiskLimits()
	if err != nil {
		return fmt.Errorf("app: risk limits: %w", err)
	}
	riskCfg := risk.DefaultConfig()
	riskCfg.KellyEnabled = a.cfg.Risk.KellyEnabled
	gate := risk.NewManager(limits, riskCfg, a.cfg.Correlations(), a.logger)

	ledger := portfolio.NewManager(a.cfg.Engine.InitialCash, portfolio.Config{
		MaxPositions: a.cfg.Engine.MaxPositions,
		SectorOf:     a.cfg.Engine.Sectors,
		SectorCap:    a.cfg.Engine.SectorCap,
	}, a.logger)

	// Reload open positions left over from the previous run.
	if deps.PositionStore != nil {
		open, err := deps.PositionStore.ListOpen(ctx)
		if err != nil {
			return fmt.Errorf("app: restore positions: %w", err)
		}
		if len(open) > 0 {
			ledger.Restore(open)
			a.logger.InfoContext(ctx, "restored open positions", slog.Int("count", len(open)))
		}
	}

	registry := strategy.DefaultRegistry()
	sup := bot.NewSupervisor(registry, bot.Deps{
		Gateway:   deps.Gateway,
		Cache:     deps.Cache,
		Ledger:    ledger,
		Gate:      gate,
		Sink:      deps.Notifier,
		Trades:    deps.TradeStore,
		Positions: deps.PositionStore,
		Alerts:    deps.AlertStore,
		Retry:     exchange.DefaultRetryPolicy(),
		Logger:    a.logger,
	}, deps.BotCfgStore, a.cfg.Engine.MaxBots)

	for i, bc := range a.cfg.Bots {
		id, err := sup.StartBot(ctx, botConfigFromTOML(bc, a.cfg.Engine.MaxPositions))
		if err != nil {
			return fmt.Errorf("app: start bot %d (%s/%s): %w", i, bc.Symbol, bc.Strategy, err)
		}
		a.logger.InfoContext(ctx, "bot started",
			slog.String("bot_id", id),
			slog.String("symbol", bc.Symbol),
			slog.String("strategy", bc.Strategy),
		)
	}

	g, gctx := errgroup.WithContext(ctx)

	if symbols := botSymbols(a.cfg.Bots); len(symbols) > 0 {
		stream := binance.NewTickerStream(a.cfg.Exchange.WsURL, symbols, func(ctx context.Context, t domain.Ticker) {
			if err := deps.Cache.SetTicker(ctx, t); err != nil {
				a.logger.Warn("ticker cache write failed",
					slog.String("symbol", t.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}, a.logger)
		g.Go(func() error { return stream.Run(gctx) })
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(gctx, deps.Archiver) })
	}

	g.Go(func() error {
		<-gctx.Done()
		// The run context is gone; shut the fleet down on a fresh one.
		stopCtx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
		defer cancel()
		if err := sup.StopAll(stopCtx); err != nil {
			a.logger.Error("fleet shutdown incomplete", slog.String("error", err.Error()))
		}
		return gctx.Err()
	})

	return g.Wait()
}

// archiveLoop periodically moves aged closed trades to blob storage.
func (a *App) archiveLoop(ctx context.Context, archiver domain.Archiver) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			n, err := archiver.ArchiveTrades(ctx, cutoff)
			if err != nil {
				a.logger.Error("trade archival failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Info("trade archival complete",
					slog.Int("archived", n),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}

// BacktestMode runs one simulation, persists the report, and returns.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	bcfg := a.cfg.Backtest

	candles, err := a.loadCandles(ctx, deps, bcfg)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "candles loaded",
		slog.String("symbol", bcfg.Symbol),
		slog.Int("count", len(candles)),
	)

	sim := backtest.NewSimulator(strategy.DefaultRegistry(), a.logger)
	result, err := sim.Run(ctx, backtest.Config{
		Symbol:           bcfg.Symbol,
		Timeframe:        domain.Timeframe(bcfg.Timeframe),
		Strategy:         bcfg.Strategy,
		Params:           strategy.Params(bcfg.Params),
		InitialCapital:   bcfg.InitialCapital,
		CommissionRate:   bcfg.CommissionRate,
		SlippageRate:     bcfg.SlippageRate,
		MinTradeNotional: bcfg.MinTradeNotional,
		MaxPositions:     bcfg.MaxPositions,
		MaxHoldingBars:   bcfg.MaxHoldingBars,
		PositionFraction: bcfg.PositionFraction,
		StopLossPct:      bcfg.StopLossPct,
		TakeProfitPct:    bcfg.TakeProfitPct,
		TrailingStopPct:  bcfg.TrailingStopPct,
		RiskProfile:      domain.RiskProfile(a.cfg.Risk.Profile),
	}, candles)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	a.logger.InfoContext(ctx, "backtest complete",
		slog.String("id", result.ID),
		slog.String("strategy", result.Strategy),
		slog.Int("trades", len(result.Trades)),
		slog.Float64("final_capital", result.FinalCapital),
		slog.Float64("total_return", result.Metrics.TotalReturn),
		slog.Float64("sharpe", result.Metrics.Sharpe),
		slog.Float64("max_drawdown", result.Metrics.MaxDrawdown),
		slog.Float64("win_rate", result.Metrics.WinRate),
	)

	if deps.BacktestStore != nil {
		if err := deps.BacktestStore.Create(ctx, result); err != nil {
			return fmt.Errorf("app: persist backtest: %w", err)
		}
	}
	if deps.Archiver != nil {
		if err := deps.Archiver.ArchiveBacktest(ctx, result); err != nil {
			a.logger.Warn("backtest archival failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// loadCandles reads bars from the configured data file, falling back to the
// exchange's historical endpoint.
func (a *App) loadCandles(ctx context.Context, deps *Dependencies, bcfg config.BacktestConfig) ([]domain.Candle, error) {
	if bcfg.DataFile != "" {
		candles, err := readCandleFile(bcfg.DataFile)
		if err != nil {
			return nil, fmt.Errorf("app: data file: %w", err)
		}
		return candles, nil
	}
	candles, err := deps.Gateway.FetchOHLCV(ctx, bcfg.Symbol, domain.Timeframe(bcfg.Timeframe), bcfg.CandleLimit)
	if err != nil {
		return nil, fmt.Errorf("app: fetch candles: %w", err)
	}
	return candles, nil
}

// candleJSON is the on-disk bar format for backtest data files: a JSON array
// of objects with millisecond timestamps.
type candleJSON struct {
	Timestamp int64   `json:"ts"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func readCandleFile(path string) ([]domain.Candle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []candleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	candles := make([]domain.Candle, len(raw))
	for i, r := range raw {
		candles[i] = domain.Candle{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, nil
}

// botConfigFromTOML converts a file-declared bot into the domain config,
// applying engine defaults for unset sizing fields.
func botConfigFromTOML(bc config.BotConfig, defaultMaxPositions int) domain.BotConfig {
	cfg := domain.BotConfig{
		ID:               bc.ID,
		OwnerID:          bc.Owner,
		Symbol:           bc.Symbol,
		Timeframe:        domain.Timeframe(bc.Timeframe),
		Strategy:         bc.Strategy,
		Params:           bc.Params,
		PositionFraction: bc.PositionFraction,
		StopLossPct:      bc.StopLossPct,
		TakeProfitPct:    bc.TakeProfitPct,
		TrailingStopPct:  bc.TrailingStopPct,
		MaxPositions:     bc.MaxPositions,
		EvalInterval:     bc.EvalInterval.Duration,
		Active:           true,
	}
	if cfg.PositionFraction <= 0 {
		cfg.PositionFraction = 0.1
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = defaultMaxPositions
	}
	return cfg
}

// botSymbols returns the deduplicated, sorted symbols of the declared bots.
func botSymbols(bots []config.BotConfig) []string {
	seen := make(map[string]bool, len(bots))
	for _, b := range bots {
		seen[b.Symbol] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
