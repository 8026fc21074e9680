// Package risk implements the pre-trade gate and position sizer. Assessment
// is a pure computation over a portfolio snapshot and trade history, so the
// identical code path serves live bots and backtest replay.
package risk

import (
	"log/slog"
	"time"

	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/strategy"
)

// Config holds the tunable sizing parameters that sit alongside the hard
// limits in domain.RiskLimits.
type Config struct {
	// DefaultStopFraction is the assumed loss fraction used for sizing when a
	// candidate supplies no stop-loss. Using it is logged as an explicit choice.
	DefaultStopFraction float64
	KellyEnabled        bool
	KellyMinTrades      int
	KellyCap            float64
	// ConservativeKelly is the fallback fraction when the trade sample is too
	// small for an estimate.
	ConservativeKelly float64
	ShortVolPeriod    int
	LongVolPeriod     int
	// ConcentrationSoftCap is advisory: breaching it raises an alert but
	// never blocks by itself.
	ConcentrationSoftCap float64
	// DefaultCorrelation is assumed for symbol pairs without a configured
	// estimate.
	DefaultCorrelation float64
	// CorrelationFloor is the minimum fraction of the computed size that the
	// correlation adjustment may scale down to.
	CorrelationFloor float64
}

// DefaultConfig returns the standard sizing parameters.
func DefaultConfig() Config {
	return Config{
		DefaultStopFraction:  0.10,
		KellyEnabled:         true,
		KellyMinTrades:       20,
		KellyCap:             0.25,
		ConservativeKelly:    0.05,
		ShortVolPeriod:       10,
		LongVolPeriod:        50,
		ConcentrationSoftCap: 0.25,
		DefaultCorrelation:   0.3,
		CorrelationFloor:     0.10,
	}
}

// Candidate is a proposed trade entering the risk gate.
//
// Quantity, when positive, is an explicit size request that is rejected
// outright if its risk exceeds the per-position limit. When zero, the
// manager sizes the trade itself. MaxQuantity, when positive, caps the
// computed size (e.g. a bot's position-fraction setting).
type Candidate struct {
	BotID       string
	Symbol      string
	Side        domain.PositionSide
	EntryPrice  float64
	StopLoss    float64 // 0 means none supplied
	Confidence  float64
	Quantity    float64
	MaxQuantity float64
	Window      []domain.Candle // recent bars for the volatility adjustment
}

// Manager is the risk gate. It is stateless apart from configuration, which
// makes Assess safe to call concurrently and deterministic for backtests.
type Manager struct {
	limits       domain.RiskLimits
	cfg          Config
	correlations map[[2]string]float64
	logger       *slog.Logger
}

// NewManager builds a Manager from validated limits and sizing config.
// correlations maps symbol pairs to estimated return correlations; pair
// order is normalized internally.
func NewManager(limits domain.RiskLimits, cfg Config, correlations map[[2]string]float64, logger *slog.Logger) *Manager {
	norm := make(map[[2]string]float64, len(correlations))
	for pair, c := range correlations {
		norm[normPair(pair[0], pair[1])] = c
	}
	return &Manager{
		limits:       limits,
		cfg:          cfg,
		correlations: norm,
		logger:       logger.With(slog.String("component", "risk_manager")),
	}
}

// Limits returns the active hard limits.
func (m *Manager) Limits() domain.RiskLimits { return m.limits }

func normPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Correlation returns the estimated return correlation between two symbols.
func (m *Manager) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	if c, ok := m.correlations[normPair(a, b)]; ok {
		return c
	}
	return m.cfg.DefaultCorrelation
}

// Assess runs the full gate and sizing pipeline:
//
//  1. risk-per-unit from the supplied stop (or the default loss fraction)
//  2. base size from the per-position risk budget
//  3. Kelly-fraction clamp from the bot's closed-trade history
//  4. volatility adjustment (short vs long window), clamped [0.5x, 1.5x]
//  5. correlation-exposure adjustment, floored at CorrelationFloor
//  6. hard single-position cap
//  7. portfolio gates: drawdown limit and historical-simulation VaR
//
// The returned alerts are advisory observations (soft-limit breaches,
// rejection records); persisting and notifying is the caller's concern.
func (m *Manager) Assess(c Candidate, snap domain.PortfolioSnapshot, history []domain.Trade) (domain.RiskDecision, []domain.RiskAlert) {
	var alerts []domain.RiskAlert
	now := snapTime(snap)

	equity := snap.Equity
	if equity <= 0 || c.EntryPrice <= 0 {
		return domain.RiskDecision{Reason: domain.RejectPositionRiskExceeded}, alerts
	}

	// 1. Risk per unit.
	riskPerUnit := c.EntryPrice * m.cfg.DefaultStopFraction
	if c.StopLoss > 0 {
		riskPerUnit = absDiff(c.EntryPrice, c.StopLoss)
	} else {
		m.logger.Info("no stop-loss supplied, sizing with default loss fraction",
			slog.String("bot_id", c.BotID),
			slog.String("symbol", c.Symbol),
			slog.Float64("default_fraction", m.cfg.DefaultStopFraction),
		)
	}
	if riskPerUnit <= 0 {
		return domain.RiskDecision{Reason: domain.RejectPositionRiskExceeded}, alerts
	}

	// Explicit size request: reject when its risk exceeds the budget.
	if c.Quantity > 0 {
		riskPct := c.Quantity * riskPerUnit / equity
		if riskPct > m.limits.MaxPositionRisk {
			alerts = append(alerts, domain.RiskAlert{
				Severity:  domain.AlertHigh,
				Code:      "position_risk_exceeded",
				Symbol:    c.Symbol,
				Message:   "requested size exceeds per-position risk budget",
				Value:     riskPct,
				Limit:     m.limits.MaxPositionRisk,
				CreatedAt: now,
			})
			return domain.RiskDecision{Reason: domain.RejectPositionRiskExceeded, RiskScore: riskPct}, alerts
		}
	}

	// 2. Base size from the risk budget.
	size := equity * m.limits.MaxPositionRisk / riskPerUnit
	if c.Quantity > 0 && c.Quantity < size {
		size = c.Quantity
	}

	// 3. Kelly adjustment. No history at all means no estimate to act on;
	// a small-but-nonempty sample falls back to the conservative fraction.
	if m.cfg.KellyEnabled && len(history) > 0 {
		kellyFrac := m.cfg.ConservativeKelly
		if est, ok := EstimateKelly(history, m.cfg.KellyMinTrades); ok {
			kellyFrac = est.Fraction(m.cfg.KellyCap)
		}
		if kellyFrac > 0 {
			kellySize := equity * kellyFrac / c.EntryPrice
			if kellySize < size {
				size = kellySize
			}
		}
	}

	// 4. Volatility adjustment.
	if factor := m.volFactor(c.Window); factor != 1 {
		size *= factor
	}

	// 5. Correlation-adjusted exposure.
	decision, corrAlerts := m.applyCorrelation(&size, c, snap, now)
	alerts = append(alerts, corrAlerts...)
	if decision != domain.RejectNone {
		return domain.RiskDecision{Reason: decision}, alerts
	}

	// External cap (bot position fraction).
	if c.MaxQuantity > 0 && size > c.MaxQuantity {
		size = c.MaxQuantity
	}

	// Advisory concentration check on the pre-cap size.
	if conc := size * c.EntryPrice / equity; conc > m.cfg.ConcentrationSoftCap {
		alerts = append(alerts, domain.RiskAlert{
			Severity:  domain.AlertWarning,
			Code:      "concentration_risk",
			Symbol:    c.Symbol,
			Message:   "single position exceeds soft concentration cap",
			Value:     conc,
			Limit:     m.cfg.ConcentrationSoftCap,
			CreatedAt: now,
		})
	}

	// 6. Hard single-position cap.
	if maxSize := m.limits.MaxSinglePosition * equity / c.EntryPrice; size > maxSize {
		size = maxSize
	}

	// 7. Portfolio-level gates.
	if snap.Drawdown > m.limits.MaxDrawdown {
		alerts = append(alerts, domain.RiskAlert{
			Severity:  domain.AlertCritical,
			Code:      "drawdown_limit",
			Symbol:    c.Symbol,
			Message:   "portfolio drawdown exceeds halt threshold",
			Value:     snap.Drawdown,
			Limit:     m.limits.MaxDrawdown,
			CreatedAt: now,
		})
		return domain.RiskDecision{Reason: domain.RejectDrawdownLimit}, alerts
	}
	if varFrac := HistoricalVaR(snap.Returns, m.limits.VaRConfidence); varFrac > m.limits.MaxPortfolioRisk {
		alerts = append(alerts, domain.RiskAlert{
			Severity:  domain.AlertCritical,
			Code:      "portfolio_var_exceeded",
			Symbol:    c.Symbol,
			Message:   "portfolio value-at-risk exceeds budget",
			Value:     varFrac,
			Limit:     m.limits.MaxPortfolioRisk,
			CreatedAt: now,
		})
		return domain.RiskDecision{Reason: domain.RejectPortfolioVaRExceeded}, alerts
	}

	if size <= 0 {
		return domain.RiskDecision{Reason: domain.RejectPositionRiskExceeded}, alerts
	}

	return domain.RiskDecision{
		Approved:  true,
		Quantity:  size,
		RiskScore: size * riskPerUnit / equity,
	}, alerts
}

// volFactor scales size inversely to the ratio of short-window to long-window
// volatility, clamped to [0.5, 1.5]. Insufficient history leaves size alone.
func (m *Manager) volFactor(window []domain.Candle) float64 {
	if len(window) == 0 {
		return 1
	}
	closes := domain.Closes(window)
	shortVol := strategy.Volatility(closes, m.cfg.ShortVolPeriod)
	longVol := strategy.Volatility(closes, m.cfg.LongVolPeriod)
	if shortVol <= 0 || longVol <= 0 {
		return 1
	}
	factor := longVol / shortVol
	if factor < 0.5 {
		return 0.5
	}
	if factor > 1.5 {
		return 1.5
	}
	return factor
}

// applyCorrelation reduces size when correlation-weighted exposure to held
// symbols would exceed the limit. This is the single authoritative
// correlation/concentration check; nothing else in the engine duplicates it.
func (m *Manager) applyCorrelation(size *float64, c Candidate, snap domain.PortfolioSnapshot, now time.Time) (domain.RejectReason, []domain.RiskAlert) {
	if snap.Equity <= 0 || len(snap.Positions) == 0 {
		return domain.RejectNone, nil
	}

	var corrExposure float64
	for _, p := range snap.Positions {
		corrExposure += m.Correlation(p.Symbol, c.Symbol) * p.MarketValue()
	}
	corrFrac := corrExposure / snap.Equity
	budget := m.limits.MaxCorrelatedExposure

	if corrFrac >= budget {
		alert := domain.RiskAlert{
			Severity:  domain.AlertHigh,
			Code:      "correlation_limit",
			Symbol:    c.Symbol,
			Message:   "correlated exposure already at limit",
			Value:     corrFrac,
			Limit:     budget,
			CreatedAt: now,
		}
		return domain.RejectCorrelationLimit, []domain.RiskAlert{alert}
	}

	candidateFrac := *size * c.EntryPrice / snap.Equity
	if corrFrac+candidateFrac <= budget {
		return domain.RejectNone, nil
	}

	// Scale down so total correlated exposure lands on the budget, floored
	// at CorrelationFloor of the computed size.
	allowed := (budget - corrFrac) / candidateFrac
	if allowed < m.cfg.CorrelationFloor {
		allowed = m.cfg.CorrelationFloor
	}
	*size *= allowed
	alert := domain.RiskAlert{
		Severity:  domain.AlertWarning,
		Code:      "correlation_resize",
		Symbol:    c.Symbol,
		Message:   "size reduced by correlated-exposure adjustment",
		Value:     corrFrac + candidateFrac,
		Limit:     budget,
		CreatedAt: now,
	}
	return domain.RejectNone, []domain.RiskAlert{alert}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func snapTime(snap domain.PortfolioSnapshot) time.Time {
	if !snap.Timestamp.IsZero() {
		return snap.Timestamp
	}
	return time.Time{}
}
