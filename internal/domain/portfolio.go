package domain

import "time"

// PortfolioSnapshot is a consistent, point-in-time copy of the portfolio
// ledger. Risk assessments read snapshots, never live state, so a concurrent
// commit can never be observed half-applied.
type PortfolioSnapshot struct {
	Cash        float64
	Equity      float64
	PeakEquity  float64
	Drawdown    float64
	MaxDrawdown float64
	Positions   []Position
	Returns     []float64 // trailing per-mark equity returns, oldest first
	Timestamp   time.Time
}

// Exposure returns the total open notional as a fraction of equity.
func (s PortfolioSnapshot) Exposure() float64 {
	if s.Equity <= 0 {
		return 0
	}
	var notional float64
	for _, p := range s.Positions {
		notional += p.MarketValue()
	}
	return notional / s.Equity
}

// SymbolNotional returns the open notional held in the given symbol.
func (s PortfolioSnapshot) SymbolNotional(symbol string) float64 {
	var notional float64
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			notional += p.MarketValue()
		}
	}
	return notional
}

// PortfolioMetrics is the control-surface summary of portfolio health.
type PortfolioMetrics struct {
	Cash          float64
	Equity        float64
	PeakEquity    float64
	Drawdown      float64
	MaxDrawdown   float64
	OpenPositions int
	UnrealizedPnL float64
	RealizedPnL   float64
	TradeCount    int64
	WinRate       float64
}
