package domain

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "take_profit"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTimeLimit    ExitReason = "time_exit"
	ExitManual       ExitReason = "manual"
	ExitSignal       ExitReason = "signal"
	ExitBacktestEnd  ExitReason = "backtest_end"
)

// Position is an open position in the portfolio ledger. All mutation goes
// through the portfolio manager; no other code writes these fields.
//
// Quantity is always >= 0; CostBasis is recomputed with weighted-average
// math on every add. MaxFavorable / MaxAdverse track the best and worst
// unrealized PnL observed over the position's life (MFE / MAE).
type Position struct {
	ID            string
	BotID         string
	Symbol        string
	Side          PositionSide
	Quantity      float64
	AvgEntryPrice float64
	CostBasis     float64
	CurrentPrice  float64
	UnrealizedPnL float64
	RealizedPnL   float64
	StopLoss      *float64
	TakeProfit    *float64
	TrailingStop  *float64 // current trailing level, ratchets with price
	TrailingPct   float64  // trail distance as fraction of price; 0 disables
	MaxFavorable  float64
	MaxAdverse    float64
	Strategy      string
	OpenedAt      time.Time
}

// MarketValue returns the position's current notional value, the magnitude
// of price exposure. Exposure and concentration checks use this.
func (p Position) MarketValue() float64 {
	return p.CurrentPrice * p.Quantity
}

// EquityValue returns the position's contribution to account equity: the
// capital committed at entry plus the unrealized profit at the current
// price. For longs this equals MarketValue; for shorts it is
// (2*entry - price) * qty, so a falling price raises equity.
func (p Position) EquityValue() float64 {
	return p.CostBasis + p.PnLAt(p.CurrentPrice)
}

// PnLAt returns the profit for exiting the whole position at price,
// following the (exit-entry)*qty long / (entry-exit)*qty short convention.
func (p Position) PnLAt(price float64) float64 {
	if p.Side == PositionShort {
		return (p.AvgEntryPrice - price) * p.Quantity
	}
	return (price - p.AvgEntryPrice) * p.Quantity
}
