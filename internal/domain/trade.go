package domain

import "time"

// Trade is the immutable historical record of a closed position. It is
// created exactly once, at close time, and never mutated afterwards.
type Trade struct {
	ID          string
	BotID       string
	Symbol      string
	Side        PositionSide
	Quantity    float64
	EntryPrice  float64
	ExitPrice   float64
	EntryTime   time.Time
	ExitTime    time.Time
	RealizedPnL float64
	ExitReason  ExitReason
	Commission  float64
	Slippage    float64
	Strategy    string
}

// Win reports whether the trade realized a profit net of commission.
func (t Trade) Win() bool {
	return t.RealizedPnL > 0
}
