package domain

import "time"

// Direction is the trade direction suggested by a strategy.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Signal is the output of one strategy evaluation cycle. It is ephemeral:
// produced per tick, consumed by the risk gate, never persisted.
//
// StopLoss and TakeProfit are suggested exit prices; zero means the strategy
// does not suggest a level. The risk manager falls back to a configured
// default loss fraction for sizing when no stop is supplied, and that
// fallback is logged as an explicit choice.
type Signal struct {
	Direction  Direction
	Confidence float64 // 0..1
	StopLoss   float64
	TakeProfit float64
	Timestamp  time.Time
	Strategy   string
	Reason     string
}

// Flat reports whether the signal requests no action.
func (s Signal) Flat() bool {
	return s.Direction == DirectionFlat || s.Direction == ""
}

// FlatSignal returns a neutral signal attributed to the given strategy,
// used when the price window is shorter than the strategy's lookback.
func FlatSignal(strategy string, ts time.Time) Signal {
	return Signal{Direction: DirectionFlat, Strategy: strategy, Timestamp: ts}
}
