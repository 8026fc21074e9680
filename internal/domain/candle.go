package domain

import (
	"fmt"
	"time"
)

// Timeframe is a candle interval identifier in exchange notation
// (e.g. "1m", "5m", "1h", "4h", "1d").
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar length for the timeframe. Unknown timeframes
// return an error instead of a silent default.
func (tf Timeframe) Duration() (time.Duration, error) {
	switch tf {
	case Timeframe1m:
		return time.Minute, nil
	case Timeframe5m:
		return 5 * time.Minute, nil
	case Timeframe15m:
		return 15 * time.Minute, nil
	case Timeframe1h:
		return time.Hour, nil
	case Timeframe4h:
		return 4 * time.Hour, nil
	case Timeframe1d:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("timeframe %q: unknown", string(tf))
	}
}

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker is the latest top-of-book snapshot for a symbol.
type Ticker struct {
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Volume    float64
	High24h   float64
	Low24h    float64
	Change24h float64 // fractional 24h change, e.g. 0.031 = +3.1%
	Timestamp time.Time
}

// Closes extracts the close series from a candle window.
func Closes(window []Candle) []float64 {
	out := make([]float64, len(window))
	for i, c := range window {
		out[i] = c.Close
	}
	return out
}
