package strategy

import (
	"fmt"
	"math"

	"github.com/avdeev/tradeforge/internal/domain"
)

var gridSchema = []ParamSpec{
	{Name: "levels", Type: ParamInt, Min: 1, Max: 20, Default: 5},
	{Name: "anchor_period", Type: ParamInt, Min: 5, Max: 500, Default: 50},
	{Name: "spacing_sigma", Type: ParamFloat, Min: 0.1, Max: 5, Default: 1.0},
	{Name: "vol_period", Type: ParamInt, Min: 5, Max: 200, Default: 20},
}

// GridStrategy lays symmetric limit levels around a moving anchor with
// volatility-scaled spacing: buy levels below the anchor, sell levels above.
// A signal fires when the latest bar crosses a level the previous bar had
// not reached. The grid is derived entirely from the window, so identical
// windows produce identical grids in live and backtest runs.
type GridStrategy struct {
	levels       int
	anchorPeriod int
	spacingSigma float64
	volPeriod    int
}

// NewGrid validates params and builds the strategy.
func NewGrid(params Params) (Strategy, error) {
	levels, err := params.Int(gridSchema[0])
	if err != nil {
		return nil, err
	}
	anchor, err := params.Int(gridSchema[1])
	if err != nil {
		return nil, err
	}
	sigma, err := params.Float(gridSchema[2])
	if err != nil {
		return nil, err
	}
	volPeriod, err := params.Int(gridSchema[3])
	if err != nil {
		return nil, err
	}
	return &GridStrategy{
		levels:       levels,
		anchorPeriod: anchor,
		spacingSigma: sigma,
		volPeriod:    volPeriod,
	}, nil
}

func (s *GridStrategy) Name() string { return "grid" }

func (s *GridStrategy) MinBars() int {
	if s.anchorPeriod > s.volPeriod {
		return s.anchorPeriod + 2
	}
	return s.volPeriod + 2
}

func (s *GridStrategy) Evaluate(window []domain.Candle) domain.Signal {
	if len(window) < s.MinBars() {
		return domain.FlatSignal(s.Name(), lastTimestamp(window))
	}
	last := window[len(window)-1]

	closes := domain.Closes(window)
	anchor := SMA(closes, s.anchorPeriod)
	spacing := StdDev(closes, s.volPeriod) * s.spacingSigma
	if anchor <= 0 || spacing <= 0 {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	prev := closes[len(closes)-2]
	curr := closes[len(closes)-1]

	// Level index: how many grid steps the price sits away from the anchor.
	// Negative levels are buy territory, positive are sell territory.
	levelOf := func(price float64) int {
		steps := (price - anchor) / spacing
		if steps > 0 {
			return int(math.Floor(steps))
		}
		return int(math.Ceil(steps))
	}

	prevLevel := levelOf(prev)
	currLevel := levelOf(curr)
	if currLevel == prevLevel || currLevel == 0 {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}
	if currLevel < -s.levels || currLevel > s.levels {
		// Outside the grid: treat as trending, stand aside.
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	depth := float64(absInt(currLevel)) / float64(s.levels)
	conf := clamp01(0.4 + 0.6*depth)

	if currLevel < 0 && currLevel < prevLevel {
		// Price dropped into a deeper buy level.
		return domain.Signal{
			Direction:  domain.DirectionLong,
			Confidence: conf,
			StopLoss:   anchor - spacing*float64(s.levels+1),
			TakeProfit: anchor,
			Timestamp:  last.Timestamp,
			Strategy:   s.Name(),
			Reason:     fmt.Sprintf("grid buy level %d (anchor %.4f, spacing %.4f)", currLevel, anchor, spacing),
		}
	}
	if currLevel > 0 && currLevel > prevLevel {
		return domain.Signal{
			Direction:  domain.DirectionShort,
			Confidence: conf,
			StopLoss:   anchor + spacing*float64(s.levels+1),
			TakeProfit: anchor,
			Timestamp:  last.Timestamp,
			Strategy:   s.Name(),
			Reason:     fmt.Sprintf("grid sell level %d (anchor %.4f, spacing %.4f)", currLevel, anchor, spacing),
		}
	}
	return domain.FlatSignal(s.Name(), last.Timestamp)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
