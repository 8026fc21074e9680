package strategy

import (
	"fmt"

	"github.com/avdeev/tradeforge/internal/domain"
)

var emaCrossSchema = []ParamSpec{
	{Name: "fast_period", Type: ParamInt, Min: 2, Max: 200, Default: 12},
	{Name: "slow_period", Type: ParamInt, Min: 3, Max: 400, Default: 26},
	{Name: "stop_loss_pct", Type: ParamFloat, Min: 0, Max: 0.5, Default: 0.0},
}

// EMACross signals long when the fast EMA crosses above the slow EMA and
// short on the opposite cross. Confidence scales with the separation of the
// averages relative to price.
type EMACross struct {
	fast        int
	slow        int
	stopLossPct float64
}

// NewEMACross validates params and builds the strategy.
func NewEMACross(params Params) (Strategy, error) {
	fast, err := params.Int(emaCrossSchema[0])
	if err != nil {
		return nil, err
	}
	slow, err := params.Int(emaCrossSchema[1])
	if err != nil {
		return nil, err
	}
	sl, err := params.Float(emaCrossSchema[2])
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast_period %d must be below slow_period %d", fast, slow)
	}
	return &EMACross{fast: fast, slow: slow, stopLossPct: sl}, nil
}

func (s *EMACross) Name() string { return "ema_cross" }

func (s *EMACross) MinBars() int { return s.slow + 2 }

func (s *EMACross) Evaluate(window []domain.Candle) domain.Signal {
	if len(window) < s.MinBars() {
		return domain.FlatSignal(s.Name(), lastTimestamp(window))
	}
	last := window[len(window)-1]

	closes := domain.Closes(window)
	fast := EMASeries(closes, s.fast)
	slow := EMASeries(closes, s.slow)
	n := len(closes)

	prevDiff := fast[n-2] - slow[n-2]
	currDiff := fast[n-1] - slow[n-1]
	if last.Close == 0 {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}
	conf := clamp01(0.5 + 50*absFloat(currDiff)/last.Close)

	var dir domain.Direction
	switch {
	case prevDiff <= 0 && currDiff > 0:
		dir = domain.DirectionLong
	case prevDiff >= 0 && currDiff < 0:
		dir = domain.DirectionShort
	default:
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	sig := domain.Signal{
		Direction:  dir,
		Confidence: conf,
		Timestamp:  last.Timestamp,
		Strategy:   s.Name(),
		Reason:     fmt.Sprintf("ema(%d/%d) cross, diff %.6f -> %.6f", s.fast, s.slow, prevDiff, currDiff),
	}
	if s.stopLossPct > 0 {
		if dir == domain.DirectionLong {
			sig.StopLoss = last.Close * (1 - s.stopLossPct)
		} else {
			sig.StopLoss = last.Close * (1 + s.stopLossPct)
		}
	}
	return sig
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
