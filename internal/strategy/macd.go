package strategy

import (
	"fmt"

	"github.com/avdeev/tradeforge/internal/domain"
)

var macdSchema = []ParamSpec{
	{Name: "fast_period", Type: ParamInt, Min: 2, Max: 100, Default: 12},
	{Name: "slow_period", Type: ParamInt, Min: 3, Max: 200, Default: 26},
	{Name: "signal_period", Type: ParamInt, Min: 2, Max: 100, Default: 9},
	{Name: "stop_loss_pct", Type: ParamFloat, Min: 0, Max: 0.5, Default: 0.0},
}

// MACDStrategy signals on the MACD line crossing its signal line. Crossings
// far from the zero line carry more confidence than crossings near it.
type MACDStrategy struct {
	fast        int
	slow        int
	signal      int
	stopLossPct float64
}

// NewMACD validates params and builds the strategy.
func NewMACD(params Params) (Strategy, error) {
	fast, err := params.Int(macdSchema[0])
	if err != nil {
		return nil, err
	}
	slow, err := params.Int(macdSchema[1])
	if err != nil {
		return nil, err
	}
	signal, err := params.Int(macdSchema[2])
	if err != nil {
		return nil, err
	}
	sl, err := params.Float(macdSchema[3])
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast_period %d must be below slow_period %d", fast, slow)
	}
	return &MACDStrategy{fast: fast, slow: slow, signal: signal, stopLossPct: sl}, nil
}

func (s *MACDStrategy) Name() string { return "macd" }

func (s *MACDStrategy) MinBars() int { return s.slow + s.signal + 2 }

func (s *MACDStrategy) Evaluate(window []domain.Candle) domain.Signal {
	if len(window) < s.MinBars() {
		return domain.FlatSignal(s.Name(), lastTimestamp(window))
	}
	last := window[len(window)-1]

	macd, sigLine := MACDSeries(domain.Closes(window), s.fast, s.slow, s.signal)
	if macd == nil {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}
	n := len(macd)
	prevHist := macd[n-2] - sigLine[n-2]
	currHist := macd[n-1] - sigLine[n-1]

	var dir domain.Direction
	switch {
	case prevHist <= 0 && currHist > 0:
		dir = domain.DirectionLong
	case prevHist >= 0 && currHist < 0:
		dir = domain.DirectionShort
	default:
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	conf := 0.5
	if last.Close > 0 {
		conf = clamp01(0.5 + 100*absFloat(macd[n-1])/last.Close)
	}

	out := domain.Signal{
		Direction:  dir,
		Confidence: conf,
		Timestamp:  last.Timestamp,
		Strategy:   s.Name(),
		Reason:     fmt.Sprintf("macd histogram flipped %.6f -> %.6f", prevHist, currHist),
	}
	if s.stopLossPct > 0 {
		if dir == domain.DirectionLong {
			out.StopLoss = last.Close * (1 - s.stopLossPct)
		} else {
			out.StopLoss = last.Close * (1 + s.stopLossPct)
		}
	}
	return out
}
