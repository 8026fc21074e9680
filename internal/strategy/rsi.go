package strategy

import (
	"fmt"

	"github.com/avdeev/tradeforge/internal/domain"
)

var rsiSchema = []ParamSpec{
	{Name: "period", Type: ParamInt, Min: 2, Max: 200, Default: 14},
	{Name: "oversold", Type: ParamFloat, Min: 1, Max: 50, Default: 30.0},
	{Name: "overbought", Type: ParamFloat, Min: 50, Max: 99, Default: 70.0},
	{Name: "stop_loss_pct", Type: ParamFloat, Min: 0, Max: 0.5, Default: 0.0},
	{Name: "take_profit_pct", Type: ParamFloat, Min: 0, Max: 2, Default: 0.0},
}

// RSIStrategy emits a long signal when the RSI crosses up out of oversold
// territory and a short signal when it crosses down out of overbought
// territory. Confidence scales with how deep the preceding extreme was.
type RSIStrategy struct {
	period        int
	oversold      float64
	overbought    float64
	stopLossPct   float64
	takeProfitPct float64
}

// NewRSI validates params against the schema and builds the strategy.
func NewRSI(params Params) (Strategy, error) {
	period, err := params.Int(rsiSchema[0])
	if err != nil {
		return nil, err
	}
	oversold, err := params.Float(rsiSchema[1])
	if err != nil {
		return nil, err
	}
	overbought, err := params.Float(rsiSchema[2])
	if err != nil {
		return nil, err
	}
	sl, err := params.Float(rsiSchema[3])
	if err != nil {
		return nil, err
	}
	tp, err := params.Float(rsiSchema[4])
	if err != nil {
		return nil, err
	}
	if oversold >= overbought {
		return nil, fmt.Errorf("oversold %.1f must be below overbought %.1f", oversold, overbought)
	}
	return &RSIStrategy{
		period:        period,
		oversold:      oversold,
		overbought:    overbought,
		stopLossPct:   sl,
		takeProfitPct: tp,
	}, nil
}

func (s *RSIStrategy) Name() string { return "rsi" }

// MinBars requires enough history for a stable Wilder average plus one bar
// to detect the crossing.
func (s *RSIStrategy) MinBars() int { return s.period*3 + 2 }

func (s *RSIStrategy) Evaluate(window []domain.Candle) domain.Signal {
	if len(window) < s.MinBars() {
		return domain.FlatSignal(s.Name(), lastTimestamp(window))
	}
	last := window[len(window)-1]

	rsi := RSISeries(domain.Closes(window), s.period)
	curr := rsi[len(rsi)-1]
	prev := rsi[len(rsi)-2]

	switch {
	case prev <= s.oversold && curr > s.oversold:
		conf := clamp01((s.oversold-prev)/s.oversold + 0.5)
		return s.signal(domain.DirectionLong, conf, last,
			fmt.Sprintf("rsi crossed up through %.0f (%.1f -> %.1f)", s.oversold, prev, curr))
	case prev >= s.overbought && curr < s.overbought:
		conf := clamp01((prev-s.overbought)/(100-s.overbought) + 0.5)
		return s.signal(domain.DirectionShort, conf, last,
			fmt.Sprintf("rsi crossed down through %.0f (%.1f -> %.1f)", s.overbought, prev, curr))
	}
	return domain.FlatSignal(s.Name(), last.Timestamp)
}

func (s *RSIStrategy) signal(dir domain.Direction, conf float64, last domain.Candle, reason string) domain.Signal {
	sig := domain.Signal{
		Direction:  dir,
		Confidence: conf,
		Timestamp:  last.Timestamp,
		Strategy:   s.Name(),
		Reason:     reason,
	}
	if s.stopLossPct > 0 {
		if dir == domain.DirectionLong {
			sig.StopLoss = last.Close * (1 - s.stopLossPct)
		} else {
			sig.StopLoss = last.Close * (1 + s.stopLossPct)
		}
	}
	if s.takeProfitPct > 0 {
		if dir == domain.DirectionLong {
			sig.TakeProfit = last.Close * (1 + s.takeProfitPct)
		} else {
			sig.TakeProfit = last.Close * (1 - s.takeProfitPct)
		}
	}
	return sig
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
