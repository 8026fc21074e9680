package strategy

import (
	"fmt"

	"github.com/avdeev/tradeforge/internal/domain"
)

var scalpingSchema = []ParamSpec{
	{Name: "momentum_period", Type: ParamInt, Min: 2, Max: 100, Default: 5},
	{Name: "volume_period", Type: ParamInt, Min: 2, Max: 200, Default: 20},
	{Name: "trend_period", Type: ParamInt, Min: 2, Max: 200, Default: 9},
	{Name: "min_confidence", Type: ParamFloat, Min: 0.1, Max: 1, Default: 0.6},
	{Name: "stop_loss_pct", Type: ParamFloat, Min: 0.0005, Max: 0.1, Default: 0.004},
	{Name: "take_profit_pct", Type: ParamFloat, Min: 0.0005, Max: 0.2, Default: 0.006},
}

// Scalping combines three factors into one confidence score: short-horizon
// momentum (ROC), volume surge versus the trailing average, and the slope of
// a short EMA as a trend filter. It trades only when the combined score
// clears min_confidence, with tight stop and target.
//
// The candle window carries no order-book data, so the book-imbalance factor
// is proxied by the bar's close location within its high-low range.
type Scalping struct {
	momentumPeriod int
	volumePeriod   int
	trendPeriod    int
	minConfidence  float64
	stopLossPct    float64
	takeProfitPct  float64
}

// NewScalping validates params and builds the strategy.
func NewScalping(params Params) (Strategy, error) {
	mom, err := params.Int(scalpingSchema[0])
	if err != nil {
		return nil, err
	}
	vol, err := params.Int(scalpingSchema[1])
	if err != nil {
		return nil, err
	}
	trend, err := params.Int(scalpingSchema[2])
	if err != nil {
		return nil, err
	}
	minConf, err := params.Float(scalpingSchema[3])
	if err != nil {
		return nil, err
	}
	sl, err := params.Float(scalpingSchema[4])
	if err != nil {
		return nil, err
	}
	tp, err := params.Float(scalpingSchema[5])
	if err != nil {
		return nil, err
	}
	return &Scalping{
		momentumPeriod: mom,
		volumePeriod:   vol,
		trendPeriod:    trend,
		minConfidence:  minConf,
		stopLossPct:    sl,
		takeProfitPct:  tp,
	}, nil
}

func (s *Scalping) Name() string { return "scalping" }

func (s *Scalping) MinBars() int {
	n := s.momentumPeriod
	if s.volumePeriod > n {
		n = s.volumePeriod
	}
	if s.trendPeriod > n {
		n = s.trendPeriod
	}
	return n + 2
}

func (s *Scalping) Evaluate(window []domain.Candle) domain.Signal {
	if len(window) < s.MinBars() {
		return domain.FlatSignal(s.Name(), lastTimestamp(window))
	}
	last := window[len(window)-1]

	closes := domain.Closes(window)

	// Factor 1: momentum. Normalize ROC against a 0.5% move.
	roc := ROC(closes, s.momentumPeriod)
	momentum := clampSigned(roc / 0.005)

	// Factor 2: volume surge.
	volumes := make([]float64, len(window))
	for i, c := range window {
		volumes[i] = c.Volume
	}
	avgVol := SMA(volumes[:len(volumes)-1], s.volumePeriod)
	volScore := 0.0
	if avgVol > 0 {
		volScore = clamp01(last.Volume/avgVol - 1)
	}

	// Factor 3: close location in the bar range, a proxy for book pressure.
	rangeScore := 0.0
	if last.High > last.Low {
		rangeScore = 2*(last.Close-last.Low)/(last.High-last.Low) - 1
	}

	// Trend filter: EMA slope must agree with momentum direction.
	ema := EMASeries(closes, s.trendPeriod)
	slope := ema[len(ema)-1] - ema[len(ema)-2]

	score := 0.5*momentum + 0.3*rangeScore + 0.2*volScore*sign(momentum)
	conf := clamp01(absFloat(score))

	var dir domain.Direction
	switch {
	case score > 0 && slope > 0 && conf >= s.minConfidence:
		dir = domain.DirectionLong
	case score < 0 && slope < 0 && conf >= s.minConfidence:
		dir = domain.DirectionShort
	default:
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	sig := domain.Signal{
		Direction:  dir,
		Confidence: conf,
		Timestamp:  last.Timestamp,
		Strategy:   s.Name(),
		Reason: fmt.Sprintf("scalp score %.2f (mom %.2f, range %.2f, vol %.2f)",
			score, momentum, rangeScore, volScore),
	}
	if dir == domain.DirectionLong {
		sig.StopLoss = last.Close * (1 - s.stopLossPct)
		sig.TakeProfit = last.Close * (1 + s.takeProfitPct)
	} else {
		sig.StopLoss = last.Close * (1 + s.stopLossPct)
		sig.TakeProfit = last.Close * (1 - s.takeProfitPct)
	}
	return sig
}

func clampSigned(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
