package strategy

import (
	"fmt"

	"github.com/avdeev/tradeforge/internal/domain"
)

var spreadArbSchema = []ParamSpec{
	{Name: "lookback", Type: ParamInt, Min: 10, Max: 1000, Default: 100},
	{Name: "entry_sigma", Type: ParamFloat, Min: 0.5, Max: 10, Default: 2.0},
	{Name: "exit_sigma", Type: ParamFloat, Min: 0, Max: 5, Default: 0.5},
}

// SpreadArb trades the reversion of a cross-venue (or cross-pair) spread.
// The candle window it consumes is a synthetic spread series — each close is
// venueA price minus venueB price, assembled upstream — so the strategy
// itself stays a pure function of one window like every other variant.
//
// It goes long the spread when it stretches entry_sigma standard deviations
// below its trailing mean, short when above, and suggests the mean as the
// take-profit level.
type SpreadArb struct {
	lookback   int
	entrySigma float64
	exitSigma  float64
}

// NewSpreadArb validates params and builds the strategy.
func NewSpreadArb(params Params) (Strategy, error) {
	lookback, err := params.Int(spreadArbSchema[0])
	if err != nil {
		return nil, err
	}
	entry, err := params.Float(spreadArbSchema[1])
	if err != nil {
		return nil, err
	}
	exit, err := params.Float(spreadArbSchema[2])
	if err != nil {
		return nil, err
	}
	if exit >= entry {
		return nil, fmt.Errorf("exit_sigma %.2f must be below entry_sigma %.2f", exit, entry)
	}
	return &SpreadArb{lookback: lookback, entrySigma: entry, exitSigma: exit}, nil
}

func (s *SpreadArb) Name() string { return "spread_arb" }

func (s *SpreadArb) MinBars() int { return s.lookback + 1 }

func (s *SpreadArb) Evaluate(window []domain.Candle) domain.Signal {
	if len(window) < s.MinBars() {
		return domain.FlatSignal(s.Name(), lastTimestamp(window))
	}
	last := window[len(window)-1]

	closes := domain.Closes(window)
	mean := SMA(closes[:len(closes)-1], s.lookback)
	sigma := StdDev(closes[:len(closes)-1], s.lookback)
	if sigma == 0 {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	z := (last.Close - mean) / sigma
	conf := clamp01(absFloat(z) / (2 * s.entrySigma))

	switch {
	case z <= -s.entrySigma:
		return domain.Signal{
			Direction:  domain.DirectionLong,
			Confidence: conf,
			TakeProfit: mean - sigma*s.exitSigma,
			Timestamp:  last.Timestamp,
			Strategy:   s.Name(),
			Reason:     fmt.Sprintf("spread %.4f is %.2f sigma below mean %.4f", last.Close, -z, mean),
		}
	case z >= s.entrySigma:
		return domain.Signal{
			Direction:  domain.DirectionShort,
			Confidence: conf,
			TakeProfit: mean + sigma*s.exitSigma,
			Timestamp:  last.Timestamp,
			Strategy:   s.Name(),
			Reason:     fmt.Sprintf("spread %.4f is %.2f sigma above mean %.4f", last.Close, z, mean),
		}
	}
	return domain.FlatSignal(s.Name(), last.Timestamp)
}
