package strategy

import (
	"fmt"
	"math"

	"github.com/avdeev/tradeforge/internal/domain"
)

var dcaSchema = []ParamSpec{
	{Name: "deviation_pct", Type: ParamFloat, Min: 0.001, Max: 0.5, Default: 0.02},
	{Name: "max_safety_orders", Type: ParamInt, Min: 0, Max: 10, Default: 3},
	{Name: "step_multiplier", Type: ParamFloat, Min: 1, Max: 3, Default: 1.5},
	{Name: "reference_period", Type: ParamInt, Min: 5, Max: 500, Default: 50},
	{Name: "take_profit_pct", Type: ParamFloat, Min: 0.001, Max: 1, Default: 0.03},
}

// DCAStrategy implements a dollar-cost-averaging entry ladder: a base order
// fires at the first configured deviation below the trailing reference high,
// and each safety order fires at a geometrically widening deviation below
// that. Averaging the entry price down is the portfolio manager's job
// (weighted-average cost on every add); this strategy only decides when the
// next rung is reached.
type DCAStrategy struct {
	deviationPct    float64
	maxSafetyOrders int
	stepMultiplier  float64
	referencePeriod int
	takeProfitPct   float64
}

// NewDCA validates params and builds the strategy.
func NewDCA(params Params) (Strategy, error) {
	dev, err := params.Float(dcaSchema[0])
	if err != nil {
		return nil, err
	}
	maxSafety, err := params.Int(dcaSchema[1])
	if err != nil {
		return nil, err
	}
	step, err := params.Float(dcaSchema[2])
	if err != nil {
		return nil, err
	}
	refPeriod, err := params.Int(dcaSchema[3])
	if err != nil {
		return nil, err
	}
	tp, err := params.Float(dcaSchema[4])
	if err != nil {
		return nil, err
	}
	return &DCAStrategy{
		deviationPct:    dev,
		maxSafetyOrders: maxSafety,
		stepMultiplier:  step,
		referencePeriod: refPeriod,
		takeProfitPct:   tp,
	}, nil
}

func (s *DCAStrategy) Name() string { return "dca" }

func (s *DCAStrategy) MinBars() int { return s.referencePeriod + 2 }

// rungDeviation returns the cumulative deviation that triggers rung n
// (0 = base order).
func (s *DCAStrategy) rungDeviation(n int) float64 {
	dev := 0.0
	step := s.deviationPct
	for i := 0; i <= n; i++ {
		dev += step
		step *= s.stepMultiplier
	}
	return dev
}

func (s *DCAStrategy) Evaluate(window []domain.Candle) domain.Signal {
	if len(window) < s.MinBars() {
		return domain.FlatSignal(s.Name(), lastTimestamp(window))
	}
	last := window[len(window)-1]

	// Reference high over the trailing period, excluding the current bar so
	// the rung comparison is stable within a bar.
	ref := 0.0
	for _, c := range window[len(window)-1-s.referencePeriod : len(window)-1] {
		ref = math.Max(ref, c.High)
	}
	if ref <= 0 {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	drop := 1 - last.Close/ref
	prevDrop := 1 - window[len(window)-2].Close/ref

	// Find the deepest rung the current bar has reached.
	rung := -1
	for n := 0; n <= s.maxSafetyOrders; n++ {
		if drop >= s.rungDeviation(n) {
			rung = n
		}
	}
	if rung < 0 {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}
	// Only fire when this bar newly crossed the rung.
	if prevDrop >= s.rungDeviation(rung) {
		return domain.FlatSignal(s.Name(), last.Timestamp)
	}

	conf := clamp01(0.5 + 0.5*float64(rung)/float64(s.maxSafetyOrders+1))
	return domain.Signal{
		Direction:  domain.DirectionLong,
		Confidence: conf,
		TakeProfit: last.Close * (1 + s.takeProfitPct),
		Timestamp:  last.Timestamp,
		Strategy:   s.Name(),
		Reason:     fmt.Sprintf("dca rung %d: %.2f%% below reference high %.4f", rung, drop*100, ref),
	}
}
