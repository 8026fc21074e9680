package risk

import "github.com/avdeev/tradeforge/internal/domain"

// KellyEstimate is the win-probability / payoff-ratio summary of a trade
// history used for Kelly sizing.
type KellyEstimate struct {
	WinProbability float64
	PayoffRatio    float64 // average win / average loss
	SampleSize     int
}

// EstimateKelly derives win probability and payoff ratio from closed trades.
// ok is false when the sample is too small or degenerate for an estimate.
func EstimateKelly(trades []domain.Trade, minSample int) (KellyEstimate, bool) {
	if len(trades) < minSample {
		return KellyEstimate{SampleSize: len(trades)}, false
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, t := range trades {
		if t.RealizedPnL > 0 {
			wins++
			winSum += t.RealizedPnL
		} else if t.RealizedPnL < 0 {
			losses++
			lossSum += -t.RealizedPnL
		}
	}
	if wins == 0 || losses == 0 || lossSum == 0 {
		return KellyEstimate{SampleSize: len(trades)}, false
	}

	est := KellyEstimate{
		WinProbability: float64(wins) / float64(wins+losses),
		PayoffRatio:    (winSum / float64(wins)) / (lossSum / float64(losses)),
		SampleSize:     len(trades),
	}
	return est, true
}

// Fraction returns the Kelly fraction f = p - (1-p)/b clamped to [0, cap].
func (e KellyEstimate) Fraction(cap float64) float64 {
	if e.PayoffRatio <= 0 {
		return 0
	}
	f := e.WinProbability - (1-e.WinProbability)/e.PayoffRatio
	if f < 0 {
		return 0
	}
	if f > cap {
		return cap
	}
	return f
}
