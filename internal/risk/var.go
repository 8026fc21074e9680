package risk

import (
	"math"
	"sort"
)

// minVaRObservations is the minimum trailing-return sample required before
// historical-simulation VaR produces a non-zero estimate. Below this the
// estimate is treated as zero, which understates risk for young portfolios;
// the behavior is deliberate and documented rather than patched over.
const minVaRObservations = 30

// HistoricalVaR estimates Value-at-Risk by historical simulation: the loss
// at the (1-confidence) quantile of the trailing return distribution,
// expressed as a positive fraction of equity. Returns 0 when fewer than
// minVaRObservations returns are available.
func HistoricalVaR(returns []float64, confidence float64) float64 {
	if len(returns) < minVaRObservations {
		return 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor(float64(len(sorted)) * (1 - confidence)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	loss := -sorted[idx]
	if loss < 0 {
		return 0
	}
	return loss
}
