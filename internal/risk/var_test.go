package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoricalVaR(t *testing.T) {
	t.Run("insufficient observations", func(t *testing.T) {
		returns := make([]float64, minVaRObservations-1)
		for i := range returns {
			returns[i] = -0.5
		}
		assert.Equal(t, 0.0, HistoricalVaR(returns, 0.95),
			"young portfolios report zero VaR rather than guessing")
	})

	t.Run("tail quantile", func(t *testing.T) {
		// 100 observations: 6 at -10%, the rest slightly positive. The 95%
		// VaR quantile index (floor of 5) lands inside the loss tail.
		returns := make([]float64, 100)
		for i := range returns {
			returns[i] = 0.002
		}
		for i := 0; i < 6; i++ {
			returns[i] = -0.10
		}
		assert.InDelta(t, 0.10, HistoricalVaR(returns, 0.95), 1e-9)
	})

	t.Run("all positive returns", func(t *testing.T) {
		returns := make([]float64, 50)
		for i := range returns {
			returns[i] = 0.01
		}
		assert.Equal(t, 0.0, HistoricalVaR(returns, 0.95),
			"a gain at the quantile is not a loss")
	})

	t.Run("input not mutated", func(t *testing.T) {
		returns := []float64{0.05, -0.02, 0.01}
		padded := append(make([]float64, 0, 40), returns...)
		for len(padded) < 40 {
			padded = append(padded, 0)
		}
		HistoricalVaR(padded, 0.95)
		assert.Equal(t, 0.05, padded[0], "sorting happens on a copy")
	})
}
