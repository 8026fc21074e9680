package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateKelly(t *testing.T) {
	t.Run("sample too small", func(t *testing.T) {
		_, ok := EstimateKelly(makeTrades(10, 6, 100, 50), 20)
		assert.False(t, ok)
	})

	t.Run("degenerate all wins", func(t *testing.T) {
		_, ok := EstimateKelly(makeTrades(25, 25, 100, 50), 20)
		assert.False(t, ok, "no losses means no payoff ratio")
	})

	t.Run("degenerate all losses", func(t *testing.T) {
		_, ok := EstimateKelly(makeTrades(25, 0, 100, 50), 20)
		assert.False(t, ok)
	})

	t.Run("healthy sample", func(t *testing.T) {
		est, ok := EstimateKelly(makeTrades(30, 18, 200, 100), 20)
		require.True(t, ok)
		assert.InDelta(t, 0.6, est.WinProbability, 1e-9)
		assert.InDelta(t, 2.0, est.PayoffRatio, 1e-9)
		assert.Equal(t, 30, est.SampleSize)
	})
}

func TestKellyFraction(t *testing.T) {
	t.Run("positive edge", func(t *testing.T) {
		est := KellyEstimate{WinProbability: 0.6, PayoffRatio: 2}
		assert.InDelta(t, 0.4, est.Fraction(1), 1e-9)
	})

	t.Run("clamped at cap", func(t *testing.T) {
		est := KellyEstimate{WinProbability: 0.6, PayoffRatio: 2}
		assert.InDelta(t, 0.25, est.Fraction(0.25), 1e-9)
	})

	t.Run("negative edge floors at zero", func(t *testing.T) {
		est := KellyEstimate{WinProbability: 0.4, PayoffRatio: 1}
		assert.Equal(t, 0.0, est.Fraction(0.25))
	})

	t.Run("no payoff ratio", func(t *testing.T) {
		est := KellyEstimate{WinProbability: 0.9}
		assert.Equal(t, 0.0, est.Fraction(0.25))
	})
}
