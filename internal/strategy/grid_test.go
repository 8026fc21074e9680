package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeev/tradeforge/internal/domain"
)

func TestGridBuyLevelCross(t *testing.T) {
	s, err := NewGrid(Params{
		"levels":        3,
		"anchor_period": 5,
		"vol_period":    5,
		"spacing_sigma": 1.0,
	})
	require.NoError(t, err)

	// Last five closes: 100,100,100,100,98 -> anchor 99.6, spacing 0.8.
	// Previous close 100 sits at level 0; the 98 close reaches level -2.
	closes := []float64{100, 100, 100, 100, 100, 100, 98}
	window := candleWindow(closes)
	require.GreaterOrEqual(t, len(window), s.MinBars())

	sig := s.Evaluate(window)
	require.Equal(t, domain.DirectionLong, sig.Direction)
	assert.InDelta(t, 99.6, sig.TakeProfit, 1e-9, "take profit returns to the anchor")
	assert.InDelta(t, 99.6-0.8*4, sig.StopLoss, 1e-9, "stop sits one step beyond the grid")
	assert.InDelta(t, 0.4+0.6*2.0/3.0, sig.Confidence, 1e-9)
}

func TestGridSellLevelCross(t *testing.T) {
	s, err := NewGrid(Params{
		"levels":        3,
		"anchor_period": 5,
		"vol_period":    5,
		"spacing_sigma": 1.0,
	})
	require.NoError(t, err)

	closes := []float64{100, 100, 100, 100, 100, 100, 102}
	sig := s.Evaluate(candleWindow(closes))
	require.Equal(t, domain.DirectionShort, sig.Direction)
}

func TestGridFlatCases(t *testing.T) {
	s, err := NewGrid(Params{"levels": 3, "anchor_period": 5, "vol_period": 5})
	require.NoError(t, err)

	t.Run("no volatility", func(t *testing.T) {
		sig := s.Evaluate(candleWindow([]float64{100, 100, 100, 100, 100, 100, 100}))
		assert.True(t, sig.Flat(), "zero spacing disables the grid")
	})

	t.Run("short window", func(t *testing.T) {
		sig := s.Evaluate(candleWindow([]float64{100, 99, 98}))
		assert.True(t, sig.Flat())
	})
}
