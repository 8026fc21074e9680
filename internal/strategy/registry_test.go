package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{"dca", "ema_cross", "grid", "macd", "rsi", "scalping", "spread_arb"}, r.List())

	for _, id := range r.List() {
		s, err := r.New(id, Params{})
		require.NoError(t, err, "defaults must construct %s", id)
		assert.Equal(t, id, s.Name())
		assert.Positive(t, s.MinBars())

		schema, err := r.Schema(id)
		require.NoError(t, err)
		assert.NotEmpty(t, schema)
	}
}

func TestEvaluateShortWindowIsFlat(t *testing.T) {
	// The contract promises a flat signal for any window shorter than
	// MinBars, including nil, never a panic.
	r := DefaultRegistry()
	for _, id := range r.List() {
		t.Run(id, func(t *testing.T) {
			s, err := r.New(id, Params{})
			require.NoError(t, err)

			require.NotPanics(t, func() {
				assert.True(t, s.Evaluate(nil).Flat())
			})

			short := make([]float64, s.MinBars()-1)
			for i := range short {
				short[i] = 100
			}
			assert.True(t, s.Evaluate(candleWindow(short)).Flat())
		})
	}
}

func TestRegistryUnknownStrategy(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.New("martingale", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")

	_, err = r.Schema("martingale")
	require.Error(t, err)
}

func TestRegistryInvalidParams(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.New("rsi", Params{"period": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `strategy "rsi"`)
}

func TestRegistryReplacesEntries(t *testing.T) {
	r := NewRegistry()
	r.Register("rsi", rsiSchema, NewRSI)
	r.Register("rsi", rsiSchema, NewRSI)
	assert.Equal(t, []string{"rsi"}, r.List())
}
