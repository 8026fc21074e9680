package strategy

import "math"

// Technical indicator primitives shared by the built-in strategies. All
// functions operate on plain float64 series, oldest value first, and return
// series aligned to the input (leading values that lack enough history hold
// the earliest computable value).

// SMA returns the simple moving average of the last period values.
// It returns 0 when the series is shorter than period.
func SMA(series []float64, period int) float64 {
	if period <= 0 || len(series) < period {
		return 0
	}
	var sum float64
	for _, v := range series[len(series)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMASeries computes the exponential moving average series with the standard
// 2/(period+1) smoothing, seeded with the SMA of the first period values.
func EMASeries(series []float64, period int) []float64 {
	if period <= 0 || len(series) < period {
		return nil
	}
	out := make([]float64, len(series))
	var seed float64
	for _, v := range series[:period] {
		seed += v
	}
	seed /= float64(period)
	k := 2.0 / float64(period+1)
	for i := range series {
		if i < period {
			out[i] = seed
			continue
		}
		out[i] = series[i]*k + out[i-1]*(1-k)
	}
	return out
}

// EMA returns the latest exponential moving average value.
func EMA(series []float64, period int) float64 {
	s := EMASeries(series, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// RSISeries computes Wilder's relative strength index. The returned series
// is aligned to the input; the first period entries are 50 (neutral).
func RSISeries(series []float64, period int) []float64 {
	if period <= 0 || len(series) < period+1 {
		return nil
	}
	out := make([]float64, len(series))
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := series[i] - series[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := range out {
		if i <= period {
			out[i] = 50
			continue
		}
		d := series[i] - series[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// RSI returns the latest Wilder RSI value, or 50 with insufficient history.
func RSI(series []float64, period int) float64 {
	s := RSISeries(series, period)
	if len(s) == 0 {
		return 50
	}
	return s[len(s)-1]
}

// MACDSeries returns the MACD line and its signal line.
func MACDSeries(series []float64, fast, slow, signal int) (macd, sig []float64) {
	if len(series) < slow+signal {
		return nil, nil
	}
	fastEMA := EMASeries(series, fast)
	slowEMA := EMASeries(series, slow)
	macd = make([]float64, len(series))
	for i := range series {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	sig = EMASeries(macd, signal)
	return macd, sig
}

// StdDev returns the population standard deviation of the last period values.
func StdDev(series []float64, period int) float64 {
	if period <= 1 || len(series) < period {
		return 0
	}
	window := series[len(series)-period:]
	mean := SMA(window, period)
	var variance float64
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(period)
	return math.Sqrt(variance)
}

// Returns computes simple per-step returns of a series.
func Returns(series []float64) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if series[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, series[i]/series[i-1]-1)
	}
	return out
}

// Volatility returns the standard deviation of per-step returns over the
// trailing period observations.
func Volatility(series []float64, period int) float64 {
	rets := Returns(series)
	if len(rets) < period {
		return 0
	}
	return StdDev(rets, period)
}

// ROC returns the rate of change over the trailing period: p_t / p_{t-n} - 1.
func ROC(series []float64, period int) float64 {
	if period <= 0 || len(series) <= period {
		return 0
	}
	base := series[len(series)-1-period]
	if base == 0 {
		return 0
	}
	return series[len(series)-1]/base - 1
}
