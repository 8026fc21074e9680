package backtest

import (
	"math"
	"time"

	"github.com/avdeev/tradeforge/internal/domain"
	"github.com/avdeev/tradeforge/internal/risk"
)

// computeMetrics derives the performance statistics of a finished run from
// its equity curve and trade list. barInterval is the candle duration; it
// sets the annualization factor for Sharpe, Sortino, and Calmar.
func computeMetrics(curve []domain.EquityPoint, trades []domain.Trade, initialCapital float64, barInterval time.Duration) domain.BacktestMetrics {
	var m domain.BacktestMetrics
	if len(curve) == 0 || initialCapital <= 0 {
		return m
	}

	final := curve[len(curve)-1].Equity
	m.TotalReturn = final/initialCapital - 1

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if prev := curve[i-1].Equity; prev > 0 {
			returns = append(returns, curve[i].Equity/prev-1)
		}
	}
	for _, pt := range curve {
		if pt.Drawdown > m.MaxDrawdown {
			m.MaxDrawdown = pt.Drawdown
		}
	}

	perYear := periodsPerYear(barInterval)
	mean, std := meanStd(returns)
	if std > 0 {
		m.Sharpe = mean / std * math.Sqrt(perYear)
	}
	if dd := downsideDev(returns); dd > 0 {
		m.Sortino = mean / dd * math.Sqrt(perYear)
	}
	if m.MaxDrawdown > 0 {
		years := float64(len(returns)) / perYear
		if years > 0 {
			annualized := math.Pow(final/initialCapital, 1/years) - 1
			m.Calmar = annualized / m.MaxDrawdown
		}
	}

	var wins int
	var grossWin, grossLoss, totalPnL float64
	for _, t := range trades {
		totalPnL += t.RealizedPnL
		if t.Win() {
			wins++
			grossWin += t.RealizedPnL
		} else {
			grossLoss += -t.RealizedPnL
		}
	}
	if n := len(trades); n > 0 {
		m.WinRate = float64(wins) / float64(n)
		m.Expectancy = totalPnL / float64(n)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	if est, ok := risk.EstimateKelly(trades, 1); ok {
		m.KellyFraction = est.Fraction(1)
	}
	return m
}

func periodsPerYear(barInterval time.Duration) float64 {
	if barInterval <= 0 {
		return 365 * 24
	}
	return float64(365*24*time.Hour) / float64(barInterval)
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// downsideDev is the root-mean-square of negative returns only.
func downsideDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sq float64
	for _, x := range xs {
		if x < 0 {
			sq += x * x
		}
	}
	return math.Sqrt(sq / float64(len(xs)))
}
