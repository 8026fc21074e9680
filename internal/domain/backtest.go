package domain

import "time"

// EquityPoint is one sample of the backtest equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
	Drawdown  float64
}

// BacktestMetrics are the derived performance statistics of one run.
type BacktestMetrics struct {
	TotalReturn   float64
	Sharpe        float64
	Sortino       float64
	Calmar        float64
	MaxDrawdown   float64
	ProfitFactor  float64
	WinRate       float64
	Expectancy    float64
	KellyFraction float64
}

// BacktestResult is produced once per simulation run and is immutable.
// Given identical inputs the simulator must reproduce it bit for bit.
type BacktestResult struct {
	ID             string
	Strategy       string
	Symbol         string
	Timeframe      Timeframe
	Start          time.Time
	End            time.Time
	InitialCapital float64
	FinalCapital   float64
	Trades         []Trade
	EquityCurve    []EquityPoint
	Metrics        BacktestMetrics
	CreatedAt      time.Time
}
