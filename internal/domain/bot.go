package domain

import (
	"fmt"
	"time"
)

// BotState is the lifecycle state of a bot's evaluation loop.
type BotState string

const (
	BotCreated  BotState = "created"
	BotRunning  BotState = "running"
	BotStopping BotState = "stopping"
	BotStopped  BotState = "stopped"
)

// BotConfig is the persisted configuration of one trading bot. It is created
// on bot start and mutated only by an explicit update call.
//
// Params is the raw strategy parameter map; the strategy factory validates it
// against the strategy's declared schema at construction time and fails fast
// on out-of-bounds values.
type BotConfig struct {
	ID               string
	OwnerID          string
	Symbol           string
	Timeframe        Timeframe
	Strategy         string
	Params           map[string]any
	PositionFraction float64 // fraction of equity per entry, informational cap
	StopLossPct      float64 // 0 disables; absence is an explicit, logged choice
	TakeProfitPct    float64 // 0 disables
	TrailingStopPct  float64 // 0 disables
	MaxPositions     int
	EvalInterval     time.Duration // 0 means the supervisor default (1m)
	Active           bool
	CreatedAt        time.Time
}

// Validate checks the non-strategy fields. Strategy params are validated by
// the strategy factory.
func (c BotConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("bot config: symbol is required")
	}
	if c.Strategy == "" {
		return fmt.Errorf("bot config: strategy is required")
	}
	if _, err := c.Timeframe.Duration(); err != nil {
		return fmt.Errorf("bot config: %w", err)
	}
	if c.PositionFraction <= 0 || c.PositionFraction > 1 {
		return fmt.Errorf("bot config: position_fraction %.4f outside (0, 1]", c.PositionFraction)
	}
	if c.StopLossPct < 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("bot config: stop_loss_pct %.4f outside [0, 1)", c.StopLossPct)
	}
	if c.TakeProfitPct < 0 {
		return fmt.Errorf("bot config: take_profit_pct must not be negative")
	}
	if c.TrailingStopPct < 0 || c.TrailingStopPct >= 1 {
		return fmt.Errorf("bot config: trailing_stop_pct %.4f outside [0, 1)", c.TrailingStopPct)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("bot config: max_positions must be positive")
	}
	return nil
}

// BotPerformance tracks per-bot counters since start.
type BotPerformance struct {
	Evaluations int64
	Signals     int64
	Orders      int64
	Rejections  int64
	Wins        int64
	Losses      int64
	RealizedPnL float64
}

// BotStatus is the control-surface view of one bot.
type BotStatus struct {
	ID          string
	OwnerID     string
	Symbol      string
	Strategy    string
	Timeframe   Timeframe
	State       BotState
	StartedAt   time.Time
	LastTick    time.Time
	Performance BotPerformance
}
