// Package strategy defines the trading-strategy contract and the built-in
// strategy implementations. Strategies are pure functions of their price
// window: identical inputs must yield identical signals, which is what keeps
// live execution and backtest replay consistent.
package strategy

import (
	"fmt"
	"time"

	"github.com/avdeev/tradeforge/internal/domain"
)

// Strategy evaluates a price window and produces a signal.
//
// Evaluate must be pure: no hidden state, no wall clock, no randomness.
// Implementations declare their minimum lookback via MinBars and must return
// a flat signal when the window is shorter.
type Strategy interface {
	Name() string
	MinBars() int
	Evaluate(window []domain.Candle) domain.Signal
}

// lastTimestamp returns the final bar's timestamp, or the zero time for an
// empty window, so short-window flat signals never index into the slice.
func lastTimestamp(window []domain.Candle) time.Time {
	if len(window) == 0 {
		return time.Time{}
	}
	return window[len(window)-1].Timestamp
}

// ParamType is the declared type of a strategy parameter.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
)

// ParamSpec declares one strategy parameter: its type, bounds, and default.
// The schema drives both construction-time validation and external
// documentation of the strategy.
type ParamSpec struct {
	Name    string
	Type    ParamType
	Min     float64 // numeric params only
	Max     float64
	Default any
}

// Params is a raw parameter map as supplied by bot configuration.
type Params map[string]any

// Float resolves a float parameter against its spec. Missing values take the
// default; out-of-bounds values are an error, never clamped.
func (p Params) Float(spec ParamSpec) (float64, error) {
	raw, ok := p[spec.Name]
	if !ok {
		d, _ := spec.Default.(float64)
		return d, nil
	}
	var v float64
	switch t := raw.(type) {
	case float64:
		v = t
	case int:
		v = float64(t)
	case int64:
		v = float64(t)
	default:
		return 0, fmt.Errorf("param %q: expected number, got %T", spec.Name, raw)
	}
	if v < spec.Min || v > spec.Max {
		return 0, fmt.Errorf("param %q: %v outside [%v, %v]", spec.Name, v, spec.Min, spec.Max)
	}
	return v, nil
}

// Int resolves an integer parameter against its spec.
func (p Params) Int(spec ParamSpec) (int, error) {
	raw, ok := p[spec.Name]
	if !ok {
		d, _ := spec.Default.(int)
		return d, nil
	}
	var v int
	switch t := raw.(type) {
	case int:
		v = t
	case int64:
		v = int(t)
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("param %q: expected integer, got %v", spec.Name, t)
		}
		v = int(t)
	default:
		return 0, fmt.Errorf("param %q: expected integer, got %T", spec.Name, raw)
	}
	if float64(v) < spec.Min || float64(v) > spec.Max {
		return 0, fmt.Errorf("param %q: %d outside [%v, %v]", spec.Name, v, spec.Min, spec.Max)
	}
	return v, nil
}
