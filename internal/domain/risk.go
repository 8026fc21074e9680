package domain

import (
	"fmt"
	"time"
)

// RejectReason enumerates why the risk gate refused a candidate trade.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectDrawdownLimit        RejectReason = "drawdown_limit"
	RejectPortfolioVaRExceeded RejectReason = "portfolio_var_exceeded"
	RejectPositionRiskExceeded RejectReason = "position_risk_exceeded"
	RejectCorrelationLimit     RejectReason = "correlation_limit"
	RejectConcentrationLimit   RejectReason = "concentration_limit"
)

// RiskDecision is the outcome of one risk assessment. A rejection is a
// normal decision, not an error.
type RiskDecision struct {
	Approved  bool
	Quantity  float64 // approved (possibly resized) quantity; 0 when rejected
	Reason    RejectReason
	RiskScore float64 // fraction of equity at risk for the sized trade
}

// AlertSeverity grades risk alerts for observability routing.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

// RiskAlert is an advisory record of a limit breach or rejection. Alerts
// never block by themselves; blocking is decided by RiskDecision.
type RiskAlert struct {
	Severity  AlertSeverity
	Code      string
	Symbol    string
	Message   string
	Value     float64
	Limit     float64
	CreatedAt time.Time
}

// RiskProfile selects a predefined limits table.
type RiskProfile string

const (
	ProfileConservative RiskProfile = "conservative"
	ProfileModerate     RiskProfile = "moderate"
	ProfileAggressive   RiskProfile = "aggressive"
	ProfileCustom       RiskProfile = "custom"
)

// RiskLimits are the portfolio-level guardrails. They are set at profile
// selection time and immutable during a session except through explicit
// reconfiguration.
type RiskLimits struct {
	MaxPortfolioRisk      float64 // VaR budget as fraction of equity
	MaxPositionRisk       float64 // per-trade risk fraction used for sizing
	MaxSinglePosition     float64 // hard cap on one position's notional / equity
	MaxCorrelatedExposure float64 // cap on correlation-weighted exposure / equity
	MaxDrawdown           float64 // portfolio halt threshold
	VaRConfidence         float64 // e.g. 0.95
}

// LimitsForProfile returns the documented threshold table for a profile.
// ProfileCustom must supply its own limits and is rejected here.
func LimitsForProfile(p RiskProfile) (RiskLimits, error) {
	switch p {
	case ProfileConservative:
		return RiskLimits{
			MaxPortfolioRisk:      0.05,
			MaxPositionRisk:       0.005,
			MaxSinglePosition:     0.10,
			MaxCorrelatedExposure: 0.20,
			MaxDrawdown:           0.10,
			VaRConfidence:         0.95,
		}, nil
	case ProfileModerate:
		return RiskLimits{
			MaxPortfolioRisk:      0.10,
			MaxPositionRisk:       0.01,
			MaxSinglePosition:     0.20,
			MaxCorrelatedExposure: 0.40,
			MaxDrawdown:           0.20,
			VaRConfidence:         0.95,
		}, nil
	case ProfileAggressive:
		return RiskLimits{
			MaxPortfolioRisk:      0.20,
			MaxPositionRisk:       0.02,
			MaxSinglePosition:     0.35,
			MaxCorrelatedExposure: 0.60,
			MaxDrawdown:           0.30,
			VaRConfidence:         0.95,
		}, nil
	default:
		return RiskLimits{}, fmt.Errorf("risk profile %q: no predefined limits", string(p))
	}
}

// Validate checks that all limit fractions are sane.
func (l RiskLimits) Validate() error {
	check := func(name string, v, lo, hi float64) error {
		if v < lo || v > hi {
			return fmt.Errorf("risk limits: %s %.4f outside [%.2f, %.2f]", name, v, lo, hi)
		}
		return nil
	}
	if err := check("max_portfolio_risk", l.MaxPortfolioRisk, 0.001, 1); err != nil {
		return err
	}
	if err := check("max_position_risk", l.MaxPositionRisk, 0.0001, 0.5); err != nil {
		return err
	}
	if err := check("max_single_position", l.MaxSinglePosition, 0.01, 1); err != nil {
		return err
	}
	if err := check("max_correlated_exposure", l.MaxCorrelatedExposure, 0.01, 1); err != nil {
		return err
	}
	if err := check("max_drawdown", l.MaxDrawdown, 0.01, 1); err != nil {
		return err
	}
	return check("var_confidence", l.VaRConfidence, 0.5, 0.999)
}
