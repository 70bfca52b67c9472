package models

import "time"

// SignalLevel is the published five-level cascade signal. Levels are ordered;
// adjacent-level oscillation across cycles is expected, smoothing is a caller
// concern.
type SignalLevel int

const (
	SignalNone SignalLevel = iota
	SignalWatch
	SignalAlert
	SignalCritical
	SignalExtreme
)

func (s SignalLevel) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalWatch:
		return "watch"
	case SignalAlert:
		return "alert"
	case SignalCritical:
		return "critical"
	case SignalExtreme:
		return "extreme"
	}
	return "unknown"
}

// CascadeSignal is the orchestrator output published once per evaluation
// cycle. FactorScores keeps the per-factor breakdown so subscribers can render
// an explanation, not just a number.
type CascadeSignal struct {
	Symbol         string             `json:"symbol"`
	Timestamp      time.Time          `json:"timestamp"`
	Level          SignalLevel        `json:"signal_level"`
	Probability    float64            `json:"probability"` // [0,1]
	FactorScores   map[string]float64 `json:"factor_scores"`
	RiskScore      float64            `json:"risk_score"`
	Confidence     float64            `json:"confidence"`
	Regime         MarketRegime       `json:"market_regime"`
	Multiplier     float64            `json:"threshold_multiplier"`
	Overridden     bool               `json:"overridden"` // absolute-extreme escalation fired
	ProcessingTime time.Duration      `json:"processing_time"`
}
