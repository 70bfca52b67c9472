package models

import "time"

// RiskLevel is a monotonic step function of the risk score.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskModerate
	RiskHigh
	RiskCritical
	RiskExtreme
)

func (l RiskLevel) String() string {
	switch l {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskModerate:
		return "moderate"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	case RiskExtreme:
		return "extreme"
	}
	return "unknown"
}

// RecommendedAction tells downstream consumers how urgently to react.
type RecommendedAction int

const (
	ActionNormal RecommendedAction = iota
	ActionMonitor
	ActionAlert
	ActionUrgent
)

func (a RecommendedAction) String() string {
	switch a {
	case ActionNormal:
		return "normal"
	case ActionMonitor:
		return "monitor"
	case ActionAlert:
		return "alert"
	case ActionUrgent:
		return "urgent"
	}
	return "unknown"
}

// RiskFactor is one weighted sub-score of the composite risk score. Score is
// the normalized [0,1] value before weighting.
type RiskFactor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// CascadeRiskAssessment is the risk calculator output for one evaluation
// cycle. Assessments are never mutated; each cycle supersedes the previous
// one.
type CascadeRiskAssessment struct {
	Symbol              string            `json:"symbol"`
	Timestamp           time.Time         `json:"timestamp"`
	RiskScore           float64           `json:"risk_score"` // [0,100]
	RiskLevel           RiskLevel         `json:"risk_level"`
	Confidence          float64           `json:"confidence"` // [0,1]
	ContributingFactors []RiskFactor      `json:"contributing_factors"`
	RecommendedAction   RecommendedAction `json:"recommended_action"`
}
