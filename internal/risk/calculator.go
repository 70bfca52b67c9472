package risk

import (
	"math"
	"time"

	"cascadeflow/internal/models"
)

// Factor names used in assessments and signal breakdowns.
const (
	FactorVelocity     = "velocity"
	FactorAcceleration = "acceleration"
	FactorJerk         = "jerk"
	FactorVolumeConc   = "volume_concentration"
	FactorCorrelation  = "cross_venue_correlation"
	FactorClustering   = "temporal_clustering"
)

// Weights are fixed and sum to 1.0.
const (
	weightVelocity     = 0.25
	weightAcceleration = 0.20
	weightJerk         = 0.15
	weightVolumeConc   = 0.20
	weightCorrelation  = 0.15
	weightClustering   = 0.05
)

// Tunables normalize raw readings into [0,1] sub-scores. The steady-flow
// calibration (a constant 5 ev/s on one venue staying at none/low) is a
// product decision, not a law; these are config-overridable constants.
type Tunables struct {
	VelocityNorm     float64 // events/sec mapping to sub-score 1.0
	AccelerationNorm float64 // events/sec^2
	JerkNorm         float64 // events/sec^3
	VolumeNormUSD    float64 // 60s notional considered "large"
	ClusterNorm      float64 // burst ratio mapping to 1.0
	BoostThreshold   float64 // both velocity and acceleration above this triggers the boost
	BoostFactor      float64
}

func DefaultTunables() Tunables {
	return Tunables{
		VelocityNorm:     50,
		AccelerationNorm: 25,
		JerkNorm:         50,
		VolumeNormUSD:    5_000_000,
		ClusterNorm:      4,
		BoostThreshold:   0.7,
		BoostFactor:      1.5,
	}
}

// Calculator combines velocity engine output into a composite cascade risk
// assessment. Stateless apart from its tunables; safe to share across shards.
type Calculator struct {
	tun Tunables
}

func NewCalculator(tun Tunables) *Calculator {
	// Defaults apply per field so a config that sets only some tunables does
	// not zero the rest.
	def := DefaultTunables()
	if tun.VelocityNorm <= 0 {
		tun.VelocityNorm = def.VelocityNorm
	}
	if tun.AccelerationNorm <= 0 {
		tun.AccelerationNorm = def.AccelerationNorm
	}
	if tun.JerkNorm <= 0 {
		tun.JerkNorm = def.JerkNorm
	}
	if tun.VolumeNormUSD <= 0 {
		tun.VolumeNormUSD = def.VolumeNormUSD
	}
	if tun.ClusterNorm <= 0 {
		tun.ClusterNorm = def.ClusterNorm
	}
	if tun.BoostThreshold <= 0 {
		tun.BoostThreshold = def.BoostThreshold
	}
	if tun.BoostFactor <= 0 {
		tun.BoostFactor = def.BoostFactor
	}
	return &Calculator{tun: tun}
}

// CalculateRisk produces a fresh assessment. All sub-scores are independently
// clamped to [0,1]; NaN, Inf, nil and negative inputs normalize to zero. The
// result's RiskScore is always within [0,100] and never NaN.
func (c *Calculator) CalculateRisk(v models.MultiTimeframeVelocity, corr models.CorrelationMatrix) models.CascadeRiskAssessment {
	short := v.WindowByDuration(2 * time.Second)
	mid := v.WindowByDuration(10 * time.Second)
	long := v.WindowByDuration(60 * time.Second)

	velScore := 0.0
	if short != nil {
		velScore = clamp01(sanitizeNonNegative(short.Velocity) / c.tun.VelocityNorm)
	}

	// Acceleration and jerk risk by magnitude: a violent deceleration is as
	// notable as acceleration. This is the one place absolute value is
	// correct; everywhere else negatives clamp to zero.
	accScore := 0.0
	if v.Derivatives.Acceleration != nil {
		accScore = clamp01(sanitizeMagnitude(*v.Derivatives.Acceleration) / c.tun.AccelerationNorm)
	}
	jerkScore := 0.0
	if v.Derivatives.Jerk != nil {
		jerkScore = clamp01(sanitizeMagnitude(*v.Derivatives.Jerk) / c.tun.JerkNorm)
	}

	volScore := c.volumeConcentration(mid, long)
	corrScore := c.correlationScore(corr)
	clusterScore := c.clusteringScore(short, long)

	factors := []models.RiskFactor{
		{Name: FactorVelocity, Score: velScore, Weight: weightVelocity},
		{Name: FactorAcceleration, Score: accScore, Weight: weightAcceleration},
		{Name: FactorJerk, Score: jerkScore, Weight: weightJerk},
		{Name: FactorVolumeConc, Score: volScore, Weight: weightVolumeConc},
		{Name: FactorCorrelation, Score: corrScore, Weight: weightCorrelation},
		{Name: FactorClustering, Score: clusterScore, Weight: weightClustering},
	}

	var weighted float64
	for _, f := range factors {
		weighted += f.Score * f.Weight
	}
	score := 100 * weighted

	// Compounding, not additive: simultaneous high velocity and high
	// acceleration is the cascade signature.
	if velScore > c.tun.BoostThreshold && accScore > c.tun.BoostThreshold {
		score *= c.tun.BoostFactor
	}
	if score > 100 {
		score = 100
	}
	if score < 0 || math.IsNaN(score) {
		score = 0
	}

	level := levelFor(score)
	return models.CascadeRiskAssessment{
		Symbol:              v.Symbol,
		Timestamp:           v.SampledAt,
		RiskScore:           score,
		RiskLevel:           level,
		Confidence:          c.confidence(v, corr, long),
		ContributingFactors: factors,
		RecommendedAction:   actionFor(level),
	}
}

// volumeConcentration scores how much of the trailing minute's notional
// landed in the last ten seconds, deweighted when the total notional is too
// small to matter.
func (c *Calculator) volumeConcentration(mid, long *models.VelocityWindowSample) float64 {
	if mid == nil || long == nil {
		return 0
	}
	total := sanitizeNonNegative(long.NotionalUSD)
	recent := sanitizeNonNegative(mid.NotionalUSD)
	if total <= 0 {
		return 0
	}
	share := clamp01(recent / total)
	size := clamp01(total / c.tun.VolumeNormUSD)
	return clamp01(share * size)
}

func (c *Calculator) correlationScore(corr models.CorrelationMatrix) float64 {
	max, ok := corr.MaxOffDiagonal()
	if !ok {
		return 0
	}
	// Negative correlation is not cascade propagation.
	return clamp01(sanitizeNonNegative(max))
}

// clusteringScore measures burstiness: the short-window rate running ahead of
// the minute-long baseline.
func (c *Calculator) clusteringScore(short, long *models.VelocityWindowSample) float64 {
	if short == nil || long == nil {
		return 0
	}
	base := sanitizeNonNegative(long.Velocity)
	cur := sanitizeNonNegative(short.Velocity)
	if base <= 0 || cur <= base {
		return 0
	}
	return clamp01((cur/base - 1) / c.tun.ClusterNorm)
}

// confidence reflects sample sufficiency only. It is reported independently
// from the risk score so callers can tell "low risk" apart from "not enough
// data yet".
func (c *Calculator) confidence(v models.MultiTimeframeVelocity, corr models.CorrelationMatrix, long *models.VelocityWindowSample) float64 {
	events := 0
	venues := 0
	if long != nil {
		events = long.EventCount
		venues = len(long.Venues)
	}
	evScore := clamp01(float64(events) / 50)
	venueScore := clamp01(float64(venues) / 3)
	histScore := 0.0
	if v.Derivatives.Acceleration != nil {
		histScore = 1.0
	}
	corrBonus := 0.0
	if len(corr.Venues) >= 2 {
		corrBonus = 1.0
	}
	return clamp01(0.35*evScore + 0.25*venueScore + 0.25*histScore + 0.15*corrBonus)
}

func levelFor(score float64) models.RiskLevel {
	switch {
	case score >= 80:
		return models.RiskExtreme
	case score >= 65:
		return models.RiskCritical
	case score >= 45:
		return models.RiskHigh
	case score >= 25:
		return models.RiskModerate
	case score >= 10:
		return models.RiskLow
	default:
		return models.RiskNone
	}
}

func actionFor(level models.RiskLevel) models.RecommendedAction {
	switch level {
	case models.RiskExtreme, models.RiskCritical:
		return models.ActionUrgent
	case models.RiskHigh:
		return models.ActionAlert
	case models.RiskModerate:
		return models.ActionMonitor
	default:
		return models.ActionNormal
	}
}

// sanitizeNonNegative maps NaN, Inf and negative readings to zero. Inputs
// that should never be negative are clamped, not folded to magnitude.
func sanitizeNonNegative(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
		return 0
	}
	return x
}

// sanitizeMagnitude keeps the absolute value of finite readings.
func sanitizeMagnitude(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return math.Abs(x)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
