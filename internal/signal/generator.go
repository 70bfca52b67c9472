package signal

import (
	"math"
	"sync"
	"time"

	"cascadeflow/internal/models"
	"cascadeflow/internal/regime"
	"cascadeflow/internal/risk"
	"cascadeflow/internal/velocity"
	"cascadeflow/logger"
)

// Thresholds controls how the composite risk score is mapped to the published
// signal level.
type Thresholds struct {
	// Probability cutoffs for Watch, Alert, Critical and Extreme. Must be
	// strictly increasing.
	WatchProb    float64
	AlertProb    float64
	CriticalProb float64
	ExtremeProb  float64

	// Absolute-extreme override. When 2s velocity and the acceleration
	// magnitude both exceed these floors the signal escalates to at least
	// Critical no matter how much the regime multiplier dampened it.
	OverrideVelocity     float64 // events/sec
	OverrideAcceleration float64 // events/sec^2

	// LatencyBudget is the evaluation deadline. Overruns are logged, never
	// enforced: a late signal still beats no signal.
	LatencyBudget time.Duration

	// HistoryDepth bounds the per-symbol signal ring kept for the API.
	HistoryDepth int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WatchProb:            0.10,
		AlertProb:            0.30,
		CriticalProb:         0.55,
		ExtremeProb:          0.80,
		OverrideVelocity:     80,
		OverrideAcceleration: 40,
		LatencyBudget:        10 * time.Millisecond,
		HistoryDepth:         256,
	}
}

func (t *Thresholds) applyDefaults() {
	def := DefaultThresholds()
	if t.WatchProb <= 0 {
		t.WatchProb = def.WatchProb
	}
	if t.AlertProb <= 0 {
		t.AlertProb = def.AlertProb
	}
	if t.CriticalProb <= 0 {
		t.CriticalProb = def.CriticalProb
	}
	if t.ExtremeProb <= 0 {
		t.ExtremeProb = def.ExtremeProb
	}
	if t.OverrideVelocity <= 0 {
		t.OverrideVelocity = def.OverrideVelocity
	}
	if t.OverrideAcceleration <= 0 {
		t.OverrideAcceleration = def.OverrideAcceleration
	}
	if t.LatencyBudget <= 0 {
		t.LatencyBudget = def.LatencyBudget
	}
	if t.HistoryDepth <= 0 {
		t.HistoryDepth = def.HistoryDepth
	}
}

// Generator runs one evaluation cycle for one symbol: sample velocity, score
// risk, scale by the regime multiplier and publish the resulting signal. A
// generator is owned by exactly one engine worker and is not safe for
// concurrent GenerateSignal calls; the history ring has its own lock so the
// API can read it from other goroutines.
type Generator struct {
	symbol string
	vel    *velocity.Engine
	calc   *risk.Calculator
	det    *regime.Detector
	bus    *Bus
	thr    Thresholds
	log    *logger.Entry

	histMu  sync.RWMutex
	history []models.CascadeSignal
	histIdx int
	lastVel *models.MultiTimeframeVelocity

	now func() time.Time
}

func NewGenerator(symbol string, vel *velocity.Engine, calc *risk.Calculator, det *regime.Detector, bus *Bus, thr Thresholds) *Generator {
	thr.applyDefaults()
	return &Generator{
		symbol:  symbol,
		vel:     vel,
		calc:    calc,
		det:     det,
		bus:     bus,
		thr:     thr,
		log:     logger.GetLogger().WithComponent("signal"),
		history: make([]models.CascadeSignal, 0, thr.HistoryDepth),
	}
}

func (g *Generator) timeNow() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}

// SetClock overrides the wall clock, for tests.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// GenerateSignal runs a full evaluation cycle and publishes the result.
func (g *Generator) GenerateSignal() models.CascadeSignal {
	start := g.timeNow()

	v := g.vel.Sample()
	corr := g.vel.Correlation()

	// Cache the sample for API reads. Anything outside the owning worker must
	// see this copy, never call Sample itself: the engine's scratch state is
	// single-writer and an off-cadence sample would corrupt the derivative
	// history.
	g.histMu.Lock()
	vCopy := v
	g.lastVel = &vCopy
	g.histMu.Unlock()

	assessment := g.calc.CalculateRisk(v, corr)
	multiplier := g.det.Multiplier()

	probability := clamp01((assessment.RiskScore / 100) / multiplier)
	level := g.levelFor(probability)

	overridden := false
	if lvl, fired := g.absoluteOverride(&v); fired && lvl > level {
		level = lvl
		overridden = true
	}

	factors := make(map[string]float64, len(assessment.ContributingFactors))
	for _, f := range assessment.ContributingFactors {
		factors[f.Name] = f.Score
	}

	mkt := models.RegimeNormal
	if last := g.det.Last(); last != nil {
		mkt = last.Market
	}

	elapsed := g.timeNow().Sub(start)
	sig := models.CascadeSignal{
		Symbol:         g.symbol,
		Timestamp:      start,
		Level:          level,
		Probability:    probability,
		FactorScores:   factors,
		RiskScore:      assessment.RiskScore,
		Confidence:     assessment.Confidence,
		Regime:         mkt,
		Multiplier:     multiplier,
		Overridden:     overridden,
		ProcessingTime: elapsed,
	}

	if elapsed > g.thr.LatencyBudget {
		g.log.WithFields(logger.Fields{
			"symbol":  g.symbol,
			"elapsed": elapsed.String(),
			"budget":  g.thr.LatencyBudget.String(),
		}).Warn("evaluation cycle over latency budget")
	}

	g.record(sig)
	if g.bus != nil {
		g.bus.Publish(sig)
	}
	logger.IncrementSignalPublished(1)
	return sig
}

func (g *Generator) levelFor(probability float64) models.SignalLevel {
	switch {
	case probability >= g.thr.ExtremeProb:
		return models.SignalExtreme
	case probability >= g.thr.CriticalProb:
		return models.SignalCritical
	case probability >= g.thr.AlertProb:
		return models.SignalAlert
	case probability >= g.thr.WatchProb:
		return models.SignalWatch
	}
	return models.SignalNone
}

// absoluteOverride escalates regardless of regime scaling when the raw flow is
// unambiguously cascading. A violent regime raises the probability bar, but an
// 80 ev/s accelerating burst is a cascade in any regime.
func (g *Generator) absoluteOverride(v *models.MultiTimeframeVelocity) (models.SignalLevel, bool) {
	short := v.WindowByDuration(2 * time.Second)
	if short == nil || v.Derivatives.Acceleration == nil {
		return models.SignalNone, false
	}
	accel := math.Abs(*v.Derivatives.Acceleration)
	if short.Velocity < g.thr.OverrideVelocity || accel < g.thr.OverrideAcceleration {
		return models.SignalNone, false
	}
	if short.Velocity >= 1.5*g.thr.OverrideVelocity && accel >= 1.5*g.thr.OverrideAcceleration {
		return models.SignalExtreme, true
	}
	return models.SignalCritical, true
}

func (g *Generator) record(sig models.CascadeSignal) {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	if len(g.history) < g.thr.HistoryDepth {
		g.history = append(g.history, sig)
		return
	}
	g.history[g.histIdx] = sig
	g.histIdx = (g.histIdx + 1) % g.thr.HistoryDepth
}

// History returns up to n most recent signals, newest first.
func (g *Generator) History(n int) []models.CascadeSignal {
	g.histMu.RLock()
	defer g.histMu.RUnlock()

	total := len(g.history)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.CascadeSignal, 0, n)
	for i := 0; i < n; i++ {
		idx := g.histIdx - 1 - i
		if len(g.history) < g.thr.HistoryDepth {
			idx = total - 1 - i
		} else if idx < 0 {
			idx += g.thr.HistoryDepth
		}
		out = append(out, g.history[idx])
	}
	return out
}

// Velocity returns the velocity view from the most recent evaluation cycle,
// or nil before the first. Safe from any goroutine.
func (g *Generator) Velocity() *models.MultiTimeframeVelocity {
	g.histMu.RLock()
	defer g.histMu.RUnlock()
	return g.lastVel
}

// Latest returns the most recent signal, or nil before the first cycle.
func (g *Generator) Latest() *models.CascadeSignal {
	h := g.History(1)
	if len(h) == 0 {
		return nil
	}
	return &h[0]
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
