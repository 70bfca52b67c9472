package models

import "time"

// SideAggregate splits an aggregate between liquidated longs and shorts.
// LongCount+ShortCount and LongUSD+ShortUSD always equal the enclosing totals.
type SideAggregate struct {
	LongCount  int     `json:"long_count"`
	ShortCount int     `json:"short_count"`
	LongUSD    float64 `json:"long_usd"`
	ShortUSD   float64 `json:"short_usd"`
	LongQty    float64 `json:"long_qty"`
	ShortQty   float64 `json:"short_qty"`
}

// VenueAggregate is the per-venue slice of a window sample. The sum of all
// venue aggregates reproduces the window totals exactly; both are accumulated
// in the same pass over the buffer.
type VenueAggregate struct {
	Venue       string        `json:"venue"`
	EventCount  int           `json:"event_count"`
	NotionalUSD float64       `json:"notional_usd"`
	Quantity    float64       `json:"quantity"`
	Sides       SideAggregate `json:"sides"`
}

// VelocityWindowSample holds event-rate and volume-rate figures for one
// rolling window of one symbol.
type VelocityWindowSample struct {
	Window         time.Duration    `json:"window"`
	EventCount     int              `json:"event_count"`
	NotionalUSD    float64          `json:"notional_usd"`
	Quantity       float64          `json:"quantity"`
	Velocity       float64          `json:"velocity"`        // events per second
	VolumeVelocity float64          `json:"volume_velocity"` // USD per second
	Sides          SideAggregate    `json:"sides"`
	Venues         []VenueAggregate `json:"venues"`
}

// Derivatives carries the discrete first and second derivatives of velocity.
// Nil pointers mean insufficient samples, which is distinct from a measured
// zero: zero would falsely read as steady state.
type Derivatives struct {
	Acceleration *float64 `json:"acceleration"`
	Jerk         *float64 `json:"jerk"`
}

// MultiTimeframeVelocity is the full velocity engine output for one symbol at
// one sampling instant.
type MultiTimeframeVelocity struct {
	Symbol      string                 `json:"symbol"`
	SampledAt   time.Time              `json:"sampled_at"`
	Windows     []VelocityWindowSample `json:"windows"`
	Derivatives Derivatives            `json:"derivatives"`
}

// WindowByDuration returns the sample for the given window, or nil when the
// engine was not configured with it.
func (v *MultiTimeframeVelocity) WindowByDuration(d time.Duration) *VelocityWindowSample {
	for i := range v.Windows {
		if v.Windows[i].Window == d {
			return &v.Windows[i]
		}
	}
	return nil
}

// CorrelationMatrix holds pairwise Pearson correlation of per-venue event
// rates for one symbol. Venues with too few populated one-second buckets are
// excluded entirely rather than reported as a spurious zero.
type CorrelationMatrix struct {
	Symbol string      `json:"symbol"`
	Venues []string    `json:"venues"`
	Rho    [][]float64 `json:"rho"`
}

// Pair returns the correlation between two venues and whether both are
// present in the matrix.
func (m *CorrelationMatrix) Pair(a, b string) (float64, bool) {
	ai, bi := -1, -1
	for i, v := range m.Venues {
		if v == a {
			ai = i
		}
		if v == b {
			bi = i
		}
	}
	if ai < 0 || bi < 0 {
		return 0, false
	}
	return m.Rho[ai][bi], true
}

// MaxOffDiagonal returns the strongest cross-venue correlation, or false when
// fewer than two venues qualified.
func (m *CorrelationMatrix) MaxOffDiagonal() (float64, bool) {
	if len(m.Venues) < 2 {
		return 0, false
	}
	max := -1.0
	for i := range m.Rho {
		for j := range m.Rho[i] {
			if i != j && m.Rho[i][j] > max {
				max = m.Rho[i][j]
			}
		}
	}
	return max, true
}
