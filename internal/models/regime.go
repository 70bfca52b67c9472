package models

import "time"

// VolatilityRegime is a six-bucket classification of trailing realized
// volatility against fixed bands.
type VolatilityRegime int

const (
	VolDormant VolatilityRegime = iota
	VolLow
	VolNormal
	VolElevated
	VolHigh
	VolExtreme
)

func (v VolatilityRegime) String() string {
	switch v {
	case VolDormant:
		return "dormant"
	case VolLow:
		return "low"
	case VolNormal:
		return "normal"
	case VolElevated:
		return "elevated"
	case VolHigh:
		return "high"
	case VolExtreme:
		return "extreme"
	}
	return "unknown"
}

// LiquidityRegime classifies trailing volume and spread.
type LiquidityRegime int

const (
	LiqDeep LiquidityRegime = iota
	LiqNormal
	LiqShallow
	LiqIlliquid
)

func (l LiquidityRegime) String() string {
	switch l {
	case LiqDeep:
		return "deep"
	case LiqNormal:
		return "normal"
	case LiqShallow:
		return "shallow"
	case LiqIlliquid:
		return "illiquid"
	}
	return "unknown"
}

// TrendRegime classifies momentum and moving-average state on a five-value
// scale.
type TrendRegime int

const (
	TrendStrongDown TrendRegime = iota
	TrendDown
	TrendFlat
	TrendUp
	TrendStrongUp
)

func (t TrendRegime) String() string {
	switch t {
	case TrendStrongDown:
		return "strong_down"
	case TrendDown:
		return "down"
	case TrendFlat:
		return "flat"
	case TrendUp:
		return "up"
	case TrendStrongUp:
		return "strong_up"
	}
	return "unknown"
}

// MarketRegime is the composite classification, volatility-primary.
type MarketRegime int

const (
	RegimeDormant MarketRegime = iota
	RegimeLow
	RegimeNormal
	RegimeElevated
	RegimeHigh
	RegimeExtreme
)

func (m MarketRegime) String() string {
	switch m {
	case RegimeDormant:
		return "dormant"
	case RegimeLow:
		return "low"
	case RegimeNormal:
		return "normal"
	case RegimeElevated:
		return "elevated"
	case RegimeHigh:
		return "high"
	case RegimeExtreme:
		return "extreme"
	}
	return "unknown"
}

// RegimeMetrics is the regime detector output. ThresholdMultiplier is the
// single channel through which regime state reaches the risk and signal
// components: calm markets get a lower, more sensitive multiplier, violent
// markets a higher bar.
type RegimeMetrics struct {
	Symbol              string           `json:"symbol"`
	Timestamp           time.Time        `json:"timestamp"`
	Volatility          VolatilityRegime `json:"volatility_regime"`
	Liquidity           LiquidityRegime  `json:"liquidity_regime"`
	Trend               TrendRegime      `json:"trend_regime"`
	Market              MarketRegime     `json:"market_regime"`
	RealizedVol         float64          `json:"realized_vol"`
	ThresholdMultiplier float64          `json:"threshold_multiplier"` // [0.5, 2.5]
}
