package regime

import (
	"math"
	"sync/atomic"
	"time"

	"cascadeflow/internal/models"
)

// Tunables hold the fixed classification bands. Volatility bands are the
// per-minute realized volatility (fraction, not bps) boundaries between the
// six buckets.
type Tunables struct {
	VolBands      [5]float64
	Lookback      time.Duration
	FastMA        time.Duration
	SlowMA        time.Duration
	MomentumBands [4]float64 // strong down / down / up / strong up boundaries

	DeepSpreadBps    float64
	NormalSpreadBps  float64
	ShallowSpreadBps float64
	DeepVolumeUSD    float64
	ThinVolumeUSD    float64
}

func DefaultTunables() Tunables {
	return Tunables{
		VolBands:      [5]float64{0.0002, 0.0005, 0.0012, 0.0030, 0.0070},
		Lookback:      5 * time.Minute,
		FastMA:        time.Minute,
		SlowMA:        5 * time.Minute,
		MomentumBands: [4]float64{-0.004, -0.001, 0.001, 0.004},

		DeepSpreadBps:    2,
		NormalSpreadBps:  6,
		ShallowSpreadBps: 15,
		DeepVolumeUSD:    500_000_000,
		ThinVolumeUSD:    20_000_000,
	}
}

// multipliers by composite regime, dormant through extreme. Calm markets get
// the low, sensitive threshold; violent ones a higher bar so that expected
// turbulence does not read as a cascade.
var regimeMultipliers = [6]float64{0.5, 0.8, 1.0, 1.5, 2.0, 2.5}

type pricePoint struct {
	at    time.Time
	price float64
}

// Detector classifies ambient market conditions for one symbol from price
// ticks. It runs on its own cadence, decoupled from liquidation flow; the
// only state shared with the risk/signal path is the threshold multiplier,
// read atomically via Multiplier().
type Detector struct {
	symbol string
	tun    Tunables

	prices []pricePoint
	head   int

	fastMA   float64
	slowMA   float64
	seededMA bool

	lastVolume float64
	lastSpread float64

	multBits atomic.Uint64
	last     atomic.Pointer[models.RegimeMetrics]

	now func() time.Time
}

func NewDetector(symbol string, tun Tunables) *Detector {
	// Defaults apply per field: a config that sets only the lookback and MA
	// spans must not zero the classification bands, which would pin every
	// market at extreme/illiquid.
	def := DefaultTunables()
	if tun.VolBands == ([5]float64{}) {
		tun.VolBands = def.VolBands
	}
	if tun.Lookback <= 0 {
		tun.Lookback = def.Lookback
	}
	if tun.FastMA <= 0 {
		tun.FastMA = def.FastMA
	}
	if tun.SlowMA <= 0 {
		tun.SlowMA = def.SlowMA
	}
	if tun.MomentumBands == ([4]float64{}) {
		tun.MomentumBands = def.MomentumBands
	}
	if tun.DeepSpreadBps <= 0 {
		tun.DeepSpreadBps = def.DeepSpreadBps
	}
	if tun.NormalSpreadBps <= 0 {
		tun.NormalSpreadBps = def.NormalSpreadBps
	}
	if tun.ShallowSpreadBps <= 0 {
		tun.ShallowSpreadBps = def.ShallowSpreadBps
	}
	if tun.DeepVolumeUSD <= 0 {
		tun.DeepVolumeUSD = def.DeepVolumeUSD
	}
	if tun.ThinVolumeUSD <= 0 {
		tun.ThinVolumeUSD = def.ThinVolumeUSD
	}
	d := &Detector{symbol: symbol, tun: tun}
	d.multBits.Store(math.Float64bits(1.0))
	return d
}

func (d *Detector) timeNow() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// SetClock overrides the detector clock. Test use only.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Multiplier returns the current threshold multiplier. Lock-free; safe from
// any goroutine.
func (d *Detector) Multiplier() float64 {
	return math.Float64frombits(d.multBits.Load())
}

// Last returns the most recent metrics, or nil before the first update.
func (d *Detector) Last() *models.RegimeMetrics {
	return d.last.Load()
}

// Update ingests one price tick and reclassifies the regime. Ticks with a
// non-positive price are ignored and the previous metrics returned.
func (d *Detector) Update(price, volumeUSD, spreadBps float64) models.RegimeMetrics {
	now := d.timeNow()

	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		if prev := d.last.Load(); prev != nil {
			return *prev
		}
		return models.RegimeMetrics{Symbol: d.symbol, Timestamp: now, ThresholdMultiplier: 1.0, Market: models.RegimeNormal}
	}

	d.push(pricePoint{at: now, price: price})
	d.updateMAs(price, now)
	if volumeUSD > 0 {
		d.lastVolume = volumeUSD
	}
	if spreadBps >= 0 && !math.IsNaN(spreadBps) && !math.IsInf(spreadBps, 0) {
		d.lastSpread = spreadBps
	}

	realized := d.realizedVol()
	vol := d.classifyVolatility(realized)
	liq := d.classifyLiquidity()
	trend := d.classifyTrend(price)
	market := composite(vol, liq, trend)
	mult := regimeMultipliers[market]

	m := models.RegimeMetrics{
		Symbol:              d.symbol,
		Timestamp:           now,
		Volatility:          vol,
		Liquidity:           liq,
		Trend:               trend,
		Market:              market,
		RealizedVol:         realized,
		ThresholdMultiplier: mult,
	}
	d.multBits.Store(math.Float64bits(mult))
	d.last.Store(&m)
	return m
}

func (d *Detector) push(p pricePoint) {
	cutoff := p.at.Add(-d.tun.Lookback)
	d.prices = append(d.prices, p)
	for d.head < len(d.prices) && d.prices[d.head].at.Before(cutoff) {
		d.head++
	}
	if d.head > 0 && d.head*2 >= len(d.prices) {
		n := copy(d.prices, d.prices[d.head:])
		d.prices = d.prices[:n]
		d.head = 0
	}
}

func (d *Detector) live() []pricePoint { return d.prices[d.head:] }

func (d *Detector) updateMAs(price float64, now time.Time) {
	if !d.seededMA {
		d.fastMA = price
		d.slowMA = price
		d.seededMA = true
		return
	}
	live := d.live()
	dt := time.Second
	if len(live) >= 2 {
		if step := live[len(live)-1].at.Sub(live[len(live)-2].at); step > 0 {
			dt = step
		}
	}
	fastAlpha := emaAlpha(dt, d.tun.FastMA)
	slowAlpha := emaAlpha(dt, d.tun.SlowMA)
	d.fastMA += fastAlpha * (price - d.fastMA)
	d.slowMA += slowAlpha * (price - d.slowMA)
}

func emaAlpha(step, span time.Duration) float64 {
	if span <= 0 {
		return 1
	}
	a := float64(step) / float64(span)
	if a > 1 {
		a = 1
	}
	return a
}

// realizedVol is the standard deviation of tick-to-tick log returns over the
// lookback, scaled to a per-minute figure.
func (d *Detector) realizedVol() float64 {
	live := d.live()
	if len(live) < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for i := 1; i < len(live); i++ {
		if live[i-1].price <= 0 {
			continue
		}
		r := math.Log(live[i].price / live[i-1].price)
		sum += r
		sumSq += r * r
		n++
	}
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	perTick := math.Sqrt(variance)

	span := live[len(live)-1].at.Sub(live[0].at)
	if span <= 0 {
		return 0
	}
	ticksPerMinute := float64(n) / span.Minutes()
	return perTick * math.Sqrt(ticksPerMinute)
}

func (d *Detector) classifyVolatility(realized float64) models.VolatilityRegime {
	b := d.tun.VolBands
	switch {
	case realized < b[0]:
		return models.VolDormant
	case realized < b[1]:
		return models.VolLow
	case realized < b[2]:
		return models.VolNormal
	case realized < b[3]:
		return models.VolElevated
	case realized < b[4]:
		return models.VolHigh
	default:
		return models.VolExtreme
	}
}

func (d *Detector) classifyLiquidity() models.LiquidityRegime {
	switch {
	case d.lastSpread <= d.tun.DeepSpreadBps && d.lastVolume >= d.tun.DeepVolumeUSD:
		return models.LiqDeep
	case d.lastSpread <= d.tun.NormalSpreadBps && d.lastVolume >= d.tun.ThinVolumeUSD:
		return models.LiqNormal
	case d.lastSpread <= d.tun.ShallowSpreadBps:
		return models.LiqShallow
	default:
		return models.LiqIlliquid
	}
}

func (d *Detector) classifyTrend(price float64) models.TrendRegime {
	live := d.live()
	if len(live) < 2 || live[0].price <= 0 {
		return models.TrendFlat
	}
	momentum := price/live[0].price - 1

	b := d.tun.MomentumBands
	var t models.TrendRegime
	switch {
	case momentum <= b[0]:
		t = models.TrendStrongDown
	case momentum <= b[1]:
		t = models.TrendDown
	case momentum < b[2]:
		t = models.TrendFlat
	case momentum < b[3]:
		t = models.TrendUp
	default:
		t = models.TrendStrongUp
	}

	// MA crossover nudges a flat read toward the crossing direction.
	if t == models.TrendFlat && d.seededMA && d.slowMA > 0 {
		gap := (d.fastMA - d.slowMA) / d.slowMA
		if gap > 0.0005 {
			t = models.TrendUp
		} else if gap < -0.0005 {
			t = models.TrendDown
		}
	}
	return t
}

// composite derives the market regime with volatility as the primary axis,
// bumped one step by illiquidity or a strong trend.
func composite(vol models.VolatilityRegime, liq models.LiquidityRegime, trend models.TrendRegime) models.MarketRegime {
	idx := int(vol)
	if liq == models.LiqIlliquid || liq == models.LiqShallow {
		idx++
	}
	if trend == models.TrendStrongUp || trend == models.TrendStrongDown {
		idx++
	}
	if idx > int(models.RegimeExtreme) {
		idx = int(models.RegimeExtreme)
	}
	return models.MarketRegime(idx)
}
