package velocity

import (
	"math"
	"time"

	"cascadeflow/internal/buffer"
	"cascadeflow/internal/models"
)

// Config fixes the analytics geometry for one engine. Windows must be sorted
// ascending; the largest window bounds the buffer snapshot. Derivatives are
// taken from the velocity of DerivativeWindow sampled every Cadence.
type Config struct {
	Windows          []time.Duration
	Cadence          time.Duration
	DerivativeWindow time.Duration
	CorrLookback     time.Duration
	CorrBucket       time.Duration
	CorrMinBuckets   int
	HistoryDepth     int
}

// DefaultWindows is the fixed ordered window set.
var DefaultWindows = []time.Duration{100 * time.Millisecond, 2 * time.Second, 10 * time.Second, 60 * time.Second}

func (c *Config) applyDefaults() {
	if len(c.Windows) == 0 {
		c.Windows = DefaultWindows
	}
	if c.Cadence <= 0 {
		c.Cadence = 100 * time.Millisecond
	}
	if c.DerivativeWindow <= 0 {
		c.DerivativeWindow = 2 * time.Second
	}
	if c.CorrLookback <= 0 {
		c.CorrLookback = 60 * time.Second
	}
	if c.CorrBucket <= 0 {
		c.CorrBucket = time.Second
	}
	if c.CorrMinBuckets <= 0 {
		c.CorrMinBuckets = 5
	}
	if c.HistoryDepth < 3 {
		c.HistoryDepth = 16
	}
}

type rateSample struct {
	at       time.Time
	velocity float64
}

// windowAccum is the per-window scratch accumulator. Totals and the per-venue
// split are filled in the same pass over the buffer, so the conservation
// invariants hold by construction rather than by reconciliation.
type windowAccum struct {
	window time.Duration
	total  models.VenueAggregate            // venue field unused
	venues map[string]*models.VenueAggregate
}

// Engine computes multi-timeframe velocity, discrete derivatives and
// cross-venue correlation for a single symbol. It owns the symbol's event
// buffer exclusively. Not safe for concurrent use; the owning shard
// serializes access.
type Engine struct {
	symbol string
	cfg    Config
	buf    *buffer.EventBuffer

	// velocity sample history at fixed cadence, ring
	history []rateSample
	histLen int
	histPos int

	// scratch reused across Sample calls to keep the hot path allocation-free
	accums []windowAccum

	// scratch reused across Correlation calls
	corrSeries map[string][]float64

	now func() time.Time
}

func NewEngine(symbol string, buf *buffer.EventBuffer, cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		symbol:     symbol,
		cfg:        cfg,
		buf:        buf,
		history:    make([]rateSample, cfg.HistoryDepth),
		accums:     make([]windowAccum, len(cfg.Windows)),
		corrSeries: make(map[string][]float64),
	}
	for i, w := range cfg.Windows {
		e.accums[i] = windowAccum{window: w, venues: make(map[string]*models.VenueAggregate)}
	}
	return e
}

func (e *Engine) timeNow() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// SetClock overrides the engine clock. Test use only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Buffer exposes the engine's event buffer to the owning shard.
func (e *Engine) Buffer() *buffer.EventBuffer { return e.buf }

// Sample computes the VelocityWindowSample for every configured window in one
// pass over the buffer and records the derivative-window velocity in the
// sample history. Call it on the fixed cadence only; the derivative math
// assumes evenly spaced samples.
func (e *Engine) Sample() models.MultiTimeframeVelocity {
	now := e.timeNow()
	nowMs := now.UnixMilli()
	maxWindow := e.cfg.Windows[len(e.cfg.Windows)-1]

	for i := range e.accums {
		a := &e.accums[i]
		a.total = models.VenueAggregate{}
		for k := range a.venues {
			delete(a.venues, k)
		}
	}

	events := e.buf.Snapshot(maxWindow)
	for i := range events {
		evt := &events[i]
		age := nowMs - evt.TimestampMs
		for w := len(e.cfg.Windows) - 1; w >= 0; w-- {
			if age > e.cfg.Windows[w].Milliseconds() {
				break
			}
			acc := &e.accums[w]
			addEvent(&acc.total, evt)
			va := acc.venues[evt.Venue]
			if va == nil {
				va = &models.VenueAggregate{Venue: evt.Venue}
				acc.venues[evt.Venue] = va
			}
			addEvent(va, evt)
		}
	}

	out := models.MultiTimeframeVelocity{
		Symbol:    e.symbol,
		SampledAt: now,
		Windows:   make([]models.VelocityWindowSample, len(e.cfg.Windows)),
	}

	var derivVelocity float64
	for i := range e.accums {
		acc := &e.accums[i]
		secs := acc.window.Seconds()
		ws := models.VelocityWindowSample{
			Window:         acc.window,
			EventCount:     acc.total.EventCount,
			NotionalUSD:    acc.total.NotionalUSD,
			Quantity:       acc.total.Quantity,
			Velocity:       float64(acc.total.EventCount) / secs,
			VolumeVelocity: acc.total.NotionalUSD / secs,
			Sides:          acc.total.Sides,
		}
		if len(acc.venues) > 0 {
			ws.Venues = make([]models.VenueAggregate, 0, len(acc.venues))
			for _, va := range acc.venues {
				ws.Venues = append(ws.Venues, *va)
			}
		}
		out.Windows[i] = ws
		if acc.window == e.cfg.DerivativeWindow {
			derivVelocity = ws.Velocity
		}
	}

	e.pushSample(rateSample{at: now, velocity: derivVelocity})
	out.Derivatives = e.derivatives()
	return out
}

func addEvent(agg *models.VenueAggregate, evt *models.LiquidationEvent) {
	agg.EventCount++
	agg.NotionalUSD += evt.NotionalUSD
	agg.Quantity += evt.Quantity
	if evt.Side == models.SideLong {
		agg.Sides.LongCount++
		agg.Sides.LongUSD += evt.NotionalUSD
		agg.Sides.LongQty += evt.Quantity
	} else {
		agg.Sides.ShortCount++
		agg.Sides.ShortUSD += evt.NotionalUSD
		agg.Sides.ShortQty += evt.Quantity
	}
}

func (e *Engine) pushSample(s rateSample) {
	e.history[e.histPos] = s
	e.histPos = (e.histPos + 1) % len(e.history)
	if e.histLen < len(e.history) {
		e.histLen++
	}
}

// lastSamples returns up to n most recent samples, oldest first.
func (e *Engine) lastSamples(n int) []rateSample {
	if n > e.histLen {
		n = e.histLen
	}
	out := make([]rateSample, 0, n)
	for i := n; i > 0; i-- {
		idx := (e.histPos - i + len(e.history)) % len(e.history)
		out = append(out, e.history[idx])
	}
	return out
}

// derivatives computes discrete acceleration and jerk from the three most
// recent cadence samples. With fewer than three samples both are nil:
// reporting zero would falsely read as steady state.
func (e *Engine) derivatives() models.Derivatives {
	if e.histLen < 3 {
		return models.Derivatives{}
	}
	s := e.lastSamples(3)

	dt1 := s[1].at.Sub(s[0].at).Seconds()
	dt2 := s[2].at.Sub(s[1].at).Seconds()
	if dt1 <= 0 || dt2 <= 0 {
		return models.Derivatives{}
	}

	a1 := (s[1].velocity - s[0].velocity) / dt1
	a2 := (s[2].velocity - s[1].velocity) / dt2
	jerk := (a2 - a1) / dt2

	accel := a2
	return models.Derivatives{Acceleration: &accel, Jerk: &jerk}
}

// Derivatives exposes the current derivative estimate without taking a new
// sample.
func (e *Engine) Derivatives() models.Derivatives {
	return e.derivatives()
}

// Correlation bins per-venue event timestamps into one-second buckets over
// the lookback window and computes pairwise Pearson correlation of the rate
// series. Venues populating fewer than CorrMinBuckets buckets are excluded
// from the matrix rather than assigned a spurious zero.
func (e *Engine) Correlation() models.CorrelationMatrix {
	now := e.timeNow()
	nowMs := now.UnixMilli()
	bucketMs := e.cfg.CorrBucket.Milliseconds()
	nBuckets := int(e.cfg.CorrLookback / e.cfg.CorrBucket)
	startMs := nowMs - int64(nBuckets)*bucketMs

	for k, s := range e.corrSeries {
		e.corrSeries[k] = s[:0]
	}

	events := e.buf.Snapshot(e.cfg.CorrLookback)
	for i := range events {
		evt := &events[i]
		idx := int((evt.TimestampMs - startMs) / bucketMs)
		if idx < 0 || idx >= nBuckets {
			continue
		}
		series := e.corrSeries[evt.Venue]
		if series == nil {
			series = make([]float64, 0, nBuckets)
		}
		for len(series) < nBuckets {
			series = append(series, 0)
		}
		series[idx]++
		e.corrSeries[evt.Venue] = series
	}

	venues := make([]string, 0, len(e.corrSeries))
	for venue, series := range e.corrSeries {
		populated := 0
		for _, v := range series {
			if v > 0 {
				populated++
			}
		}
		if populated >= e.cfg.CorrMinBuckets {
			venues = append(venues, venue)
		}
	}
	sortStrings(venues)

	m := models.CorrelationMatrix{Symbol: e.symbol, Venues: venues}
	if len(venues) == 0 {
		return m
	}

	m.Rho = make([][]float64, len(venues))
	for i := range venues {
		m.Rho[i] = make([]float64, len(venues))
		m.Rho[i][i] = 1.0
	}
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			rho := pearson(e.corrSeries[venues[i]], e.corrSeries[venues[j]])
			m.Rho[i][j] = rho
			m.Rho[j][i] = rho
		}
	}
	return m
}

func pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n == 0 {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	rho := cov / math.Sqrt(varX*varY)
	if rho > 1 {
		rho = 1
	}
	if rho < -1 {
		rho = -1
	}
	return rho
}

// insertion sort; venue lists are tiny and this keeps the hot path free of
// sort.Slice's closure allocation.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
