package regime

import (
	"math"
	"testing"
	"time"

	"cascadeflow/internal/models"
)

func feed(d *Detector, base time.Time, prices []float64, volume, spread float64) models.RegimeMetrics {
	var m models.RegimeMetrics
	for i, p := range prices {
		at := base.Add(time.Duration(i) * time.Second)
		d.SetClock(func() time.Time { return at })
		m = d.Update(p, volume, spread)
	}
	return m
}

func TestCalmMarketIsSensitive(t *testing.T) {
	d := NewDetector("BTCUSDT", DefaultTunables())
	base := time.Now()

	prices := make([]float64, 120)
	for i := range prices {
		prices[i] = 50000 + 0.5*math.Sin(float64(i)/10)
	}
	m := feed(d, base, prices, 1e9, 1)

	if m.Volatility > models.VolLow {
		t.Fatalf("near-flat prices classified %s", m.Volatility)
	}
	if m.Liquidity != models.LiqDeep {
		t.Fatalf("tight spread and deep volume classified %s", m.Liquidity)
	}
	if m.ThresholdMultiplier >= 1.0 {
		t.Fatalf("calm regime should have a sensitive multiplier < 1.0, got %v", m.ThresholdMultiplier)
	}
}

func TestPartialTunablesKeepBands(t *testing.T) {
	// Only spans configured; the classification bands must fall back to the
	// defaults instead of zero, or every flat market reads extreme/illiquid.
	d := NewDetector("BTCUSDT", Tunables{
		Lookback: 5 * time.Minute,
		FastMA:   time.Minute,
		SlowMA:   5 * time.Minute,
	})
	base := time.Now()

	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 50000
	}
	m := feed(d, base, prices, 1e9, 1)

	if m.Volatility != models.VolDormant {
		t.Fatalf("dead-flat prices classified %s", m.Volatility)
	}
	if m.Liquidity != models.LiqDeep {
		t.Fatalf("tight spread and deep volume classified %s", m.Liquidity)
	}
	if m.ThresholdMultiplier > 1.0 {
		t.Fatalf("flat deep market multiplier = %v, want <= 1.0", m.ThresholdMultiplier)
	}
}

func TestViolentMarketRaisesBar(t *testing.T) {
	d := NewDetector("BTCUSDT", DefaultTunables())
	base := time.Now()

	// 1% swings tick to tick: extreme realized volatility
	prices := make([]float64, 120)
	p := 50000.0
	for i := range prices {
		if i%2 == 0 {
			p *= 1.01
		} else {
			p *= 0.99
		}
		prices[i] = p
	}
	m := feed(d, base, prices, 1e8, 20)

	if m.Volatility < models.VolHigh {
		t.Fatalf("violent prices classified only %s", m.Volatility)
	}
	if m.ThresholdMultiplier <= 1.0 {
		t.Fatalf("violent regime should raise the bar, got multiplier %v", m.ThresholdMultiplier)
	}
	if m.ThresholdMultiplier > 2.5 {
		t.Fatalf("multiplier above cap: %v", m.ThresholdMultiplier)
	}
}

func TestMultiplierMonotonicInRegime(t *testing.T) {
	for i := 1; i < len(regimeMultipliers); i++ {
		if regimeMultipliers[i] <= regimeMultipliers[i-1] {
			t.Fatalf("multiplier not monotonic at regime %d", i)
		}
	}
	if regimeMultipliers[0] < 0.5 || regimeMultipliers[len(regimeMultipliers)-1] > 2.5 {
		t.Fatal("multiplier outside [0.5, 2.5]")
	}
}

func TestTrendClassification(t *testing.T) {
	d := NewDetector("BTCUSDT", DefaultTunables())
	base := time.Now()

	// steady 1% climb over the lookback
	prices := make([]float64, 120)
	for i := range prices {
		prices[i] = 50000 * (1 + 0.01*float64(i)/120)
	}
	m := feed(d, base, prices, 1e9, 1)
	if m.Trend < models.TrendUp {
		t.Fatalf("steady climb classified %s", m.Trend)
	}
}

func TestBadTicksIgnored(t *testing.T) {
	d := NewDetector("BTCUSDT", DefaultTunables())
	base := time.Now()

	good := feed(d, base, []float64{50000, 50001, 50002}, 1e9, 1)

	at := base.Add(time.Minute)
	d.SetClock(func() time.Time { return at })
	m := d.Update(math.NaN(), 1e9, 1)
	if m.Market != good.Market || m.ThresholdMultiplier != good.ThresholdMultiplier {
		t.Fatal("NaN tick should return previous metrics unchanged")
	}
	m = d.Update(-5, 1e9, 1)
	if m.Market != good.Market {
		t.Fatal("negative price should return previous metrics unchanged")
	}
}

func TestMultiplierReadableWithoutUpdate(t *testing.T) {
	d := NewDetector("BTCUSDT", DefaultTunables())
	if d.Multiplier() != 1.0 {
		t.Fatalf("fresh detector should publish neutral multiplier, got %v", d.Multiplier())
	}
	if d.Last() != nil {
		t.Fatal("fresh detector should have no metrics yet")
	}
}
