package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	liqchannel "cascadeflow/internal/channel/liq"
	"cascadeflow/internal/models"
	"cascadeflow/internal/risk"
	"cascadeflow/internal/storage"
)

func bybitPayload(symbol string, price, qty float64, ts int64) []byte {
	return []byte(fmt.Sprintf(
		`{"topic":"allLiquidation.%s","ts":%d,"data":[{"s":"%s","S":"Buy","v":"%f","p":"%f","T":%d}]}`,
		symbol, ts, symbol, qty, price, ts))
}

// A steady trickle on one venue is normal market churn and must not alert.
func TestSteadyFlowStaysQuiet(t *testing.T) {
	liqCh := liqchannel.NewChannels(512)
	sink := &captureSink{}
	e := New(Config{Shards: 1, Cadence: 20 * time.Millisecond}, liqCh, nil, nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// 300 events spread evenly over the trailing minute, about $5k each.
	now := time.Now().UnixMilli()
	for i := 0; i < 300; i++ {
		ts := now - 58500 + int64(i)*195
		msg := models.RawLiquidationMessage{
			Venue:   models.VenueBinance,
			Symbol:  "BTCUSDT",
			Payload: binancePayload("BTCUSDT", 50000+float64(i)*0.5, 0.1, ts),
		}
		if !liqCh.SendRaw(ctx, msg) {
			t.Fatalf("send %d rejected", i)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		ev, _ := sink.counts()
		return ev == 300
	})

	// Let a few evaluation cycles run on the settled buffer so any ingest
	// transient in the rate history decays.
	time.Sleep(150 * time.Millisecond)

	sig := e.LatestSignal("BTCUSDT")
	if sig == nil {
		t.Fatal("no signal for tracked symbol")
	}
	if sig.Level > models.SignalWatch {
		t.Fatalf("steady flow escalated to %s (risk %.1f)", sig.Level, sig.RiskScore)
	}
	if sig.Probability >= 0.30 {
		t.Fatalf("steady flow probability = %.2f, want < 0.30", sig.Probability)
	}

	cancel()
	e.Stop()
}

// A liquidation rate ramping from 2 to 100 events/sec across two venues is
// the cascade signature: the signal must escalate and the venues must read
// as correlated.
func TestFlashCrashRampEscalates(t *testing.T) {
	liqCh := liqchannel.NewChannels(1024)
	sink := &captureSink{}
	e := New(Config{Shards: 2, Cadence: 20 * time.Millisecond}, liqCh, nil, nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UnixMilli()
	sent := 0
	// Second k covers [now-(k+1)s, now-ks); k=9 is the quiet start of the
	// ramp, k=0 the violent end. Venues alternate so both carry the ramp.
	for k := 9; k >= 0; k-- {
		rate := 2 + (100-2)*(9-k)/9
		step := int64(1000 / rate)
		for j := 0; j < rate; j++ {
			ts := now - int64(k)*1000 - int64(j)*step
			price := 50000 - float64(sent)*0.25
			var msg models.RawLiquidationMessage
			if sent%2 == 0 {
				msg = models.RawLiquidationMessage{
					Venue:   models.VenueBinance,
					Symbol:  "BTCUSDT",
					Payload: binancePayload("BTCUSDT", price, 1, ts),
				}
			} else {
				msg = models.RawLiquidationMessage{
					Venue:   models.VenueBybit,
					Symbol:  "BTCUSDT",
					Payload: bybitPayload("BTCUSDT", price, 1, ts),
				}
			}
			if !liqCh.SendRaw(ctx, msg) {
				t.Fatalf("send %d rejected", sent)
			}
			sent++
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		ev, _ := sink.counts()
		return ev == sent
	})
	waitFor(t, 2*time.Second, func() bool {
		sig := e.LatestSignal("BTCUSDT")
		return sig != nil && sig.Level >= models.SignalAlert
	})

	sig := e.LatestSignal("BTCUSDT")
	if sig.RiskScore < 45 {
		t.Fatalf("flash crash risk score = %.1f, want >= 45", sig.RiskScore)
	}
	if corr := sig.FactorScores[risk.FactorCorrelation]; corr < 0.7 {
		t.Fatalf("cross-venue correlation score = %.2f, want >= 0.7", corr)
	}

	cancel()
	e.Stop()
}

// Losing the durable tier degrades to cache-only; detection must keep
// producing signals.
func TestStorageOutageSignalsContinue(t *testing.T) {
	//sqlite cannot create a database inside a directory that does not exist.
	tiered, err := storage.NewTiered(storage.TieredConfig{
		StoreEnabled: true,
		Store: storage.StoreConfig{
			Path: filepath.Join(t.TempDir(), "missing", "events.db"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tiered.Stop()
	if tiered.Store() != nil {
		t.Fatal("store should be unavailable")
	}

	liqCh := liqchannel.NewChannels(64)
	e := New(Config{Shards: 1, Cadence: 20 * time.Millisecond}, liqCh, nil, nil, tiered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UnixMilli()
	for i := 0; i < 20; i++ {
		liqCh.SendRaw(ctx, models.RawLiquidationMessage{
			Venue:   models.VenueBinance,
			Symbol:  "BTCUSDT",
			Payload: binancePayload("BTCUSDT", 50000+float64(i), 1, now-int64(i)*50),
		})
	}

	waitFor(t, 5*time.Second, func() bool {
		return e.LatestSignal("BTCUSDT") != nil
	})

	tiered.Cache().Wait()
	if tiered.Cache().LatestSignal("BTCUSDT") == nil {
		t.Fatal("cache missing latest signal")
	}

	cancel()
	e.Stop()
}
