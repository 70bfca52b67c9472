package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"cascadeflow/internal/models"
)

func testEvent(symbol, venue string, side models.Side, notional float64, tsMs int64, id string) models.LiquidationEvent {
	return models.LiquidationEvent{
		TimestampMs: tsMs,
		ReceivedMs:  tsMs,
		Venue:       venue,
		Symbol:      symbol,
		Side:        side,
		Price:       50000,
		Quantity:    notional / 50000,
		NotionalUSD: notional,
		NativeID:    id,
	}
}

func newTestStore(t *testing.T, cfg StoreConfig) *EventStore {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	s, err := NewEventStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreFiltersBySignificance(t *testing.T) {
	s := newTestStore(t, StoreConfig{MinNotionalUSD: 100_000})
	defer s.db.Close()

	if s.Offer(testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 50_000, 1, "small")) {
		t.Fatal("sub-threshold event accepted")
	}
	if !s.Offer(testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 250_000, 2, "big")) {
		t.Fatal("significant event rejected")
	}
}

func TestStoreWriteAndQuery(t *testing.T) {
	s := newTestStore(t, StoreConfig{MinNotionalUSD: 1, FlushInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UnixMilli()
	for i := 0; i < 10; i++ {
		side := models.SideLong
		if i%2 == 1 {
			side = models.SideShort
		}
		venue := models.VenueBinance
		if i >= 5 {
			venue = models.VenueBybit
		}
		s.Offer(testEvent("BTCUSDT", venue, side, float64(100_000+i*1000), base+int64(i), fmt.Sprintf("e-%d", i)))
	}
	s.Offer(testEvent("ETHUSDT", models.VenueOkx, models.SideLong, 500_000, base, "eth-1"))

	cancel()
	s.Stop()

	// Stop closed the db, reopen for query assertions
	s2 := newTestStore(t, StoreConfig{Path: s.cfg.Path, MinNotionalUSD: 1})
	defer s2.db.Close()

	all, err := s2.QueryEvents(context.Background(), EventQuery{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 10 {
		t.Fatalf("got %d events, want 10", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].TimestampMs > all[i-1].TimestampMs {
			t.Fatal("events not newest first")
		}
	}

	bybitShorts, err := s2.QueryEvents(context.Background(), EventQuery{
		Symbol: "BTCUSDT", Venue: models.VenueBybit, Side: models.SideShort,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, evt := range bybitShorts {
		if evt.Venue != models.VenueBybit || evt.Side != models.SideShort {
			t.Fatalf("filter leaked: %+v", evt)
		}
	}

	big, err := s2.QueryEvents(context.Background(), EventQuery{MinUSD: 400_000})
	if err != nil {
		t.Fatal(err)
	}
	if len(big) != 1 || big[0].Symbol != "ETHUSDT" {
		t.Fatalf("min-usd filter got %v", big)
	}
}

func TestStoreDropsOldestUnderBackpressure(t *testing.T) {
	s := newTestStore(t, StoreConfig{MinNotionalUSD: 1, QueueSize: 4})
	defer s.db.Close()

	// no flush worker running, queue fills and sheds from the front
	for i := 0; i < 10; i++ {
		s.Offer(testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 100_000, int64(i), fmt.Sprintf("d-%d", i)))
	}

	if got := s.Dropped(); got != 6 {
		t.Fatalf("dropped = %d, want 6", got)
	}
	// survivors are the newest four
	first := <-s.queue
	if first.NativeID != "d-6" {
		t.Fatalf("oldest survivor = %s, want d-6", first.NativeID)
	}
}

func TestRetentionSweep(t *testing.T) {
	s := newTestStore(t, StoreConfig{MinNotionalUSD: 1, Retention: time.Hour})
	defer s.db.Close()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	s.writeBatch([]models.LiquidationEvent{
		testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 100_000, old, "old"),
		testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 100_000, fresh, "fresh"),
	})

	s.sweep()

	got, err := s.QueryEvents(context.Background(), EventQuery{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].NativeID != "fresh" {
		t.Fatalf("sweep kept %v", got)
	}
}

func TestRollupConservation(t *testing.T) {
	s := newTestStore(t, StoreConfig{MinNotionalUSD: 1})
	defer s.db.Close()
	r, err := NewRollups(s)
	if err != nil {
		t.Fatal(err)
	}

	hour := time.Hour.Milliseconds()
	base := (time.Now().UnixMilli() / hour) * hour
	var batch []models.LiquidationEvent
	for i := 0; i < 12; i++ {
		side := models.SideLong
		if i%3 == 0 {
			side = models.SideShort
		}
		venue := models.VenueBinance
		if i%2 == 1 {
			venue = models.VenueOkx
		}
		batch = append(batch, testEvent("BTCUSDT", venue, side, float64(100_000+i), base+int64(i*1000), fmt.Sprintf("r-%d", i)))
	}
	s.writeBatch(batch)

	n, err := r.Generate(context.Background(), RollupHourly, base, base+hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("buckets = %d, want 2 (one per venue)", n)
	}

	rollups, err := r.Query(context.Background(), RollupHourly, "BTCUSDT", base, base+hour)
	if err != nil {
		t.Fatal(err)
	}

	var count, longCount, shortCount int64
	var usd, longUSD, shortUSD float64
	for _, ru := range rollups {
		if ru.LongCount+ru.ShortCount != ru.EventCount {
			t.Fatalf("side counts do not sum in %+v", ru)
		}
		if diff := ru.LongUSD + ru.ShortUSD - ru.NotionalUSD; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("side USD does not sum in %+v", ru)
		}
		count += ru.EventCount
		longCount += ru.LongCount
		shortCount += ru.ShortCount
		usd += ru.NotionalUSD
		longUSD += ru.LongUSD
		shortUSD += ru.ShortUSD
	}
	if count != 12 {
		t.Fatalf("total events = %d, want 12", count)
	}
	if longCount+shortCount != count {
		t.Fatal("venue rollups do not conserve side counts")
	}

	// regeneration is idempotent
	if _, err := r.Generate(context.Background(), RollupHourly, base, base+hour); err != nil {
		t.Fatal(err)
	}
	again, err := r.Query(context.Background(), RollupHourly, "BTCUSDT", base, base+hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(rollups) {
		t.Fatalf("regenerate changed bucket count %d -> %d", len(rollups), len(again))
	}
}

func TestCacheAggregatesBySide(t *testing.T) {
	c, err := NewSnapshotCache(CacheConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	now := time.Now().UnixMilli()
	c.AddEvent(testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 200_000, now, "a"))
	c.Wait()
	c.AddEvent(testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 300_000, now, "b"))
	c.Wait()

	agg := c.PriceAggregate("BTCUSDT", 50000, models.SideLong)
	if agg == nil {
		t.Fatal("price bucket cold after writes")
	}
	if agg.Count != 2 || agg.NotionalUSD != 500_000 {
		t.Fatalf("aggregate = %+v", agg)
	}
	if agg.LongCount != agg.Count || agg.ShortCount != 0 {
		t.Fatalf("side split wrong: %+v", agg)
	}

	slice := c.TimeAggregate("BTCUSDT", now)
	if slice == nil || slice.Count != 2 {
		t.Fatalf("time slice = %+v", slice)
	}
	if c.PriceAggregate("BTCUSDT", 50000, models.SideShort) != nil {
		t.Fatal("short bucket should be cold")
	}
}

func TestCacheLatestSignal(t *testing.T) {
	c, err := NewSnapshotCache(CacheConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.PutSignal(models.CascadeSignal{Symbol: "BTCUSDT", Level: models.SignalAlert, Probability: 0.4})
	c.Wait()

	sig := c.LatestSignal("BTCUSDT")
	if sig == nil || sig.Level != models.SignalAlert {
		t.Fatalf("latest signal = %+v", sig)
	}
	if c.LatestSignal("ETHUSDT") != nil {
		t.Fatal("unknown symbol should be cold")
	}
}

func TestTieredDegradesWithoutStore(t *testing.T) {
	tiered, err := NewTiered(TieredConfig{
		StoreEnabled: true,
		Store:        StoreConfig{Path: filepath.Join(t.TempDir(), "missing", "sub", "dir", "x.db")},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tiered.Stop()

	if tiered.Store() != nil {
		t.Fatal("store should be nil when the path is unusable")
	}

	// cache-only operation keeps working
	now := time.Now().UnixMilli()
	tiered.OnEvent(testEvent("BTCUSDT", models.VenueBinance, models.SideLong, 200_000, now, "t"))
	tiered.OnSignal(models.CascadeSignal{Symbol: "BTCUSDT", Level: models.SignalWatch})
	tiered.Cache().Wait()

	if tiered.Cache().LatestSignal("BTCUSDT") == nil {
		t.Fatal("cache tier lost the signal")
	}
}
