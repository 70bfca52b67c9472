package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cascadeflow/config"
	liq "cascadeflow/internal/channel/liq"
	tick "cascadeflow/internal/channel/tick"
	"cascadeflow/internal/engine"
	"cascadeflow/internal/models"
	"cascadeflow/internal/signal"
	"cascadeflow/internal/storage"
	"cascadeflow/logger"
)

func binancePayload(ts int64) []byte {
	return []byte(fmt.Sprintf(
		`{"E":%d,"o":{"s":"BTCUSDT","S":"SELL","q":"0.5","p":"64000","ap":"64000","T":%d}}`,
		ts, ts))
}

type testEnv struct {
	srv    *Server
	eng    *engine.Engine
	liqCh  *liq.Channels
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T, staleAfter time.Duration, withStore bool) *testEnv {
	t.Helper()

	liqCh := liq.NewChannels(64)
	tickCh := tick.NewChannels(64)
	bus := signal.NewBus()

	var tiered *storage.Tiered
	var err error
	tiered, err = storage.NewTiered(storage.TieredConfig{
		Store:        storage.StoreConfig{Path: t.TempDir() + "/events.db"},
		StoreEnabled: withStore,
	})
	if err != nil {
		t.Fatalf("NewTiered failed: %v", err)
	}

	eng := engine.New(engine.Config{
		Shards:  2,
		Cadence: 20 * time.Millisecond,
		Symbols: []string{"BTCUSDT"},
	}, liqCh, tickCh, bus, tiered)

	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}

	cfg := config.DashboardConfig{
		Enabled:    true,
		Listen:     "127.0.0.1:0",
		StaleAfter: config.Duration(staleAfter),
	}
	srv, err := NewServer(cfg, eng, tiered, logger.GetLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if srv == nil {
		t.Fatal("NewServer returned nil for enabled dashboard")
	}

	t.Cleanup(func() {
		cancel()
		eng.Stop()
		tiered.Stop()
		srv.cleanup()
	})

	return &testEnv{srv: srv, eng: eng, liqCh: liqCh, cancel: cancel}
}

func (env *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	router, err := env.srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter failed: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)

	body := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON response for %s: %v", path, err)
		}
	}
	return rec, body
}

func (env *testEnv) ingestAndWait(t *testing.T) {
	t.Helper()
	if !env.liqCh.SendRaw(context.Background(), models.RawLiquidationMessage{
		Venue:     models.VenueBinance,
		Symbol:    "BTCUSDT",
		Payload:   binancePayload(time.Now().UnixMilli()),
		Timestamp: time.Now(),
	}) {
		t.Fatal("failed to enqueue raw message")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.eng.LatestSignal("BTCUSDT") != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for the engine to process the event")
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: false}, nil, nil, logger.GetLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when dashboard is disabled")
	}
}

func TestStatusReportsStaleVenues(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, true)
	env.ingestAndWait(t)

	// the single event is now older than the 1ms stale threshold
	time.Sleep(10 * time.Millisecond)

	rec, body := env.get(t, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	stale, ok := body["stale_venues"].([]any)
	if !ok || len(stale) == 0 {
		t.Fatalf("expected stale venues in response, got: %v", body["stale_venues"])
	}
	if body["store_available"] != true {
		t.Errorf("expected store_available true, got: %v", body["store_available"])
	}
}

func TestSignalsAndSnapshotEndpoints(t *testing.T) {
	env := newTestEnv(t, time.Minute, true)
	env.ingestAndWait(t)

	rec, body := env.get(t, "/api/signals/BTCUSDT")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected signals status: %d", rec.Code)
	}
	if sigs, ok := body["signals"].([]any); !ok || len(sigs) == 0 {
		t.Fatalf("expected signal history, got: %v", body["signals"])
	}

	rec, body = env.get(t, "/api/snapshot/BTCUSDT")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected snapshot status: %d", rec.Code)
	}
	if body["velocity"] == nil {
		t.Fatal("expected velocity snapshot in response")
	}

	rec, _ = env.get(t, "/api/signals/NOSUCH")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown symbol, got %d", rec.Code)
	}
}

func TestEventsUnavailableWithoutStore(t *testing.T) {
	env := newTestEnv(t, time.Minute, false)

	rec, _ := env.get(t, "/api/events?symbol=BTCUSDT")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
}

func TestRollupsValidation(t *testing.T) {
	env := newTestEnv(t, time.Minute, true)

	rec, _ := env.get(t, "/api/rollups?period=weekly&symbol=BTCUSDT")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad period, got %d", rec.Code)
	}

	rec, _ = env.get(t, "/api/rollups?period=hourly")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing symbol, got %d", rec.Code)
	}

	rec, body := env.get(t, "/api/rollups?period=hourly&symbol=BTCUSDT")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid rollup query, got %d", rec.Code)
	}
	if _, ok := body["rollups"]; !ok {
		t.Fatal("expected rollups key in response")
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":               "0.0.0.0:8080",
		":9090":          "0.0.0.0:9090",
		"localhost":      "localhost:8080",
		"127.0.0.1:8081": "127.0.0.1:8081",
	}
	for in, want := range cases {
		if got := normalizeAddress(in); got != want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
