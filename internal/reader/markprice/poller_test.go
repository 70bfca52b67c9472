package markprice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cascadeflow/config"
	tick "cascadeflow/internal/channel/tick"
	"cascadeflow/internal/models"
)

func minimalConfig(url string) *config.Config {
	return &config.Config{
		Source: config.SourceConfig{
			MarkPrice: &config.MarkPriceConfig{
				Enabled:           true,
				URL:               url,
				Interval:          config.Duration(50 * time.Millisecond),
				RequestsPerSecond: 100,
				Burst:             10,
				Symbols:           []string{"BTCUSDT"},
			},
		},
	}
}

func TestPollEmitsPriceTick(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("unexpected symbol query: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"64123.45000000","time":1714716000000}`))
	}))
	defer server.Close()

	cfg := minimalConfig(server.URL)
	ch := tick.NewChannels(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPoller(cfg, ch)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case pt := <-ch.Ticks:
		if pt.Venue != models.VenueBinance {
			t.Errorf("unexpected venue: %s", pt.Venue)
		}
		if pt.Price != 64123.45 {
			t.Errorf("unexpected price: %f", pt.Price)
		}
		if pt.TimestampMs != 1714716000000 {
			t.Errorf("unexpected timestamp: %d", pt.TimestampMs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for mark price tick")
	}

	cancel()
	p.Stop()
}

func TestBadResponseProducesNoTick(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := minimalConfig(server.URL)
	ch := tick.NewChannels(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPoller(cfg, ch)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case pt := <-ch.Ticks:
		t.Fatalf("unexpected tick from failing endpoint: %+v", pt)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	p.Stop()
}

func TestStartDisabled(t *testing.T) {
	cfg := minimalConfig("http://example.com")
	cfg.Source.MarkPrice.Enabled = false

	p := NewPoller(cfg, tick.NewChannels(1))
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error when poller is disabled")
	}
}
