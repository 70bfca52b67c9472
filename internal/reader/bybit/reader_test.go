package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cascadeflow/config"
	liq "cascadeflow/internal/channel/liq"
	tick "cascadeflow/internal/channel/tick"
	"cascadeflow/internal/models"

	"github.com/gorilla/websocket"
)

func minimalConfig(liqURL, tickURL string) *config.Config {
	return &config.Config{
		Source: config.SourceConfig{
			Bybit: &config.VenueConfig{
				Liquidation: config.StreamConfig{
					Enabled: true,
					URL:     liqURL,
					Symbols: []string{"BTCUSDT"},
				},
				Ticker: config.StreamConfig{
					Enabled: true,
					URL:     tickURL,
					Symbols: []string{"BTCUSDT"},
				},
			},
		},
	}
}

func mockWSServer(t *testing.T, wantSub string, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, subMsg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(subMsg), wantSub) {
			t.Errorf("expected subscription containing %q, got: %s", wantSub, string(subMsg))
		}

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestNewReaders(t *testing.T) {
	cfg := minimalConfig("wss://example.com", "wss://example.com")
	if r := Bybit_LIQ_NewReader(cfg, liq.NewChannels(1), []string{"BTCUSDT"}); r == nil {
		t.Fatal("Bybit_LIQ_NewReader returned nil")
	}
	if r := Bybit_TICK_NewReader(cfg, tick.NewChannels(1), []string{"BTCUSDT"}); r == nil {
		t.Fatal("Bybit_TICK_NewReader returned nil")
	}
}

func TestLiqStartDisabled(t *testing.T) {
	cfg := minimalConfig("wss://example.com", "wss://example.com")
	cfg.Source.Bybit.Liquidation.Enabled = false

	r := Bybit_LIQ_NewReader(cfg, liq.NewChannels(1), nil)
	if err := r.Bybit_LIQ_Start(context.Background()); err == nil {
		t.Fatal("expected error when stream is disabled")
	}
}

func TestLiqStreamForwardsPayload(t *testing.T) {
	mockLiq := `{"topic":"allLiquidation.BTCUSDT","ts":1714716000000,"data":[{"s":"BTCUSDT","S":"Buy","v":"0.5","p":"64000","T":1714716000000}]}`
	server := mockWSServer(t, "allLiquidation.BTCUSDT", []string{
		`{"op":"subscribe","success":true}`,
		mockLiq,
	})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	cfg := minimalConfig(wsURL, wsURL)
	ch := liq.NewChannels(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := Bybit_LIQ_NewReader(cfg, ch, nil)
	if err := r.Bybit_LIQ_Start(ctx); err != nil {
		t.Fatalf("Bybit_LIQ_Start failed: %v", err)
	}

	select {
	case msg := <-ch.Raw:
		if msg.Venue != models.VenueBybit {
			t.Errorf("unexpected venue: %s", msg.Venue)
		}
		if msg.Symbol != "BTCUSDT" {
			t.Errorf("unexpected symbol: %s", msg.Symbol)
		}
		if !strings.Contains(string(msg.Payload), "allLiquidation.BTCUSDT") {
			t.Errorf("payload not forwarded verbatim: %s", string(msg.Payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for forwarded liquidation payload")
	}

	// the ack frame has no liquidation topic and must not be forwarded
	select {
	case extra := <-ch.Raw:
		t.Fatalf("unexpected extra message forwarded: %s", string(extra.Payload))
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	r.Bybit_LIQ_Stop()
}

func TestTickerEmitsPriceTick(t *testing.T) {
	mockTicker := `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1714716000000,"data":{"symbol":"BTCUSDT","lastPrice":"64000.5","turnover24h":"1200000000","bid1Price":"64000","ask1Price":"64001"}}`
	server := mockWSServer(t, "tickers.BTCUSDT", []string{mockTicker})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	cfg := minimalConfig(wsURL, wsURL)
	ch := tick.NewChannels(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := Bybit_TICK_NewReader(cfg, ch, nil)
	if err := r.Bybit_TICK_Start(ctx); err != nil {
		t.Fatalf("Bybit_TICK_Start failed: %v", err)
	}

	select {
	case pt := <-ch.Ticks:
		if pt.Venue != models.VenueBybit {
			t.Errorf("unexpected venue: %s", pt.Venue)
		}
		if pt.Price != 64000.5 {
			t.Errorf("unexpected price: %f", pt.Price)
		}
		if pt.VolumeUSD24 != 1200000000 {
			t.Errorf("unexpected 24h volume: %f", pt.VolumeUSD24)
		}
		if pt.SpreadBps <= 0 {
			t.Errorf("expected positive spread, got %f", pt.SpreadBps)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for price tick")
	}

	cancel()
	r.Bybit_TICK_Stop()
}
