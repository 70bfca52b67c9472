package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	appconfig "cascadeflow/config"
	tick "cascadeflow/internal/channel/tick"
	metrics "cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/internal/symbols"
	"cascadeflow/logger"

	"github.com/gorilla/websocket"
)

// Bybit_TICK_Reader streams ticker updates from the Bybit linear perp
// websocket and converts them into price ticks for the regime detector.
type Bybit_TICK_Reader struct {
	config   *appconfig.Config
	channels *tick.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
}

// Bybit_TICK_NewReader constructs a new Bybit ticker reader.
func Bybit_TICK_NewReader(cfg *appconfig.Config, ch *tick.Channels, symbols []string) *Bybit_TICK_Reader {
	return &Bybit_TICK_Reader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Bybit_TICK_Start launches websocket subscriptions for each configured symbol.
func (r *Bybit_TICK_Reader) Bybit_TICK_Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("bybit ticker reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Bybit.Ticker
	log := r.log.WithComponent("bybit_tick_reader").WithFields(logger.Fields{
		"operation": "Bybit_TICK_Start",
	})

	if !cfg.Enabled {
		log.Warn("bybit ticker stream disabled via configuration")
		return fmt.Errorf("bybit ticker stream disabled")
	}
	if len(r.symbols) == 0 {
		if len(cfg.Symbols) == 0 {
			log.Warn("no symbols configured for bybit ticker reader")
			return fmt.Errorf("no symbols configured for bybit ticker reader")
		}
		r.symbols = cfg.Symbols
	}

	log.WithFields(logger.Fields{
		"symbols": strings.Join(r.symbols, ","),
	}).Info("starting bybit ticker reader")

	for _, symbol := range r.symbols {
		sym := strings.ToUpper(strings.TrimSpace(symbol))
		if sym == "" {
			continue
		}
		r.wg.Add(1)
		go r.streamSymbol(sym)
	}

	log.Info("bybit ticker reader started successfully")
	return nil
}

// Bybit_TICK_Stop waits for all symbol workers to stop.
func (r *Bybit_TICK_Reader) Bybit_TICK_Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("bybit_tick_reader").Info("stopping bybit ticker reader")
	r.wg.Wait()
	r.log.WithComponent("bybit_tick_reader").Info("bybit ticker reader stopped")
}

// tickerState carries the last known snapshot values so that delta frames,
// which omit unchanged fields, still yield a complete tick.
type tickerState struct {
	lastPrice   float64
	turnover24h float64
	bid1        float64
	ask1        float64
	haveSnap    bool
}

func (r *Bybit_TICK_Reader) streamSymbol(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("bybit_tick_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "ticker_stream",
	})

	cfg := r.config.Source.Bybit.Ticker
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		baseURL = "wss://stream.bybit.com/v5/public/linear"
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, baseURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to bybit ticker websocket, retrying")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		topic := fmt.Sprintf("tickers.%s", symbol)
		subMsg := map[string]any{
			"op":   "subscribe",
			"args": []string{topic},
		}
		if err := conn.WriteJSON(subMsg); err != nil {
			log.WithError(err).Warn("failed to send bybit ticker subscription, reconnecting")
			_ = conn.Close()
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		conn.SetReadDeadline(time.Now().Add(35 * time.Second))
		pingCtx, pingCancel := context.WithCancel(context.Background())
		pingTicker := time.NewTicker(20 * time.Second)

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(35 * time.Second))
			return nil
		})

		go func() {
			defer pingTicker.Stop()
			for {
				select {
				case <-pingCtx.Done():
					return
				case <-pingTicker.C:
					conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						log.WithError(err).Warn("failed to send bybit ping")
						pingCancel()
						return
					}
				}
			}
		}()

		state := tickerState{}

	loop:
		for {
			if r.ctx.Err() != nil {
				_ = conn.Close()
				break loop
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				_ = conn.Close()
				log.WithError(err).Warn("bybit ticker stream error, reconnecting")
				break loop
			}

			r.handleMessage(msg, symbol, &state, log)
		}

		pingCancel()
		select {
		case <-time.After(2 * time.Second):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Bybit_TICK_Reader) handleMessage(msg []byte, symbol string, state *tickerState, log *logger.Entry) {
	var frame struct {
		Topic string `json:"topic"`
		Type  string `json:"type"`
		Ts    int64  `json:"ts"`
		Data  struct {
			Symbol      string `json:"symbol"`
			LastPrice   string `json:"lastPrice"`
			Turnover24h string `json:"turnover24h"`
			Bid1Price   string `json:"bid1Price"`
			Ask1Price   string `json:"ask1Price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.WithError(err).Debug("failed to unmarshal bybit ticker frame, skipping")
		return
	}
	if !strings.HasPrefix(frame.Topic, "tickers.") {
		return
	}

	if v := parsePrice(frame.Data.LastPrice); v > 0 {
		state.lastPrice = v
	}
	if v := parsePrice(frame.Data.Turnover24h); v > 0 {
		state.turnover24h = v
	}
	if v := parsePrice(frame.Data.Bid1Price); v > 0 {
		state.bid1 = v
	}
	if v := parsePrice(frame.Data.Ask1Price); v > 0 {
		state.ask1 = v
	}
	if frame.Type == "snapshot" {
		state.haveSnap = true
	}
	if !state.haveSnap || state.lastPrice <= 0 {
		return
	}

	spreadBps := 0.0
	if state.bid1 > 0 && state.ask1 > state.bid1 {
		mid := (state.bid1 + state.ask1) / 2
		spreadBps = (state.ask1 - state.bid1) / mid * 10000
	}

	t := models.PriceTick{
		Venue:       models.VenueBybit,
		Symbol:      symbols.ToCanonical(models.VenueBybit, symbol),
		Price:       state.lastPrice,
		VolumeUSD24: state.turnover24h,
		SpreadBps:   spreadBps,
		TimestampMs: frame.Ts,
	}
	if t.TimestampMs == 0 {
		t.TimestampMs = time.Now().UnixMilli()
	}

	if !r.channels.Send(r.ctx, t) && r.ctx.Err() == nil {
		metrics.EmitDropMetric(r.log, metrics.DropMetricPriceTick, models.VenueBybit, symbol, "tick")
	}
}

func parsePrice(v string) float64 {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
