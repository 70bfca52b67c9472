package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	appconfig "cascadeflow/config"
	liq "cascadeflow/internal/channel/liq"
	metrics "cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/internal/symbols"
	"cascadeflow/logger"

	"github.com/gorilla/websocket"
)

// Okx_LIQ_Reader streams the OKX liquidation-orders channel and forwards raw
// payloads to the liquidation channel. The channel is venue-wide, so a single
// connection covers every configured symbol and messages for untracked
// instruments are filtered out before forwarding.
type Okx_LIQ_Reader struct {
	config   *appconfig.Config
	channels *liq.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	tracked  map[string]struct{}
}

// Okx_LIQ_NewReader constructs a new OKX liquidation reader.
func Okx_LIQ_NewReader(cfg *appconfig.Config, ch *liq.Channels, syms []string) *Okx_LIQ_Reader {
	r := &Okx_LIQ_Reader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		tracked:  make(map[string]struct{}),
	}
	for _, s := range syms {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			r.tracked[symbols.ToCanonical(models.VenueOkx, s)] = struct{}{}
		}
	}
	return r
}

// Okx_LIQ_Start launches the websocket subscription worker.
func (r *Okx_LIQ_Reader) Okx_LIQ_Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("okx liquidation reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Okx.Liquidation
	log := r.log.WithComponent("okx_liq_reader").WithFields(logger.Fields{
		"operation": "Okx_LIQ_Start",
	})

	if !cfg.Enabled {
		log.Warn("okx liquidation stream disabled via configuration")
		return fmt.Errorf("okx liquidation stream disabled")
	}
	if len(r.tracked) == 0 {
		for _, s := range cfg.Symbols {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				r.tracked[symbols.ToCanonical(models.VenueOkx, s)] = struct{}{}
			}
		}
		if len(r.tracked) == 0 {
			log.Warn("no symbols configured for okx liquidation reader")
			return fmt.Errorf("no symbols configured for okx liquidation reader")
		}
	}

	log.WithFields(logger.Fields{
		"tracked": len(r.tracked),
	}).Info("starting okx liquidation reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("okx liquidation reader started successfully")
	return nil
}

// Okx_LIQ_Stop waits for the stream worker to stop.
func (r *Okx_LIQ_Reader) Okx_LIQ_Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("okx_liq_reader").Info("stopping okx liquidation reader")
	r.wg.Wait()
	r.log.WithComponent("okx_liq_reader").Info("okx liquidation reader stopped")
}

func (r *Okx_LIQ_Reader) stream() {
	defer r.wg.Done()

	log := r.log.WithComponent("okx_liq_reader").WithFields(logger.Fields{
		"worker": "liquidation_stream",
	})

	cfg := r.config.Source.Okx.Liquidation
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		baseURL = "wss://ws.okx.com:8443/ws/v5/public"
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, baseURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to okx liquidation websocket, retrying")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		subMsg := map[string]any{
			"op": "subscribe",
			"args": []map[string]string{
				{"channel": "liquidation-orders", "instType": "SWAP"},
			},
		}
		if err := conn.WriteJSON(subMsg); err != nil {
			log.WithError(err).Warn("failed to send okx subscription, reconnecting")
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

		go func() {
			defer pingTicker.Stop()
			for {
				select {
				case <-pingCtx.Done():
					return
				case <-pingTicker.C:
					// okx expects a literal "ping" text frame
					conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
						log.WithError(err).Warn("failed to send okx ping")
						pingCancel()
						return
					}
				}
			}
		}()

	loop:
		for {
			if r.ctx.Err() != nil {
				_ = conn.Close()
				break loop
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				_ = conn.Close()
				log.WithError(err).Warn("okx liquidation stream error, reconnecting")
				break loop
			}

			if string(msg) == "pong" {
				conn.SetReadDeadline(time.Now().Add(35 * time.Second))
				continue
			}
			conn.SetReadDeadline(time.Now().Add(35 * time.Second))

			var frame struct {
				Event string `json:"event"`
				Arg   struct {
					Channel string `json:"channel"`
				} `json:"arg"`
				Data []struct {
					InstID string `json:"instId"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				log.WithError(err).Debug("failed to unmarshal okx frame, skipping message")
				continue
			}
			if frame.Event == "error" {
				log.WithFields(logger.Fields{"payload": string(msg)}).Warn("okx subscription error")
				continue
			}
			if frame.Arg.Channel != "liquidation-orders" || len(frame.Data) == 0 {
				continue
			}

			sym := symbols.ToCanonical(models.VenueOkx, frame.Data[0].InstID)
			if _, ok := r.tracked[sym]; !ok {
				continue
			}

			r.forwardMessage(msg, sym, log)
		}

		pingCancel()
		select {
		case <-time.After(2 * time.Second):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Okx_LIQ_Reader) forwardMessage(payload []byte, symbol string, log *logger.Entry) {
	data := append([]byte(nil), payload...)

	msg := models.RawLiquidationMessage{
		Venue:     models.VenueOkx,
		Symbol:    symbol,
		Payload:   data,
		Timestamp: time.Now(),
	}

	if r.channels.SendRaw(r.ctx, msg) {
		log.WithFields(logger.Fields{
			"payload_bytes": len(payload),
		}).Debug("forwarded okx liquidation event to raw channel")
	} else if r.ctx.Err() != nil {
		return
	} else {
		metrics.EmitDropMetric(r.log, metrics.DropMetricLiquidationRaw, models.VenueOkx, symbol, "raw")
		log.Warn("liquidation raw channel full, dropping okx message")
	}
}
