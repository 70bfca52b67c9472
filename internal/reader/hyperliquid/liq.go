package hyperliquid

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

// Hyperliquid_LIQ_Reader streams the Hyperliquid trades feed, where forced
// fills surface alongside regular trades with both counterparty addresses.
// Each trade element is forwarded individually so the normalizer decodes a
// single fill per message.
type Hyperliquid_LIQ_Reader struct {
	config   *appconfig.Config
	channels *liq.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	coins    []string
}

// Hyperliquid_LIQ_NewReader constructs a new Hyperliquid liquidation reader.
// Coins are the venue-native bare coin names (BTC, ETH).
func Hyperliquid_LIQ_NewReader(cfg *appconfig.Config, ch *liq.Channels, coins []string) *Hyperliquid_LIQ_Reader {
	return &Hyperliquid_LIQ_Reader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		coins:    coins,
	}
}

// Hyperliquid_LIQ_Start launches one websocket subscription per coin.
func (r *Hyperliquid_LIQ_Reader) Hyperliquid_LIQ_Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("hyperliquid liquidation reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Hyperliquid.Liquidation
	log := r.log.WithComponent("hyperliquid_liq_reader").WithFields(logger.Fields{
		"operation": "Hyperliquid_LIQ_Start",
	})

	if !cfg.Enabled {
		log.Warn("hyperliquid liquidation stream disabled via configuration")
		return fmt.Errorf("hyperliquid liquidation stream disabled")
	}
	if len(r.coins) == 0 {
		if len(cfg.Symbols) == 0 {
			log.Warn("no coins configured for hyperliquid liquidation reader")
			return fmt.Errorf("no coins configured for hyperliquid liquidation reader")
		}
		r.coins = cfg.Symbols
	}

	log.WithFields(logger.Fields{
		"coins": strings.Join(r.coins, ","),
	}).Info("starting hyperliquid liquidation reader")

	for _, coin := range r.coins {
		c := strings.ToUpper(strings.TrimSpace(coin))
		if c == "" {
			continue
		}
		r.wg.Add(1)
		go r.streamCoin(c)
	}

	log.Info("hyperliquid liquidation reader started successfully")
	return nil
}

// Hyperliquid_LIQ_Stop waits for all coin workers to stop.
func (r *Hyperliquid_LIQ_Reader) Hyperliquid_LIQ_Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("hyperliquid_liq_reader").Info("stopping hyperliquid liquidation reader")
	r.wg.Wait()
	r.log.WithComponent("hyperliquid_liq_reader").Info("hyperliquid liquidation reader stopped")
}

func (r *Hyperliquid_LIQ_Reader) streamCoin(coin string) {
	defer r.wg.Done()

	log := r.log.WithComponent("hyperliquid_liq_reader").WithFields(logger.Fields{
		"coin":   coin,
		"worker": "liquidation_stream",
	})

	cfg := r.config.Source.Hyperliquid.Liquidation
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		baseURL = "wss://api.hyperliquid.xyz/ws"
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, baseURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to hyperliquid websocket, retrying")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		subMsg := map[string]any{
			"method": "subscribe",
			"subscription": map[string]string{
				"type": "trades",
				"coin": coin,
			},
		}
		if err := conn.WriteJSON(subMsg); err != nil {
			log.WithError(err).Warn("failed to send hyperliquid subscription, reconnecting")
			_ = conn.Close()
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		pingCtx, pingCancel := context.WithCancel(context.Background())
		pingTicker := time.NewTicker(45 * time.Second)

		go func() {
			defer pingTicker.Stop()
			for {
				select {
				case <-pingCtx.Done():
					return
				case <-pingTicker.C:
					// hyperliquid expects an application-level ping message
					conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
						log.WithError(err).Warn("failed to send hyperliquid ping")
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
				log.WithError(err).Warn("hyperliquid trades stream error, reconnecting")
				break loop
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			var frame struct {
				Channel string            `json:"channel"`
				Data    []json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				log.WithError(err).Debug("failed to unmarshal hyperliquid frame, skipping message")
				continue
			}
			if frame.Channel != "trades" {
				continue
			}

			for _, trade := range frame.Data {
				r.forwardMessage(trade, coin, log)
			}
		}

		pingCancel()
		select {
		case <-time.After(2 * time.Second):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Hyperliquid_LIQ_Reader) forwardMessage(payload []byte, coin string, log *logger.Entry) {
	data := append([]byte(nil), payload...)
	sym := symbols.ToCanonical(models.VenueHyperliquid, coin)

	msg := models.RawLiquidationMessage{
		Venue:     models.VenueHyperliquid,
		Symbol:    sym,
		Payload:   data,
		Timestamp: time.Now(),
	}

	if r.channels.SendRaw(r.ctx, msg) {
		log.WithFields(logger.Fields{
			"payload_bytes": len(payload),
		}).Debug("forwarded hyperliquid fill to raw channel")
	} else if r.ctx.Err() != nil {
		return
	} else {
		metrics.EmitDropMetric(r.log, metrics.DropMetricLiquidationRaw, models.VenueHyperliquid, sym, "raw")
		log.Warn("liquidation raw channel full, dropping hyperliquid message")
	}
}
