package markprice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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

	"golang.org/x/time/rate"
)

// Poller fetches mark prices over REST on a fixed interval, backing up the
// websocket ticker feed for venues without a ticker stream. Requests are rate
// limited across all symbols with a shared token bucket.
type Poller struct {
	config   *appconfig.Config
	channels *tick.Channels
	client   *http.Client
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
}

// NewPoller constructs a mark price poller from the mark_price source config.
func NewPoller(cfg *appconfig.Config, ch *tick.Channels) *Poller {
	mp := cfg.Source.MarkPrice

	rps := 2.0
	burst := 4
	if mp != nil {
		if mp.RequestsPerSecond > 0 {
			rps = mp.RequestsPerSecond
		}
		if mp.Burst > 0 {
			burst = mp.Burst
		}
	}

	return &Poller{
		config:   cfg,
		channels: ch,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the polling worker.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("mark price poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	mp := p.config.Source.MarkPrice
	log := p.log.WithComponent("markprice_poller").WithFields(logger.Fields{
		"operation": "Start",
	})

	if mp == nil || !mp.Enabled {
		log.Warn("mark price poller disabled via configuration")
		return fmt.Errorf("mark price poller disabled")
	}
	if len(mp.Symbols) == 0 {
		log.Warn("no symbols configured for mark price poller")
		return fmt.Errorf("no symbols configured for mark price poller")
	}
	p.symbols = mp.Symbols

	interval := mp.Interval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	log.WithFields(logger.Fields{
		"symbols":  strings.Join(p.symbols, ","),
		"interval": interval.String(),
	}).Info("starting mark price poller")

	p.wg.Add(1)
	go p.pollLoop(interval)

	return nil
}

// Stop waits for the polling worker to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("markprice_poller").Info("stopping mark price poller")
	p.wg.Wait()
	p.log.WithComponent("markprice_poller").Info("mark price poller stopped")
}

func (p *Poller) pollLoop(interval time.Duration) {
	defer p.wg.Done()

	log := p.log.WithComponent("markprice_poller").WithFields(logger.Fields{
		"worker": "poll_loop",
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// prime immediately so the regime detector is not blind for a full interval
	p.pollOnce(log)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(log)
		}
	}
}

func (p *Poller) pollOnce(log *logger.Entry) {
	for _, symbol := range p.symbols {
		sym := strings.ToUpper(strings.TrimSpace(symbol))
		if sym == "" {
			continue
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		p.fetchSymbol(sym, log)
	}
}

func (p *Poller) fetchSymbol(symbol string, log *logger.Entry) {
	mp := p.config.Source.MarkPrice
	baseURL := strings.TrimRight(strings.TrimSpace(mp.URL), "/")
	if baseURL == "" {
		baseURL = "https://fapi.binance.com/fapi/v1/premiumIndex"
	}
	reqURL := fmt.Sprintf("%s?symbol=%s", baseURL, url.QueryEscape(symbol))

	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		log.WithError(err).Warn("failed to build mark price request")
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if p.ctx.Err() == nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("mark price request failed")
		}
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("failed to read mark price response")
		return
	}
	if resp.StatusCode != http.StatusOK {
		log.WithFields(logger.Fields{
			"symbol": symbol,
			"status": resp.StatusCode,
		}).Warn("mark price request returned non-200 status")
		return
	}

	var payload struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
		Time      int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("failed to decode mark price response")
		return
	}

	price, err := strconv.ParseFloat(payload.MarkPrice, 64)
	if err != nil || price <= 0 {
		log.WithFields(logger.Fields{"symbol": symbol}).Warn("mark price response missing a usable price")
		return
	}

	t := models.PriceTick{
		Venue:       models.VenueBinance,
		Symbol:      symbols.ToCanonical(models.VenueBinance, symbol),
		Price:       price,
		TimestampMs: payload.Time,
	}
	if t.TimestampMs == 0 {
		t.TimestampMs = time.Now().UnixMilli()
	}

	if !p.channels.Send(p.ctx, t) && p.ctx.Err() == nil {
		metrics.EmitDropMetric(p.log, metrics.DropMetricPriceTick, models.VenueBinance, symbol, "markprice")
	}
}
