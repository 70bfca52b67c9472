package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"cascadeflow/internal/buffer"
	liqchannel "cascadeflow/internal/channel/liq"
	tickchannel "cascadeflow/internal/channel/tick"
	"cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/internal/normalizer"
	"cascadeflow/internal/regime"
	"cascadeflow/internal/risk"
	"cascadeflow/internal/signal"
	"cascadeflow/internal/symbols"
	"cascadeflow/internal/velocity"
	"cascadeflow/logger"
)

// Sink receives the engine outputs. Implementations must not block: both
// callbacks run on shard goroutines inside the evaluation cycle.
type Sink interface {
	// OnEvent is called for every event accepted into a symbol buffer.
	OnEvent(evt models.LiquidationEvent)
	// OnSignal is called once per symbol per evaluation cycle.
	OnSignal(sig models.CascadeSignal)
}

// Config sizes the engine. Zero values take defaults.
type Config struct {
	Shards         int
	ShardQueueSize int
	Cadence        time.Duration

	// Symbols restricts processing to the listed canonical symbols. Empty
	// means accept everything the readers produce.
	Symbols []string

	Buffer   buffer.Config
	Velocity velocity.Config
	Risk     risk.Tunables
	Regime   regime.Tunables
	Signal   signal.Thresholds
}

func (c *Config) applyDefaults() {
	if c.Shards < 1 {
		c.Shards = 4
	}
	if c.ShardQueueSize < 1 {
		c.ShardQueueSize = 4096
	}
	if c.Cadence <= 0 {
		c.Cadence = 100 * time.Millisecond
	}
	if c.Risk == (risk.Tunables{}) {
		c.Risk = risk.DefaultTunables()
	}
}

// symbolState is every per-symbol component. It is owned by exactly one shard
// goroutine; only the components' own internal locks make the diagnostic
// reads safe.
type symbolState struct {
	buf *buffer.EventBuffer
	vel *velocity.Engine
	det *regime.Detector
	gen *signal.Generator
}

type shard struct {
	id     int
	events chan models.LiquidationEvent
	ticks  chan models.PriceTick

	mu     sync.RWMutex
	states map[string]*symbolState

	dropped int64
}

// Engine owns the full per-symbol analytics chain. Symbols are partitioned
// across a fixed set of shards by FNV hash, so each symbol has exactly one
// writer and no lock is ever taken across symbols.
type Engine struct {
	cfg    Config
	liqCh  *liqchannel.Channels
	tickCh *tickchannel.Channels
	bus    *signal.Bus
	sink   Sink
	shards []*shard
	filter map[string]struct{}

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func New(cfg Config, liqCh *liqchannel.Channels, tickCh *tickchannel.Channels, bus *signal.Bus, sink Sink) *Engine {
	cfg.applyDefaults()

	filter := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		filter[s] = struct{}{}
	}

	e := &Engine{
		cfg:    cfg,
		liqCh:  liqCh,
		tickCh: tickCh,
		bus:    bus,
		sink:   sink,
		filter: filter,
		log:    logger.GetLogger(),
	}
	for i := 0; i < cfg.Shards; i++ {
		e.shards = append(e.shards, &shard{
			id:     i,
			events: make(chan models.LiquidationEvent, cfg.ShardQueueSize),
			ticks:  make(chan models.PriceTick, cfg.ShardQueueSize),
			states: make(map[string]*symbolState),
		})
	}
	return e
}

// Start launches the dispatcher and one goroutine per shard.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	log := e.log.WithComponent("engine")
	log.WithFields(logger.Fields{
		"shards":  e.cfg.Shards,
		"cadence": e.cfg.Cadence.String(),
	}).Info("starting cascade engine")

	for _, s := range e.shards {
		e.wg.Add(1)
		go e.runShard(ctx, s)
	}

	e.wg.Add(1)
	go e.dispatchEvents(ctx)
	if e.tickCh != nil {
		e.wg.Add(1)
		go e.dispatchTicks(ctx)
	}
	return nil
}

// Stop waits for the dispatcher and shard goroutines to exit. The context
// passed to Start must already be cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
	e.log.WithComponent("engine").Info("cascade engine stopped")
}

func (e *Engine) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

func (e *Engine) accepts(symbol string) bool {
	if len(e.filter) == 0 {
		return true
	}
	_, ok := e.filter[symbol]
	return ok
}

// dispatchEvents normalizes raw payloads and routes them to the owning shard.
func (e *Engine) dispatchEvents(ctx context.Context) {
	defer e.wg.Done()
	log := e.log.WithComponent("engine")

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-e.liqCh.Raw:
			if !ok {
				return
			}
			evts, ok := normalizer.Normalize(raw)
			if !ok {
				metrics.EmitDropMetric(e.log, metrics.DropMetricMalformed, raw.Venue, raw.Symbol, "normalize")
				continue
			}
			logger.IncrementEventRead(len(raw.Payload))
			for _, evt := range evts {
				if !e.accepts(evt.Symbol) {
					continue
				}
				s := e.shardFor(evt.Symbol)
				select {
				case s.events <- evt:
				default:
					s.mu.Lock()
					s.dropped++
					s.mu.Unlock()
					metrics.EmitDropMetric(e.log, metrics.DropMetricLiquidationRaw, evt.Venue, evt.Symbol, "shard_queue")
					log.WithFields(logger.Fields{
						"shard":  s.id,
						"symbol": evt.Symbol,
					}).Warn("shard queue full, dropping event")
				}
			}
		}
	}
}

// dispatchTicks routes price ticks to the owning shard. Ticks are advisory
// and drop silently beyond the metric when a shard is saturated.
func (e *Engine) dispatchTicks(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-e.tickCh.Ticks:
			if !ok {
				return
			}
			t.Symbol = symbols.ToCanonical(t.Venue, t.Symbol)
			if !e.accepts(t.Symbol) {
				continue
			}
			s := e.shardFor(t.Symbol)
			select {
			case s.ticks <- t:
			default:
				metrics.EmitDropMetric(e.log, metrics.DropMetricPriceTick, t.Venue, t.Symbol, "shard_queue")
			}
		}
	}
}

func (e *Engine) runShard(ctx context.Context, s *shard) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.events:
			e.handleEvent(s, evt)
		case t := <-s.ticks:
			e.handleTick(s, t)
		case <-ticker.C:
			e.evaluate(s)
		}
	}
}

func (e *Engine) handleEvent(s *shard, evt models.LiquidationEvent) {
	st := e.state(s, evt.Symbol)
	switch st.buf.Ingest(evt) {
	case buffer.IngestOK:
		if e.sink != nil {
			e.sink.OnEvent(evt)
		}
	case buffer.IngestRejectedDuplicate:
		metrics.EmitDropMetric(e.log, metrics.DropMetricDuplicate, evt.Venue, evt.Symbol, "buffer")
	case buffer.IngestRejectedInvalid, buffer.IngestRejectedFuture, buffer.IngestRejectedStale:
		metrics.EmitDropMetric(e.log, metrics.DropMetricMalformed, evt.Venue, evt.Symbol, "buffer")
	}
}

func (e *Engine) handleTick(s *shard, t models.PriceTick) {
	st := e.state(s, t.Symbol)
	st.det.Update(t.Price, t.VolumeUSD24, t.SpreadBps)
}

// evaluate runs one cycle for every symbol the shard owns.
func (e *Engine) evaluate(s *shard) {
	s.mu.RLock()
	states := make([]*symbolState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.RUnlock()

	for _, st := range states {
		sig := st.gen.GenerateSignal()
		if e.sink != nil {
			e.sink.OnSignal(sig)
		}
	}
}

// state returns the symbol state, creating the full component chain on first
// sight of a new symbol.
func (e *Engine) state(s *shard, symbol string) *symbolState {
	s.mu.RLock()
	st, ok := s.states[symbol]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[symbol]; ok {
		return st
	}

	buf := buffer.New(symbol, e.cfg.Buffer)
	vel := velocity.NewEngine(symbol, buf, e.cfg.Velocity)
	det := regime.NewDetector(symbol, e.cfg.Regime)
	gen := signal.NewGenerator(symbol, vel, risk.NewCalculator(e.cfg.Risk), det, e.bus, e.cfg.Signal)
	st = &symbolState{buf: buf, vel: vel, det: det, gen: gen}
	s.states[symbol] = st

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"symbol": symbol,
		"shard":  s.id,
	}).Info("tracking new symbol")
	return st
}

// lookup finds an existing symbol state without creating one.
func (e *Engine) lookup(symbol string) *symbolState {
	s := e.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[symbol]
}

// LatestSignal returns the most recent signal for the symbol, or nil when the
// symbol is unknown or not yet evaluated.
func (e *Engine) LatestSignal(symbol string) *models.CascadeSignal {
	st := e.lookup(symbol)
	if st == nil {
		return nil
	}
	return st.gen.Latest()
}

// SignalHistory returns up to n recent signals for the symbol, newest first.
func (e *Engine) SignalHistory(symbol string, n int) []models.CascadeSignal {
	st := e.lookup(symbol)
	if st == nil {
		return nil
	}
	return st.gen.History(n)
}

// Snapshot returns the velocity view from the symbol's most recent evaluation
// cycle, or nil before the first. Sampling stays on the owning shard's fixed
// cadence; API reads never touch the velocity engine directly.
func (e *Engine) Snapshot(symbol string) *models.MultiTimeframeVelocity {
	st := e.lookup(symbol)
	if st == nil {
		return nil
	}
	return st.gen.Velocity()
}

// SymbolDiagnostics is the per-symbol health view served by the API.
type SymbolDiagnostics struct {
	Symbol        string                   `json:"symbol"`
	BufferLen     int                      `json:"buffer_len"`
	BufferStats   buffer.Stats             `json:"buffer_stats"`
	LastEventAges map[string]time.Duration `json:"last_event_ages"`
}

// Diagnostics is the engine-wide health snapshot.
type Diagnostics struct {
	Symbols       []SymbolDiagnostics      `json:"symbols"`
	ShardQueues   []int                    `json:"shard_queues"`
	ShardDropped  []int64                  `json:"shard_dropped"`
	ChannelStats  liqchannel.ChannelStats  `json:"liq_channel_stats"`
	TickStats     tickchannel.ChannelStats `json:"tick_channel_stats"`
	BusDropped    int64                    `json:"bus_dropped"`
	SymbolCount   int                      `json:"symbol_count"`
	GeneratedAtMs int64                    `json:"generated_at_ms"`
}

func (e *Engine) Diagnostics() Diagnostics {
	d := Diagnostics{GeneratedAtMs: time.Now().UnixMilli()}
	if e.liqCh != nil {
		d.ChannelStats = e.liqCh.GetStats()
	}
	if e.tickCh != nil {
		d.TickStats = e.tickCh.GetStats()
	}
	if e.bus != nil {
		d.BusDropped = e.bus.Dropped()
	}

	for _, s := range e.shards {
		d.ShardQueues = append(d.ShardQueues, len(s.events))
		s.mu.RLock()
		d.ShardDropped = append(d.ShardDropped, s.dropped)
		for sym, st := range s.states {
			d.Symbols = append(d.Symbols, SymbolDiagnostics{
				Symbol:        sym,
				BufferLen:     st.buf.Len(),
				BufferStats:   st.buf.Stats(),
				LastEventAges: st.buf.LastEventAges(),
			})
		}
		s.mu.RUnlock()
	}
	d.SymbolCount = len(d.Symbols)
	return d
}
