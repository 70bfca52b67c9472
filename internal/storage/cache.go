package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"

	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

// CacheConfig sizes the hot aggregate cache. Entries are derived views;
// losing one to eviction only costs a recompute from the event buffer.
type CacheConfig struct {
	MaxCostBytes   int64
	NumCounters    int64
	TTL            time.Duration
	PriceBucketPct float64
	TimeBucket     time.Duration
}

func (c *CacheConfig) applyDefaults() {
	if c.MaxCostBytes <= 0 {
		c.MaxCostBytes = 32 << 20
	}
	if c.NumCounters <= 0 {
		c.NumCounters = 100_000
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.PriceBucketPct <= 0 {
		c.PriceBucketPct = 0.5
	}
	if c.TimeBucket <= 0 {
		c.TimeBucket = time.Minute
	}
}

// BucketAggregate accumulates events sharing a cache bucket. Counts and USD
// sums are carried together so the long/short split stays reconcilable with
// the total inside a single entry.
type BucketAggregate struct {
	Symbol      string  `json:"symbol"`
	Bucket      string  `json:"bucket"`
	Count       int64   `json:"count"`
	NotionalUSD float64 `json:"notional_usd"`
	LongCount   int64   `json:"long_count"`
	ShortCount  int64   `json:"short_count"`
	LongUSD     float64 `json:"long_usd"`
	ShortUSD    float64 `json:"short_usd"`
	UpdatedMs   int64   `json:"updated_ms"`
}

func (a *BucketAggregate) add(evt *models.LiquidationEvent) {
	a.Count++
	a.NotionalUSD += evt.NotionalUSD
	if evt.Side == models.SideLong {
		a.LongCount++
		a.LongUSD += evt.NotionalUSD
	} else {
		a.ShortCount++
		a.ShortUSD += evt.NotionalUSD
	}
	a.UpdatedMs = time.Now().UnixMilli()
}

// SnapshotCache is the warm tier: recent aggregates bucketed by price level
// and by time slice, plus the latest signal per symbol. Values are JSON blobs
// with byte size as ristretto cost.
type SnapshotCache struct {
	cache *ristretto.Cache
	cfg   CacheConfig
	log   *logger.Log
}

func NewSnapshotCache(cfg CacheConfig) (*SnapshotCache, error) {
	cfg.applyDefaults()

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("snapshot_cache").WithFields(logger.Fields{
		"max_cost_bytes": cfg.MaxCostBytes,
		"ttl":            cfg.TTL.String(),
	}).Info("snapshot cache initialized")

	return &SnapshotCache{cache: cache, cfg: cfg, log: log}, nil
}

// priceBucket quantizes a price into a percentage band so nearby fills share
// an aggregate. 50000.0 with a 0.5% band becomes band index round(log basis).
func (c *SnapshotCache) priceBucket(price float64) int64 {
	if price <= 0 {
		return 0
	}
	step := math.Log1p(c.cfg.PriceBucketPct / 100)
	return int64(math.Floor(math.Log(price) / step))
}

func (c *SnapshotCache) priceKey(symbol string, price float64, side models.Side) string {
	return fmt.Sprintf("price:%s:%d:%s", symbol, c.priceBucket(price), side)
}

func (c *SnapshotCache) timeKey(symbol string, tsMs int64) string {
	bucket := tsMs / c.cfg.TimeBucket.Milliseconds()
	return fmt.Sprintf("time:%s:%d", symbol, bucket)
}

func (c *SnapshotCache) signalKey(symbol string) string {
	return "signal:" + symbol
}

// AddEvent folds the event into its price-level and time-slice aggregates.
func (c *SnapshotCache) AddEvent(evt models.LiquidationEvent) {
	c.foldInto(c.priceKey(evt.Symbol, evt.Price, evt.Side), evt.Symbol, &evt)
	c.foldInto(c.timeKey(evt.Symbol, evt.TimestampMs), evt.Symbol, &evt)
}

// foldInto is a get-then-set read-modify-write. Ristretto applies Sets
// asynchronously, so a Get racing an unapplied Set can fold onto a stale
// aggregate and lose that increment. The buckets here are an approximate hot
// view; exact counts live in the in-memory buffers and the sqlite tier.
func (c *SnapshotCache) foldInto(key, symbol string, evt *models.LiquidationEvent) {
	agg := BucketAggregate{Symbol: symbol, Bucket: key}
	if raw, ok := c.cache.Get(key); ok {
		if data, ok := raw.([]byte); ok {
			// decode failure means a poisoned entry, start the bucket over
			_ = json.Unmarshal(data, &agg)
		}
	}
	agg.add(evt)

	data, err := json.Marshal(&agg)
	if err != nil {
		return
	}
	c.cache.SetWithTTL(key, data, int64(len(data)), c.cfg.TTL)
}

// PriceAggregate returns the aggregate covering the given price and side, or
// nil when the bucket is cold.
func (c *SnapshotCache) PriceAggregate(symbol string, price float64, side models.Side) *BucketAggregate {
	return c.get(c.priceKey(symbol, price, side))
}

// TimeAggregate returns the aggregate for the time slice containing tsMs.
func (c *SnapshotCache) TimeAggregate(symbol string, tsMs int64) *BucketAggregate {
	return c.get(c.timeKey(symbol, tsMs))
}

func (c *SnapshotCache) get(key string) *BucketAggregate {
	raw, ok := c.cache.Get(key)
	if !ok {
		return nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil
	}
	var agg BucketAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil
	}
	return &agg
}

// PutSignal stores the latest signal for the symbol.
func (c *SnapshotCache) PutSignal(sig models.CascadeSignal) {
	data, err := json.Marshal(&sig)
	if err != nil {
		return
	}
	c.cache.SetWithTTL(c.signalKey(sig.Symbol), data, int64(len(data)), c.cfg.TTL)
}

// LatestSignal returns the cached latest signal for the symbol, or nil.
func (c *SnapshotCache) LatestSignal(symbol string) *models.CascadeSignal {
	raw, ok := c.cache.Get(c.signalKey(symbol))
	if !ok {
		return nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil
	}
	var sig models.CascadeSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil
	}
	return &sig
}

// Wait flushes pending cache writes. Test helper; ristretto applies sets
// asynchronously.
func (c *SnapshotCache) Wait() {
	c.cache.Wait()
}

func (c *SnapshotCache) Close() {
	c.cache.Close()
}
