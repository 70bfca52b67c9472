package storage

import (
	"context"
	"time"

	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

// Tiered routes engine outputs into the warm and durable tiers. It satisfies
// the engine sink contract: both callbacks are non-blocking, the store queue
// sheds oldest under pressure and the cache applies writes asynchronously.
type Tiered struct {
	cache   *SnapshotCache
	store   *EventStore
	rollups *Rollups
	log     *logger.Log
}

// TieredConfig wires the storage pipeline. Store may be disabled entirely,
// leaving a cache-only deployment.
type TieredConfig struct {
	Cache        CacheConfig
	Store        StoreConfig
	StoreEnabled bool
}

func NewTiered(cfg TieredConfig) (*Tiered, error) {
	cache, err := NewSnapshotCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	t := &Tiered{cache: cache, log: logger.GetLogger()}
	if cfg.StoreEnabled {
		store, err := NewEventStore(cfg.Store)
		if err != nil {
			// a dead durable tier is a warning, not a startup failure
			t.log.WithComponent("storage").WithError(err).Warn("event store unavailable, running cache-only")
		} else {
			t.store = store
			rollups, err := NewRollups(store)
			if err != nil {
				t.log.WithComponent("storage").WithError(err).Warn("rollups unavailable")
			} else {
				t.rollups = rollups
			}
		}
	}
	return t, nil
}

// Start launches the store workers and rollup scheduler.
func (t *Tiered) Start(ctx context.Context, rollupInterval time.Duration) error {
	if t.store != nil {
		if err := t.store.Start(ctx); err != nil {
			return err
		}
	}
	if t.rollups != nil {
		t.rollups.StartScheduler(ctx, rollupInterval)
	}
	return nil
}

func (t *Tiered) Stop() {
	if t.store != nil {
		t.store.Stop()
	}
	t.cache.Close()
}

// OnEvent folds the event into the cache aggregates and offers it to the
// durable tier.
func (t *Tiered) OnEvent(evt models.LiquidationEvent) {
	t.cache.AddEvent(evt)
	if t.store != nil {
		t.store.Offer(evt)
	}
}

// OnSignal caches the latest signal per symbol.
func (t *Tiered) OnSignal(sig models.CascadeSignal) {
	t.cache.PutSignal(sig)
}

// Cache exposes the warm tier for the API layer.
func (t *Tiered) Cache() *SnapshotCache { return t.cache }

// Store exposes the durable tier, nil when disabled or unavailable.
func (t *Tiered) Store() *EventStore { return t.store }

// RollupStore exposes the rollup tier, nil when the store is down.
func (t *Tiered) RollupStore() *Rollups { return t.rollups }
