package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS significant_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id TEXT NOT NULL,
	event_time_ms INTEGER NOT NULL,
	received_ms INTEGER NOT NULL,
	venue TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	price REAL NOT NULL,
	quantity REAL NOT NULL,
	notional_usd REAL NOT NULL,
	native_id TEXT NOT NULL,
	liquidated_addr TEXT NOT NULL DEFAULT '',
	liquidator_addr TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_symbol_time ON significant_events(symbol, event_time_ms);
CREATE INDEX IF NOT EXISTS idx_events_time ON significant_events(event_time_ms);
`

// StoreConfig bounds the significant-event store. Only events with notional
// at or above MinNotionalUSD are persisted; everything else lives and dies in
// the hot tiers.
type StoreConfig struct {
	Path           string
	MinNotionalUSD float64
	QueueSize      int
	BatchSize      int
	FlushInterval  time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
}

func (c *StoreConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = "cascade_events.db"
	}
	if c.MinNotionalUSD <= 0 {
		c.MinNotionalUSD = 100_000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8192
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

// EventStore is the durable tier for institutional-size liquidations. Writes
// go through a bounded queue flushed in batches off the hot path; when the
// queue is full the OLDEST queued event is discarded so the freshest data
// survives backpressure. A broken database degrades to warnings, detection
// never stops.
type EventStore struct {
	cfg StoreConfig
	db  *sql.DB
	log *logger.Log

	queue   chan models.LiquidationEvent
	dropped atomic.Int64
	written atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	unavailable atomic.Bool
}

func NewEventStore(cfg StoreConfig) (*EventStore, error) {
	cfg.applyDefaults()
	log := logger.GetLogger()

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event store schema: %w", err)
	}
	db.SetMaxOpenConns(1)

	log.WithComponent("event_store").WithFields(logger.Fields{
		"path":         cfg.Path,
		"min_notional": cfg.MinNotionalUSD,
		"retention":    cfg.Retention.String(),
	}).Info("significant-event store opened")

	return &EventStore{
		cfg:   cfg,
		db:    db,
		log:   log,
		queue: make(chan models.LiquidationEvent, cfg.QueueSize),
	}, nil
}

// Start launches the flush and retention workers.
func (s *EventStore) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("event store already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.flushWorker(ctx)
	s.wg.Add(1)
	go s.retentionWorker(ctx)
	return nil
}

// Stop drains the queue and closes the database.
func (s *EventStore) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.drain()
	s.db.Close()
	s.log.WithComponent("event_store").WithFields(logger.Fields{
		"written": s.written.Load(),
		"dropped": s.dropped.Load(),
	}).Info("significant-event store stopped")
}

// Offer enqueues the event if it clears the significance threshold. A full
// queue sheds the oldest entry first.
func (s *EventStore) Offer(evt models.LiquidationEvent) bool {
	if evt.NotionalUSD < s.cfg.MinNotionalUSD {
		return false
	}
	for {
		select {
		case s.queue <- evt:
			return true
		default:
		}
		select {
		case old := <-s.queue:
			s.dropped.Add(1)
			metrics.EmitDropMetric(s.log, metrics.DropMetricStoreBackpressure, old.Venue, old.Symbol, "store_queue")
		default:
		}
	}
}

// Dropped reports events shed under queue backpressure.
func (s *EventStore) Dropped() int64 { return s.dropped.Load() }

// Written reports events persisted so far.
func (s *EventStore) Written() int64 { return s.written.Load() }

// Unavailable reports whether the last flush failed.
func (s *EventStore) Unavailable() bool { return s.unavailable.Load() }

func (s *EventStore) flushWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.LiquidationEvent, 0, s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				s.writeBatch(batch)
			}
			return
		case evt := <-s.queue:
			batch = append(batch, evt)
			if len(batch) >= s.cfg.BatchSize {
				s.writeBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.writeBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// drain persists whatever is still queued at shutdown.
func (s *EventStore) drain() {
	batch := make([]models.LiquidationEvent, 0, s.cfg.BatchSize)
	for {
		select {
		case evt := <-s.queue:
			batch = append(batch, evt)
			if len(batch) >= s.cfg.BatchSize {
				s.writeBatch(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.writeBatch(batch)
			}
			return
		}
	}
}

func (s *EventStore) writeBatch(batch []models.LiquidationEvent) {
	batchID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		s.flushFailed(err, batchID, len(batch))
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO significant_events
		(batch_id, event_time_ms, received_ms, venue, symbol, side, price, quantity, notional_usd, native_id, liquidated_addr, liquidator_addr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		s.flushFailed(err, batchID, len(batch))
		return
	}
	for i := range batch {
		evt := &batch[i]
		if _, err := stmt.Exec(batchID, evt.TimestampMs, evt.ReceivedMs, evt.Venue, evt.Symbol,
			string(evt.Side), evt.Price, evt.Quantity, evt.NotionalUSD, evt.NativeID,
			evt.Counterparty.Liquidated, evt.Counterparty.Liquidator); err != nil {
			stmt.Close()
			tx.Rollback()
			s.flushFailed(err, batchID, len(batch))
			return
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		s.flushFailed(err, batchID, len(batch))
		return
	}

	s.unavailable.Store(false)
	s.written.Add(int64(len(batch)))
	logger.IncrementStoreWrite(int64(len(batch)))
}

func (s *EventStore) flushFailed(err error, batchID string, size int) {
	s.unavailable.Store(true)
	s.log.WithComponent("event_store").WithError(err).WithFields(logger.Fields{
		"batch_id": batchID,
		"events":   size,
	}).Warn("event batch write failed, continuing without durable tier")
}

func (s *EventStore) retentionWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *EventStore) sweep() {
	cutoff := time.Now().Add(-s.cfg.Retention).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM significant_events WHERE event_time_ms < ?`, cutoff)
	if err != nil {
		s.log.WithComponent("event_store").WithError(err).Warn("retention sweep failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.WithComponent("event_store").WithFields(logger.Fields{
			"removed": n,
		}).Info("retention sweep removed expired events")
	}
}

// EventQuery filters QueryEvents. Zero fields are unconstrained.
type EventQuery struct {
	Symbol string
	Venue  string
	Side   models.Side
	FromMs int64
	ToMs   int64
	MinUSD float64
	Limit  int
}

// QueryEvents returns stored significant events newest first.
func (s *EventStore) QueryEvents(ctx context.Context, q EventQuery) ([]models.LiquidationEvent, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if q.Symbol != "" {
		where += " AND symbol = ?"
		args = append(args, q.Symbol)
	}
	if q.Venue != "" {
		where += " AND venue = ?"
		args = append(args, q.Venue)
	}
	if q.Side != "" {
		where += " AND side = ?"
		args = append(args, string(q.Side))
	}
	if q.FromMs > 0 {
		where += " AND event_time_ms >= ?"
		args = append(args, q.FromMs)
	}
	if q.ToMs > 0 {
		where += " AND event_time_ms <= ?"
		args = append(args, q.ToMs)
	}
	if q.MinUSD > 0 {
		where += " AND notional_usd >= ?"
		args = append(args, q.MinUSD)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT event_time_ms, received_ms, venue, symbol, side, price, quantity, notional_usd, native_id, liquidated_addr, liquidator_addr
		 FROM significant_events %s ORDER BY event_time_ms DESC LIMIT ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.LiquidationEvent
	for rows.Next() {
		var evt models.LiquidationEvent
		var side string
		if err := rows.Scan(&evt.TimestampMs, &evt.ReceivedMs, &evt.Venue, &evt.Symbol, &side,
			&evt.Price, &evt.Quantity, &evt.NotionalUSD, &evt.NativeID,
			&evt.Counterparty.Liquidated, &evt.Counterparty.Liquidator); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Side = models.Side(side)
		out = append(out, evt)
	}
	return out, rows.Err()
}
