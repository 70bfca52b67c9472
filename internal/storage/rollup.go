package storage

import (
	"context"
	"fmt"
	"time"

	"cascadeflow/logger"
)

const createRollupsTable = `
CREATE TABLE IF NOT EXISTS rollups (
	period TEXT NOT NULL,
	bucket_start_ms INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	venue TEXT NOT NULL,
	event_count INTEGER NOT NULL,
	notional_usd REAL NOT NULL,
	long_count INTEGER NOT NULL,
	short_count INTEGER NOT NULL,
	long_usd REAL NOT NULL,
	short_usd REAL NOT NULL,
	max_single_usd REAL NOT NULL,
	generated_ms INTEGER NOT NULL,
	PRIMARY KEY (period, bucket_start_ms, symbol, venue)
);
`

// RollupPeriod selects the aggregation granularity.
type RollupPeriod string

const (
	RollupHourly RollupPeriod = "hourly"
	RollupDaily  RollupPeriod = "daily"
)

func (p RollupPeriod) duration() time.Duration {
	if p == RollupDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Rollup is one aggregated bucket. Long and short components sum to the
// totals by construction of the aggregation query.
type Rollup struct {
	Period        RollupPeriod `json:"period"`
	BucketStartMs int64        `json:"bucket_start_ms"`
	Symbol        string       `json:"symbol"`
	Venue         string       `json:"venue"`
	EventCount    int64        `json:"event_count"`
	NotionalUSD   float64      `json:"notional_usd"`
	LongCount     int64        `json:"long_count"`
	ShortCount    int64        `json:"short_count"`
	LongUSD       float64      `json:"long_usd"`
	ShortUSD      float64      `json:"short_usd"`
	MaxSingleUSD  float64      `json:"max_single_usd"`
	GeneratedMs   int64        `json:"generated_ms"`
}

// Rollups derives hourly and daily aggregates from the significant-event
// store. Buckets are regenerable at any time: Generate overwrites the covered
// range, so a corrupted rollup is repaired by rerunning it.
type Rollups struct {
	store *EventStore
	log   *logger.Log
}

func NewRollups(store *EventStore) (*Rollups, error) {
	if _, err := store.db.Exec(createRollupsTable); err != nil {
		return nil, fmt.Errorf("create rollups schema: %w", err)
	}
	return &Rollups{store: store, log: logger.GetLogger()}, nil
}

// Generate recomputes every rollup bucket of the period that intersects
// [fromMs, toMs). Bucket boundaries snap outward to period multiples.
func (r *Rollups) Generate(ctx context.Context, period RollupPeriod, fromMs, toMs int64) (int, error) {
	size := period.duration().Milliseconds()
	fromMs = (fromMs / size) * size
	if toMs%size != 0 {
		toMs = (toMs/size + 1) * size
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rollup: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rollups WHERE period = ? AND bucket_start_ms >= ? AND bucket_start_ms < ?`,
		string(period), fromMs, toMs); err != nil {
		return 0, fmt.Errorf("clear rollup range: %w", err)
	}

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO rollups
		SELECT ?, (event_time_ms / ?) * ?, symbol, venue,
			COUNT(*), SUM(notional_usd),
			SUM(CASE WHEN side = 'LONG' THEN 1 ELSE 0 END),
			SUM(CASE WHEN side = 'SHORT' THEN 1 ELSE 0 END),
			SUM(CASE WHEN side = 'LONG' THEN notional_usd ELSE 0 END),
			SUM(CASE WHEN side = 'SHORT' THEN notional_usd ELSE 0 END),
			MAX(notional_usd), ?
		FROM significant_events
		WHERE event_time_ms >= ? AND event_time_ms < ?
		GROUP BY 2, symbol, venue`,
		string(period), size, size, now, fromMs, toMs)
	if err != nil {
		return 0, fmt.Errorf("generate rollups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rollups: %w", err)
	}

	n, _ := res.RowsAffected()
	r.log.WithComponent("rollups").WithFields(logger.Fields{
		"period":  string(period),
		"buckets": n,
	}).Info("rollups generated")
	return int(n), nil
}

// Query returns rollups for the symbol and period, oldest first. A zero toMs
// means now.
func (r *Rollups) Query(ctx context.Context, period RollupPeriod, symbol string, fromMs, toMs int64) ([]Rollup, error) {
	if toMs <= 0 {
		toMs = time.Now().UnixMilli()
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT period, bucket_start_ms, symbol, venue, event_count, notional_usd,
			long_count, short_count, long_usd, short_usd, max_single_usd, generated_ms
		FROM rollups
		WHERE period = ? AND symbol = ? AND bucket_start_ms >= ? AND bucket_start_ms < ?
		ORDER BY bucket_start_ms ASC, venue ASC`,
		string(period), symbol, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		var ru Rollup
		var p string
		if err := rows.Scan(&p, &ru.BucketStartMs, &ru.Symbol, &ru.Venue, &ru.EventCount,
			&ru.NotionalUSD, &ru.LongCount, &ru.ShortCount, &ru.LongUSD, &ru.ShortUSD,
			&ru.MaxSingleUSD, &ru.GeneratedMs); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		ru.Period = RollupPeriod(p)
		out = append(out, ru)
	}
	return out, rows.Err()
}

// StartScheduler regenerates the trailing hourly and daily buckets on a
// ticker, so the rollup table stays a bounded lag behind the event store.
func (r *Rollups) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UnixMilli()
				hour := time.Hour.Milliseconds()
				day := (24 * time.Hour).Milliseconds()
				if _, err := r.Generate(ctx, RollupHourly, now-2*hour, now); err != nil {
					r.log.WithComponent("rollups").WithError(err).Warn("hourly rollup failed")
				}
				if _, err := r.Generate(ctx, RollupDaily, now-2*day, now); err != nil {
					r.log.WithComponent("rollups").WithError(err).Warn("daily rollup failed")
				}
			}
		}
	}()
}
