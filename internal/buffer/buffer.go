package buffer

import (
	"sync"
	"time"

	"cascadeflow/internal/models"
)

// IngestResult classifies the outcome of an Ingest call.
type IngestResult int

const (
	IngestOK IngestResult = iota
	IngestRejectedInvalid
	IngestRejectedFuture
	IngestRejectedStale
	IngestRejectedDuplicate
)

// Stats are cumulative per-buffer counters exposed for diagnostics.
type Stats struct {
	Ingested          int64
	DroppedInvalid    int64
	DroppedFuture     int64
	DroppedStale      int64
	DroppedDuplicate  int64
	Evicted           int64
}

// EventBuffer is the per-symbol hot store (L1). Events are kept ordered by
// exchange timestamp; entries older than the longest configured window are evicted
// opportunistically on ingest, bounding memory to O(window * rate). The
// engine shard owning the symbol is the only writer; the internal mutex only
// guards against concurrent diagnostic reads.
type EventBuffer struct {
	mu sync.Mutex

	symbol    string
	maxWindow time.Duration
	maxSkew   time.Duration
	dedupTTL  time.Duration

	events []models.LiquidationEvent
	head   int

	dedup       map[string]int64 // dedup key -> expiry, unix ms
	lastByVenue map[string]int64 // venue -> last event receive time, unix ms

	stats Stats

	// test hook; nil means time.Now
	now func() time.Time
}

// Config bounds the buffer. MaxWindow is the longest analytics window served
// by Snapshot; MaxFutureSkew rejects events stamped too far ahead of the
// local clock; DedupTTL bounds the (venue, native id) replay window.
type Config struct {
	MaxWindow     time.Duration
	MaxFutureSkew time.Duration
	DedupTTL      time.Duration
	InitialCap    int
}

func New(symbol string, cfg Config) *EventBuffer {
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = time.Minute
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = 5 * time.Minute
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Second
	}
	if cfg.InitialCap <= 0 {
		cfg.InitialCap = 256
	}
	return &EventBuffer{
		symbol:      symbol,
		maxWindow:   cfg.MaxWindow,
		maxSkew:     cfg.MaxFutureSkew,
		dedupTTL:    cfg.DedupTTL,
		events:      make([]models.LiquidationEvent, 0, cfg.InitialCap),
		dedup:       make(map[string]int64),
		lastByVenue: make(map[string]int64),
	}
}

func (b *EventBuffer) timeNow() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// SetClock overrides the buffer clock. Test use only.
func (b *EventBuffer) SetClock(now func() time.Time) { b.now = now }

// Ingest validates and appends one event. O(1) amortized, never touches I/O.
// Invalid, future-stamped and duplicate events are counted and dropped.
func (b *EventBuffer) Ingest(evt models.LiquidationEvent) IngestResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.timeNow()
	nowMs := now.UnixMilli()

	if evt.Price <= 0 || evt.Quantity <= 0 {
		b.stats.DroppedInvalid++
		return IngestRejectedInvalid
	}
	if evt.TimestampMs > nowMs+b.maxSkew.Milliseconds() {
		b.stats.DroppedFuture++
		return IngestRejectedFuture
	}
	if evt.TimestampMs < nowMs-b.maxWindow.Milliseconds() {
		// Already outside every window; admitting it would only poison the
		// ordering the window scans rely on.
		b.stats.DroppedStale++
		return IngestRejectedStale
	}

	key := evt.Venue + "|" + evt.NativeID
	if exp, ok := b.dedup[key]; ok && exp > nowMs {
		b.stats.DroppedDuplicate++
		return IngestRejectedDuplicate
	}
	b.dedup[key] = nowMs + b.dedupTTL.Milliseconds()

	b.evictLocked(nowMs)

	// Cross-venue jitter delivers events slightly out of order. Keep the live
	// region sorted by timestamp so the window and eviction scans can stop at
	// the first out-of-range entry; late events land near the tail, so the
	// shift is short.
	b.events = append(b.events, evt)
	for i := len(b.events) - 1; i > b.head && b.events[i-1].TimestampMs > b.events[i].TimestampMs; i-- {
		b.events[i-1], b.events[i] = b.events[i], b.events[i-1]
	}
	b.lastByVenue[evt.Venue] = nowMs
	b.stats.Ingested++
	return IngestOK
}

// Snapshot returns every buffered event newer than now-window in timestamp
// order. The returned slice aliases the buffer's backing array and is valid
// until the next Ingest; callers on the owning shard consume it synchronously.
func (b *EventBuffer) Snapshot(window time.Duration) []models.LiquidationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if window <= 0 || window > b.maxWindow {
		window = b.maxWindow
	}
	cutoff := b.timeNow().Add(-window).UnixMilli()

	live := b.events[b.head:]
	// The live region is timestamp-sorted, so the first out-of-window entry
	// from the tail bounds the result exactly.
	i := len(live)
	for i > 0 && live[i-1].TimestampMs >= cutoff {
		i--
	}
	return live[i:]
}

// Len reports the number of live events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events) - b.head
}

// Stats returns a copy of the cumulative counters.
func (b *EventBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// LastEventAges reports, per venue, how long ago the venue last delivered an
// event. Used by the health surface to flag stale venues.
func (b *EventBuffer) LastEventAges() map[string]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMs := b.timeNow().UnixMilli()
	out := make(map[string]time.Duration, len(b.lastByVenue))
	for venue, last := range b.lastByVenue {
		out[venue] = time.Duration(nowMs-last) * time.Millisecond
	}
	return out
}

func (b *EventBuffer) evictLocked(nowMs int64) {
	cutoff := nowMs - b.maxWindow.Milliseconds()
	for b.head < len(b.events) && b.events[b.head].TimestampMs < cutoff {
		b.head++
		b.stats.Evicted++
	}

	// Reclaim the dead prefix once it dominates the slice.
	if b.head > 0 && b.head*2 >= len(b.events) {
		n := copy(b.events, b.events[b.head:])
		b.events = b.events[:n]
		b.head = 0
	}

	// Dedup entries expire lazily alongside eviction.
	if len(b.dedup) > 4096 {
		for k, exp := range b.dedup {
			if exp <= nowMs {
				delete(b.dedup, k)
			}
		}
	}
}
