package metrics

import "cascadeflow/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricLiquidationRaw records dropped liquidation stream messages.
	DropMetricLiquidationRaw DropMetric = "liquidation_messages_dropped"
	// DropMetricPriceTick records dropped price tick messages.
	DropMetricPriceTick DropMetric = "price_tick_messages_dropped"
	// DropMetricMalformed records payloads rejected during normalisation.
	DropMetricMalformed DropMetric = "malformed_events_dropped"
	// DropMetricDuplicate records events rejected by the dedup window.
	DropMetricDuplicate DropMetric = "duplicate_events_dropped"
	// DropMetricStoreBackpressure records significant-event writes evicted from
	// the storage queue under backpressure.
	DropMetricStoreBackpressure DropMetric = "store_writes_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always incremented by one so callers should invoke this helper
// for each dropped message. Optional metadata (venue, symbol, stage) is added to
// the metric fields when provided which enables downstream aggregation per venue
// and stage.
func EmitDropMetric(log *logger.Log, metric DropMetric, venue, symbol, stage string) {
	fields := logger.Fields{}
	if venue != "" {
		fields["venue"] = venue
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
