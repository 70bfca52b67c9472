package metrics

import (
	"context"
	"sync/atomic"
	"time"

	liqchannel "cascadeflow/internal/channel/liq"
	tickchannel "cascadeflow/internal/channel/tick"
	"cascadeflow/logger"
)

// Feature toggles for optional metric streams.
type Feature string

const (
	FeatureChannelSize Feature = "channel_size"
	FeatureCloudWatch  Feature = "cloudwatch"
)

var enabledFeatures atomic.Value // map[Feature]bool

// ConfigureFeatures replaces the enabled feature set.
func ConfigureFeatures(channelSize, cloudWatch bool) {
	enabledFeatures.Store(map[Feature]bool{
		FeatureChannelSize: channelSize,
		FeatureCloudWatch:  cloudWatch,
	})
}

// IsFeatureEnabled reports whether the given optional metric stream is on.
func IsFeatureEnabled(f Feature) bool {
	m, _ := enabledFeatures.Load().(map[Feature]bool)
	if m == nil {
		return false
	}
	return m[f]
}

// StartChannelSizeMetrics emits occupancy metrics for the raw liquidation and
// price tick channel buffers. Metrics are logged every `interval` until the
// context is cancelled. When interval <=0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, liq *liqchannel.Channels, ticks *tickchannel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if liq == nil && ticks == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if liq != nil {
					EmitMetric(log, component, "liq_raw_buffer_length", len(liq.Raw), "gauge", logger.Fields{
						"buffer":   "liq_raw",
						"capacity": cap(liq.Raw),
					})
				}
				if ticks != nil {
					EmitMetric(log, component, "tick_buffer_length", len(ticks.Ticks), "gauge", logger.Fields{
						"buffer":   "ticks",
						"capacity": cap(ticks.Ticks),
					})
				}
			}
		}
	}()
}
