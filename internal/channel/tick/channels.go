package tick

import (
	"context"
	"sync"

	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels carries price ticks from the ticker readers to the regime
// detector. Ticks are advisory: a full buffer drops silently beyond the
// counter, the detector simply sees the next tick.
type Channels struct {
	Ticks chan models.PriceTick

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Ticks: make(chan models.PriceTick, bufferSize),
		log:   log,
	}

	log.WithComponent("tick_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("price tick channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Ticks)
	c.log.WithComponent("tick_channels").Info("price tick channels closed")
}

func (c *Channels) Send(ctx context.Context, t models.PriceTick) bool {
	select {
	case c.Ticks <- t:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
