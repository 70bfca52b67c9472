package signal

import (
	"sync"
	"sync/atomic"

	"cascadeflow/internal/models"
)

// Topic selects a severity tier of the signal stream.
type Topic int

const (
	// TopicAll receives every published signal.
	TopicAll Topic = iota
	// TopicAlert receives signals at alert level and above.
	TopicAlert
	// TopicCritical receives signals at critical level and above.
	TopicCritical
)

func (t Topic) minLevel() models.SignalLevel {
	switch t {
	case TopicAlert:
		return models.SignalAlert
	case TopicCritical:
		return models.SignalCritical
	default:
		return models.SignalNone
	}
}

// Bus fans signals out to subscribers by severity tier. Publishing never
// blocks: a slow subscriber loses messages rather than stalling the
// evaluation cycle.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan models.CascadeSignal
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic][]chan models.CascadeSignal),
	}
}

// Subscribe returns a read-only channel delivering signals for the topic.
func (b *Bus) Subscribe(topic Topic, bufferSize int) <-chan models.CascadeSignal {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan models.CascadeSignal, bufferSize)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish broadcasts the signal to every topic whose severity floor it meets.
func (b *Bus) Publish(sig models.CascadeSignal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for topic, subs := range b.subs {
		if sig.Level < topic.minLevel() {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- sig:
			default:
				// slow consumer, dropping to protect the evaluation cycle
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many deliveries were skipped due to slow consumers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
