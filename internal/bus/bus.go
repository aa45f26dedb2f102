// Package bus fans events out to in-process subscribers.
package bus

import (
	"context"

	"github.com/coachpo/straddle/internal/schema"
)

// SubscriptionID identifies an active subscription.
type SubscriptionID string

// Bus is the event fanout contract. Publishing never blocks on slow
// consumers: a subscriber whose backlog fills is dropped.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

const (
	defaultBufferSize    = 1024
	defaultFanoutWorkers = 4
)

// MemoryConfig tunes the in-memory bus.
type MemoryConfig struct {
	// BufferSize is the per-subscriber backlog. A subscriber that lets the
	// backlog fill is disconnected.
	BufferSize int
	// FanoutWorkers bounds concurrent deliveries per publish.
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = defaultFanoutWorkers
	}
	return c
}
