package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/schema"
)

// MemoryBus is the in-memory Bus implementation.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Event
	types  map[schema.EventType]bool
	once   sync.Once
}

func (s *subscriber) wants(typ schema.EventType) bool {
	return len(s.types) == 0 || s.types[typ]
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// NewMemoryBus constructs an in-memory bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.subscribers.dropped",
		metric.WithDescription("Number of subscribers dropped for slow consumption"),
		metric.WithUnit("{subscriber}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("bus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))

	return b
}

// Publish fans the event out to every matching subscriber. Delivery to one
// subscriber never blocks delivery to another; a subscriber whose backlog
// is full at delivery time is disconnected.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("bus/publish", errs.CodeValidation, errs.WithMessage("event type required"))
	}
	if evt.Ts.IsZero() {
		evt.Ts = time.Now().UTC()
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	b.mu.RLock()
	targets := make([]deliveryTarget, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		if sub.wants(evt.Type) {
			targets = append(targets, deliveryTarget{id: id, sub: sub})
		}
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(targets)), metric.WithAttributes(
			attribute.String("event_type", string(evt.Type))))
	}
	if len(targets) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, target := range targets {
		t := target
		p.Go(func() {
			b.deliver(ctx, t, evt)
		})
	}
	p.Wait()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(evt.Type))))
	}
	return nil
}

type deliveryTarget struct {
	id  SubscriptionID
	sub *subscriber
}

func (b *MemoryBus) deliver(ctx context.Context, t deliveryTarget, evt schema.Event) {
	select {
	case <-b.ctx.Done():
	case <-t.sub.ctx.Done():
	case t.sub.ch <- evt:
	default:
		observability.Log().Error("subscriberDropped",
			observability.F("subscription", string(t.id)),
			observability.F("backlog", b.cfg.BufferSize),
			observability.F("event_type", string(evt.Type)))
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event_type", string(evt.Type))))
		}
		b.Unsubscribe(t.id)
	}
}

// Subscribe registers a consumer for the given event types. An empty type
// list subscribes to everything. Cancelling ctx ends the subscription.
func (b *MemoryBus) Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan schema.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return "", nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan schema.Event, b.cfg.BufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[schema.EventType]bool, len(types))
		for _, typ := range types {
			if typ == "" {
				cancel()
				return "", nil, errs.New("bus/subscribe", errs.CodeValidation, errs.WithMessage("event type required"))
			}
			sub.types[typ] = true
		}
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(subCtx, 1)
	}

	go b.reap(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1)
	}
	sub.close()
}

// Close shuts down the bus and every subscription.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for id, sub := range b.subscribers {
			sub.close()
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) reap(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
		b.mu.Unlock()
		if b.subscriberGauge != nil {
			b.subscriberGauge.Add(context.Background(), -1)
		}
		sub.close()
		return
	}
	b.mu.Unlock()
	sub.close()
}
