// Package registry owns the set of monitored pairs.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/store"
)

// ReasonQuotaExhausted marks a pairRemoved event caused by the execution
// quota reaching its limit rather than an operator delete.
const ReasonQuotaExhausted = "quotaExhausted"

// Registry is the single writer for monitoring pairs. All mutations persist
// before the call returns and before any event is emitted.
type Registry struct {
	store       store.Store
	bus         bus.Bus
	minSliceQty decimal.Decimal

	mu    sync.RWMutex
	pairs map[string]schema.MonitoringPair
}

// New constructs an empty registry bound to its store and event bus.
func New(st store.Store, b bus.Bus, minSliceQty decimal.Decimal) *Registry {
	return &Registry{
		store:       st,
		bus:         b,
		minSliceQty: minSliceQty,
		pairs:       make(map[string]schema.MonitoringPair),
	}
}

// Load restores persisted pairs. Legacy documents are normalised on the way
// in; rows that fail validation even after normalisation are skipped with a
// log line rather than aborting startup.
func (r *Registry) Load(ctx context.Context) error {
	pairs, err := r.store.LoadPairs(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pairs {
		p.Leg1 = p.Leg1.Normalize(schema.SideBuy)
		p.Leg2 = p.Leg2.Normalize(schema.SideSell)
		if err := p.Validate(r.minSliceQty); err != nil {
			observability.Log().Error("skipping invalid persisted pair",
				observability.F("pair_id", p.PairID),
				observability.F("error", err))
			continue
		}
		r.pairs[p.PairID] = p
	}
	observability.Log().Info("pairs restored", observability.F("count", len(r.pairs)))
	return nil
}

// Upsert validates and stores the pair. A missing PairID makes it a create
// with a generated id; an existing id makes it an update. The legs default to
// buy/sell when sides are absent. Mutating ExecsDone through Upsert is not
// allowed on updates.
func (r *Registry) Upsert(ctx context.Context, pair schema.MonitoringPair) (schema.MonitoringPair, error) {
	pair.Leg1 = pair.Leg1.Normalize(schema.SideBuy)
	pair.Leg2 = pair.Leg2.Normalize(schema.SideSell)

	r.mu.Lock()
	defer r.mu.Unlock()

	created := pair.PairID == ""
	if created {
		pair.PairID = uuid.NewString()
		pair.CreatedAt = time.Now().UTC()
		pair.ExecsDone = 0
		pair.TotalTriggers = 0
		pair.LastTriggeredAt = nil
	} else {
		prev, ok := r.pairs[pair.PairID]
		if !ok {
			return schema.MonitoringPair{}, errs.New("registry/upsert", errs.CodeNotFound,
				errs.WithMessage("pair not found"))
		}
		pair.CreatedAt = prev.CreatedAt
		pair.ExecsDone = prev.ExecsDone
		pair.TotalTriggers = prev.TotalTriggers
		pair.LastTriggeredAt = prev.LastTriggeredAt
	}

	if err := pair.Validate(r.minSliceQty); err != nil {
		return schema.MonitoringPair{}, err
	}
	if err := r.store.SavePair(ctx, pair); err != nil {
		return schema.MonitoringPair{}, err
	}
	r.pairs[pair.PairID] = pair

	evt := schema.EventPairUpdated
	if created {
		evt = schema.EventPairAdded
	}
	r.publish(ctx, evt, schema.PairLifecyclePayload{Pair: pair})
	return pair, nil
}

// Delete removes the pair and emits pairRemoved. Deleting an unknown id is
// a not-found error.
func (r *Registry) Delete(ctx context.Context, pairID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(ctx, pairID, "")
}

// SetEnabled toggles monitoring for the pair.
func (r *Registry) SetEnabled(ctx context.Context, pairID string, enabled bool) (schema.MonitoringPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[pairID]
	if !ok {
		return schema.MonitoringPair{}, errs.New("registry/toggle", errs.CodeNotFound,
			errs.WithMessage("pair not found"))
	}
	if pair.Enabled == enabled {
		return pair, nil
	}
	pair.Enabled = enabled
	if err := r.store.SavePair(ctx, pair); err != nil {
		return schema.MonitoringPair{}, err
	}
	r.pairs[pairID] = pair
	r.publish(ctx, schema.EventPairUpdated, schema.PairLifecyclePayload{Pair: pair})
	return pair, nil
}

// Get returns the pair by id.
func (r *Registry) Get(pairID string) (schema.MonitoringPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[pairID]
	return p, ok
}

// Snapshot returns a copy of all pairs.
func (r *Registry) Snapshot() []schema.MonitoringPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.MonitoringPair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// RecordTrigger books the outcome of a paired execution against the quota.
// Trigger accounting always advances; ExecsDone advances only on a fully
// successful execution. When the quota is exhausted the pair is removed and
// pairRemoved fires exactly once with ReasonQuotaExhausted.
func (r *Registry) RecordTrigger(ctx context.Context, pairID string, status schema.ExecStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[pairID]
	if !ok {
		// Pair removed between dispatch and completion; nothing to book.
		return nil
	}
	now := time.Now().UTC()
	pair.LastTriggeredAt = &now
	pair.TotalTriggers++
	if status == schema.ExecStatusSuccess {
		pair.ExecsDone++
	}

	if pair.Exhausted() {
		r.pairs[pairID] = pair
		return r.removeLocked(ctx, pairID, ReasonQuotaExhausted)
	}

	if err := r.store.SavePair(ctx, pair); err != nil {
		return err
	}
	r.pairs[pairID] = pair
	return nil
}

func (r *Registry) removeLocked(ctx context.Context, pairID, reason string) error {
	pair, ok := r.pairs[pairID]
	if !ok {
		return errs.New("registry/delete", errs.CodeNotFound, errs.WithMessage("pair not found"))
	}
	if err := r.store.DeletePair(ctx, pairID); err != nil {
		return err
	}
	delete(r.pairs, pairID)
	r.publish(ctx, schema.EventPairRemoved, schema.PairLifecyclePayload{Pair: pair, Reason: reason})
	if reason == ReasonQuotaExhausted {
		observability.Log().Info("pair quota exhausted",
			observability.F("pair_id", pairID),
			observability.F("execs_done", pair.ExecsDone))
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, typ schema.EventType, payload schema.PairLifecyclePayload) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, schema.NewEvent(typ, payload)); err != nil {
		observability.Log().Error("publish pair event failed",
			observability.F("event_type", string(typ)),
			observability.F("error", err))
	}
}
