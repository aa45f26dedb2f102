// Package twap schedules paired TWAP plans as timed slices.
package twap

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

// SliceExecutor is the slice of the executor the scheduler dispatches into.
type SliceExecutor interface {
	ExecuteLegs(ctx context.Context, planID string, legs [2]schema.LegSpec, qty decimal.Decimal) schema.ExecutionRecord
}

// Config tunes plan validation.
type Config struct {
	// MinInterval is the smallest allowed slice interval.
	MinInterval time.Duration
}

func (c Config) normalize() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 500 * time.Millisecond
	}
	return c
}

// Scheduler owns all TWAP plans. One loop wakes for whichever running plan
// is due next; a slice failure keeps the cadence and the failed quantity is
// retried on the following tick. Cancellation lands at a tick boundary: an
// in-flight slice completes, no further slice dispatches.
type Scheduler struct {
	cfg   Config
	store store.Store
	bus   bus.Bus
	exec  SliceExecutor

	mu       sync.Mutex
	plans    map[string]*schema.TwapPlan
	inflight map[string]bool

	wake chan struct{}
}

// New wires the scheduler.
func New(cfg Config, st store.Store, b bus.Bus, exec SliceExecutor) *Scheduler {
	return &Scheduler{
		cfg:      cfg.normalize(),
		store:    st,
		bus:      b,
		exec:     exec,
		plans:    make(map[string]*schema.TwapPlan),
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

// Load restores persisted plans. Running plans whose next dispatch already
// passed resume on the next tick rather than bursting missed slices.
func (s *Scheduler) Load(ctx context.Context) error {
	plans, err := s.store.LoadPlans(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range plans {
		plan := plans[i]
		if plan.State == schema.TwapRunning && plan.Progress.NextDispatchTs.Before(now) {
			plan.Progress.NextDispatchTs = now.Add(plan.Interval)
		}
		s.plans[plan.PlanID] = &plan
	}
	observability.Log().Info("twap plans restored", observability.F("count", len(s.plans)))
	return nil
}

// Create validates and persists a new running plan. The first slice
// dispatches immediately.
func (s *Scheduler) Create(ctx context.Context, plan schema.TwapPlan) (schema.TwapPlan, error) {
	plan.Legs[0] = plan.Legs[0].Normalize(schema.SideBuy)
	plan.Legs[1] = plan.Legs[1].Normalize(schema.SideSell)
	plan.SlicesTotal = schema.ComputeSlicesTotal(plan.TotalQty, plan.SliceQty)
	if err := plan.Validate(s.cfg.MinInterval); err != nil {
		return schema.TwapPlan{}, err
	}

	now := time.Now().UTC()
	plan.PlanID = uuid.NewString()
	plan.State = schema.TwapRunning
	plan.CreatedAt = now
	plan.Progress = schema.TwapProgress{
		Remaining:      plan.TotalQty,
		NextDispatchTs: now,
	}

	if err := s.store.SavePlan(ctx, plan); err != nil {
		return schema.TwapPlan{}, err
	}

	s.mu.Lock()
	stored := plan
	s.plans[plan.PlanID] = &stored
	s.mu.Unlock()

	s.publishState(ctx, plan.PlanID, "", schema.TwapRunning)
	s.kick()
	return plan, nil
}

// Get returns the plan by id.
func (s *Scheduler) Get(planID string) (schema.TwapPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return schema.TwapPlan{}, false
	}
	return *plan, true
}

// Snapshot returns a copy of all plans.
func (s *Scheduler) Snapshot() []schema.TwapPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.TwapPlan, 0, len(s.plans))
	for _, plan := range s.plans {
		out = append(out, *plan)
	}
	return out
}

// Pause suspends dispatch for a running plan.
func (s *Scheduler) Pause(ctx context.Context, planID string) (schema.TwapPlan, error) {
	return s.transition(ctx, planID, schema.TwapPaused)
}

// Resume restarts a paused plan; the next slice dispatches one interval out.
func (s *Scheduler) Resume(ctx context.Context, planID string) (schema.TwapPlan, error) {
	return s.transition(ctx, planID, schema.TwapRunning)
}

// Cancel aborts a plan.
func (s *Scheduler) Cancel(ctx context.Context, planID string) (schema.TwapPlan, error) {
	return s.transition(ctx, planID, schema.TwapCancelled)
}

func (s *Scheduler) transition(ctx context.Context, planID string, to schema.TwapState) (schema.TwapPlan, error) {
	s.mu.Lock()
	plan, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return schema.TwapPlan{}, errs.New("twap/transition", errs.CodeNotFound,
			errs.WithMessage("plan not found"))
	}
	from := plan.State
	if !schema.CanTransition(from, to) {
		s.mu.Unlock()
		return schema.TwapPlan{}, errs.New("twap/transition", errs.CodeConflict,
			errs.WithMessage(string(from)+" plans cannot move to "+string(to)))
	}
	plan.State = to
	if to == schema.TwapRunning {
		plan.Progress.NextDispatchTs = time.Now().UTC().Add(plan.Interval)
	}
	updated := *plan
	s.mu.Unlock()

	if err := s.store.SavePlan(ctx, updated); err != nil {
		return schema.TwapPlan{}, err
	}
	s.publishState(ctx, planID, from, to)
	s.kick()
	return updated, nil
}

// Run blocks until ctx is cancelled, dispatching slices as plans come due.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := time.Hour
	now := time.Now().UTC()
	for _, plan := range s.plans {
		if plan.State != schema.TwapRunning || s.inflight[plan.PlanID] {
			continue
		}
		d := plan.Progress.NextDispatchTs.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}
	return wait
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	due := make([]schema.TwapPlan, 0, 2)
	for _, plan := range s.plans {
		if plan.State != schema.TwapRunning || s.inflight[plan.PlanID] {
			continue
		}
		if !plan.Progress.NextDispatchTs.After(now) {
			// Cadence is fixed from the scheduled time, not the dispatch time.
			plan.Progress.NextDispatchTs = plan.Progress.NextDispatchTs.Add(plan.Interval)
			s.inflight[plan.PlanID] = true
			due = append(due, *plan)
		}
	}
	s.mu.Unlock()

	for _, plan := range due {
		p := plan
		go s.runSlice(ctx, p)
	}
}

func (s *Scheduler) runSlice(ctx context.Context, plan schema.TwapPlan) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, plan.PlanID)
		s.mu.Unlock()
		s.kick()
	}()

	qty := plan.SliceQtyFor()
	if !qty.IsPositive() {
		s.complete(ctx, plan.PlanID)
		return
	}

	rec := s.exec.ExecuteLegs(ctx, plan.PlanID, plan.Legs, qty)
	sliceIndex := plan.Progress.SlicesDone

	if rec.Status == schema.ExecStatusSuccess {
		s.advance(ctx, plan.PlanID, qty)
		s.publishSlice(ctx, schema.EventTwapSliceExecuted, plan.PlanID, sliceIndex, qty, rec, "")
		return
	}

	// Failed or partial slice: cadence holds, quantity is not consumed, the
	// next tick retries it.
	s.publishSlice(ctx, schema.EventTwapSliceFailed, plan.PlanID, sliceIndex, qty, rec,
		firstLegError(rec))
	observability.Log().Error("twap slice failed",
		observability.F("plan_id", plan.PlanID),
		observability.F("slice", sliceIndex),
		observability.F("status", string(rec.Status)))
}

func (s *Scheduler) advance(ctx context.Context, planID string, qty decimal.Decimal) {
	s.mu.Lock()
	plan, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return
	}
	plan.Progress.SlicesDone++
	plan.Progress.Remaining = plan.TotalQty.Sub(
		plan.SliceQty.Mul(decimal.NewFromInt(int64(plan.Progress.SlicesDone - 1))).Add(qty))
	finished := plan.Progress.SlicesDone >= plan.SlicesTotal || !plan.Progress.Remaining.IsPositive()
	var from schema.TwapState
	if finished && plan.State == schema.TwapRunning {
		from = plan.State
		plan.State = schema.TwapCompleted
	}
	updated := *plan
	s.mu.Unlock()

	if err := s.store.SavePlan(ctx, updated); err != nil {
		observability.Log().Error("twap plan persist failed",
			observability.F("plan_id", planID),
			observability.F("error", err))
	}
	if finished && from != "" {
		s.publishState(ctx, planID, from, schema.TwapCompleted)
	}
}

func (s *Scheduler) complete(ctx context.Context, planID string) {
	s.mu.Lock()
	plan, ok := s.plans[planID]
	if !ok || plan.State != schema.TwapRunning {
		s.mu.Unlock()
		return
	}
	from := plan.State
	plan.State = schema.TwapCompleted
	updated := *plan
	s.mu.Unlock()

	if err := s.store.SavePlan(ctx, updated); err != nil {
		observability.Log().Error("twap plan persist failed",
			observability.F("plan_id", planID),
			observability.F("error", err))
	}
	s.publishState(ctx, planID, from, schema.TwapCompleted)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publishState(ctx context.Context, planID string, from, to schema.TwapState) {
	if s.bus == nil {
		return
	}
	evt := schema.NewEvent(schema.EventTwapStateChanged,
		schema.TwapStatePayload{PlanID: planID, From: from, To: to})
	if err := s.bus.Publish(ctx, evt); err != nil {
		observability.Log().Error("publish twap state failed",
			observability.F("plan_id", planID),
			observability.F("error", err))
	}
}

func (s *Scheduler) publishSlice(ctx context.Context, typ schema.EventType, planID string, index int, qty decimal.Decimal, rec schema.ExecutionRecord, errMsg string) {
	if s.bus == nil {
		return
	}
	evt := schema.NewEvent(typ, schema.TwapSlicePayload{
		PlanID:     planID,
		SliceIndex: index,
		Qty:        qty,
		Status:     rec.Status,
		Error:      errMsg,
	})
	if err := s.bus.Publish(ctx, evt); err != nil {
		observability.Log().Error("publish twap slice failed",
			observability.F("plan_id", planID),
			observability.F("error", err))
	}
}

func firstLegError(rec schema.ExecutionRecord) string {
	if !rec.Leg1.Success && rec.Leg1.ErrorMessage != "" {
		return rec.Leg1.ErrorMessage
	}
	if !rec.Leg2.Success && rec.Leg2.ErrorMessage != "" {
		return rec.Leg2.ErrorMessage
	}
	return ""
}
