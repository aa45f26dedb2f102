// Package executor submits paired orders and records their outcomes.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/registry"
	"github.com/coachpo/straddle/internal/risk"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/store"
)

// OrderSubmitter is the slice of the venue manager the executor needs.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderResult, error)
}

// Executor runs paired executions with single-flight per pair. A partial
// fill (one leg filled, one not) is recorded and reported but never hedged
// or retried automatically; the operator decides how to unwind.
type Executor struct {
	venues   OrderSubmitter
	registry *registry.Registry
	store    store.Store
	bus      bus.Bus
	risk     *risk.Manager

	mu       sync.Mutex
	inflight map[string]bool
}

// New wires the executor.
func New(venues OrderSubmitter, reg *registry.Registry, st store.Store, b bus.Bus, rm *risk.Manager) *Executor {
	return &Executor{
		venues:   venues,
		registry: reg,
		store:    st,
		bus:      b,
		risk:     rm,
		inflight: make(map[string]bool),
	}
}

// Busy reports whether an execution is in flight for the pair.
func (e *Executor) Busy(pairID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[pairID]
}

// ExecutePair runs one paired execution for a detected opportunity. While an
// execution is in flight for the pair, further triggers are dropped rather
// than queued.
func (e *Executor) ExecutePair(ctx context.Context, pair schema.MonitoringPair, opp schema.Opportunity) (schema.ExecutionRecord, error) {
	e.mu.Lock()
	if e.inflight[pair.PairID] {
		e.mu.Unlock()
		return schema.ExecutionRecord{}, errs.New("executor/pair", errs.CodeConflict,
			errs.WithMessage("execution already in flight"))
	}
	e.inflight[pair.PairID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, pair.PairID)
		e.mu.Unlock()
	}()

	leg1Ref := priceFor(pair.Leg1.Side, opp.Leg1Quote)
	leg2Ref := priceFor(pair.Leg2.Side, opp.Leg2Quote)

	leg1, leg2 := e.submitLegs(ctx, pair.Leg1, pair.Leg2, pair.SliceQty, leg1Ref, leg2Ref)
	status := schema.ClassifyOutcome(leg1.OrderResult, leg2.OrderResult)

	rec := schema.ExecutionRecord{
		ID:     uuid.NewString(),
		PairID: pair.PairID,
		Ts:     time.Now().UTC(),
		Leg1:   leg1,
		Leg2:   leg2,
		Qty:    pair.SliceQty,
		Status: status,
	}
	if err := e.store.AppendExecution(ctx, rec); err != nil {
		observability.Log().Error("execution log append failed",
			observability.F("pair_id", pair.PairID),
			observability.F("error", err))
	}
	if err := e.registry.RecordTrigger(ctx, pair.PairID, status); err != nil {
		observability.Log().Error("trigger accounting failed",
			observability.F("pair_id", pair.PairID),
			observability.F("error", err))
	}
	e.publishOutcome(ctx, rec)
	return rec, nil
}

// ExecuteLegs submits one paired slice outside pair accounting. Used by the
// TWAP scheduler, which owns its own quota and state machine.
func (e *Executor) ExecuteLegs(ctx context.Context, planID string, legs [2]schema.LegSpec, qty decimal.Decimal) schema.ExecutionRecord {
	leg1, leg2 := e.submitLegs(ctx, legs[0], legs[1], qty, decimal.Zero, decimal.Zero)
	rec := schema.ExecutionRecord{
		ID:     uuid.NewString(),
		PlanID: planID,
		Ts:     time.Now().UTC(),
		Leg1:   leg1,
		Leg2:   leg2,
		Qty:    qty,
		Status: schema.ClassifyOutcome(leg1.OrderResult, leg2.OrderResult),
	}
	if err := e.store.AppendExecution(ctx, rec); err != nil {
		observability.Log().Error("execution log append failed",
			observability.F("plan_id", planID),
			observability.F("error", err))
	}
	return rec
}

// submitLegs fires both legs concurrently and waits for both outcomes.
func (e *Executor) submitLegs(ctx context.Context, spec1, spec2 schema.LegSpec, qty decimal.Decimal, ref1, ref2 decimal.Decimal) (schema.LegOutcome, schema.LegOutcome) {
	req1 := legOrder(spec1, qty)
	req2 := legOrder(spec2, qty)

	var leg1, leg2 schema.LegOutcome
	var wg conc.WaitGroup
	wg.Go(func() {
		leg1 = e.submitOne(ctx, spec1, req1, ref1)
	})
	wg.Go(func() {
		leg2 = e.submitOne(ctx, spec2, req2, ref2)
	})
	wg.Wait()
	return leg1, leg2
}

func (e *Executor) submitOne(ctx context.Context, spec schema.LegSpec, req schema.OrderRequest, refPrice decimal.Decimal) schema.LegOutcome {
	outcome := schema.LegOutcome{LegSpec: spec, SubmittedAt: time.Now().UTC()}
	if err := e.risk.CheckOrder(ctx, req, refPrice); err != nil {
		outcome.OrderResult = schema.FailedResult(err)
		return outcome
	}
	res, err := e.venues.SubmitOrder(ctx, req)
	if err != nil && res.ErrorCode == "" {
		res = schema.FailedResult(err)
	}
	outcome.OrderResult = res
	return outcome
}

func (e *Executor) publishOutcome(ctx context.Context, rec schema.ExecutionRecord) {
	if e.bus == nil {
		return
	}
	payload := schema.ArbitrageExecutedPayload{
		PairID:      rec.PairID,
		Success:     rec.Status == schema.ExecStatusSuccess,
		Status:      rec.Status,
		Leg1OrderID: rec.Leg1.OrderID,
		Leg2OrderID: rec.Leg2.OrderID,
	}
	if rec.Status == schema.ExecStatusPartial {
		payload.PartialFill = true
		if rec.Leg1.Success {
			payload.FilledLeg = 1
		} else {
			payload.FilledLeg = 2
		}
	}
	if rec.Status != schema.ExecStatusSuccess {
		payload.Error = firstError(rec.Leg1.OrderResult, rec.Leg2.OrderResult)
	}
	if err := e.bus.Publish(ctx, schema.NewEvent(schema.EventArbitrageExecuted, payload)); err != nil {
		observability.Log().Error("publish execution event failed",
			observability.F("pair_id", rec.PairID),
			observability.F("error", err))
	}
}

func legOrder(spec schema.LegSpec, qty decimal.Decimal) schema.OrderRequest {
	return schema.OrderRequest{
		Venue:    spec.Venue,
		Symbol:   spec.Symbol,
		Category: spec.Category,
		Side:     spec.Side,
		Qty:      qty,
		Type:     schema.OrderTypeMarket,
	}
}

// priceFor picks the quote side the leg would trade against.
func priceFor(side schema.Side, q schema.Quote) decimal.Decimal {
	if side == schema.SideBuy {
		return q.AskPrice
	}
	return q.BidPrice
}

func firstError(results ...schema.OrderResult) string {
	for _, r := range results {
		if !r.Success && r.ErrorMessage != "" {
			return r.ErrorMessage
		}
	}
	return ""
}
