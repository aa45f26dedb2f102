package twap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/store"
)

type fakeSliceExec struct {
	mu       sync.Mutex
	calls    []decimal.Decimal
	failures int // fail the first n slices
}

func (f *fakeSliceExec) ExecuteLegs(_ context.Context, planID string, _ [2]schema.LegSpec, qty decimal.Decimal) schema.ExecutionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, qty)
	status := schema.ExecStatusSuccess
	if len(f.calls) <= f.failures {
		status = schema.ExecStatusFailed
	}
	return schema.ExecutionRecord{
		ID:     "rec",
		PlanID: planID,
		Ts:     time.Now().UTC(),
		Qty:    qty,
		Status: status,
		Leg1:   schema.LegOutcome{OrderResult: schema.OrderResult{Success: status == schema.ExecStatusSuccess, ErrorMessage: "venue down"}},
		Leg2:   schema.LegOutcome{OrderResult: schema.OrderResult{Success: status == schema.ExecStatusSuccess}},
	}
}

func (f *fakeSliceExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSliceExec) last() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func draftPlan(total, slice string, interval time.Duration) schema.TwapPlan {
	return schema.TwapPlan{
		Legs: [2]schema.LegSpec{
			{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot},
			{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategoryLinear},
		},
		TotalQty: dec(total),
		SliceQty: dec(slice),
		Interval: interval,
	}
}

func newScheduler(t *testing.T, exec SliceExecutor) (*Scheduler, store.Store, <-chan schema.Event) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	_, events, err := b.Subscribe(context.Background(),
		schema.EventTwapStateChanged, schema.EventTwapSliceExecuted, schema.EventTwapSliceFailed)
	require.NoError(t, err)
	return New(Config{MinInterval: 5 * time.Millisecond}, st, b, exec), st, events
}

func collectUntil(t *testing.T, events <-chan schema.Event, pred func([]schema.Event) bool) []schema.Event {
	t.Helper()
	var seen []schema.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-events:
			seen = append(seen, evt)
			if pred(seen) {
				return seen
			}
		case <-deadline:
			t.Fatalf("condition not reached; saw %d events", len(seen))
		}
	}
}

func TestCreateValidatesAndStarts(t *testing.T) {
	s, st, events := newScheduler(t, &fakeSliceExec{})
	ctx := context.Background()

	plan, err := s.Create(ctx, draftPlan("1", "0.3", 50*time.Millisecond))
	require.NoError(t, err)
	require.NotEmpty(t, plan.PlanID)
	require.Equal(t, schema.TwapRunning, plan.State)
	require.Equal(t, 4, plan.SlicesTotal)
	require.Equal(t, schema.SideBuy, plan.Legs[0].Side)
	require.Equal(t, schema.SideSell, plan.Legs[1].Side)
	require.True(t, plan.Progress.Remaining.Equal(dec("1")))

	evt := <-events
	require.Equal(t, schema.EventTwapStateChanged, evt.Type)

	persisted, err := st.LoadPlans(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	// Interval below the floor is rejected.
	_, err = s.Create(ctx, draftPlan("1", "0.3", time.Millisecond))
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	// Slice larger than total is rejected.
	_, err = s.Create(ctx, draftPlan("0.1", "0.3", 50*time.Millisecond))
	require.Error(t, err)
}

func TestStateMachineEdges(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeSliceExec{})
	ctx := context.Background()

	plan, err := s.Create(ctx, draftPlan("10", "1", time.Hour))
	require.NoError(t, err)

	paused, err := s.Pause(ctx, plan.PlanID)
	require.NoError(t, err)
	require.Equal(t, schema.TwapPaused, paused.State)

	_, err = s.Resume(ctx, plan.PlanID)
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, plan.PlanID)
	require.NoError(t, err)
	require.Equal(t, schema.TwapCancelled, cancelled.State)

	// Terminal states reject every transition.
	_, err = s.Resume(ctx, plan.PlanID)
	require.Error(t, err)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))
	_, err = s.Pause(ctx, plan.PlanID)
	require.Error(t, err)

	_, err = s.Pause(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRunCompletesPlan(t *testing.T) {
	exec := &fakeSliceExec{}
	s, _, events := newScheduler(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	plan, err := s.Create(ctx, draftPlan("1", "0.4", 10*time.Millisecond))
	require.NoError(t, err)

	// Fanout delivery order is not guaranteed, so wait for the full set.
	collectUntil(t, events, func(evts []schema.Event) bool {
		var completed bool
		var slices int
		for _, evt := range evts {
			if p, ok := evt.Data.(schema.TwapStatePayload); ok && p.To == schema.TwapCompleted {
				completed = true
			}
			if evt.Type == schema.EventTwapSliceExecuted {
				slices++
			}
		}
		return completed && slices == 3 // 0.4 + 0.4 + 0.2
	})

	final, ok := s.Get(plan.PlanID)
	require.True(t, ok)
	require.Equal(t, schema.TwapCompleted, final.State)
	require.Equal(t, 3, final.Progress.SlicesDone)
	require.False(t, final.Progress.Remaining.IsPositive())

	// Last slice was capped by the remainder.
	require.True(t, exec.last().Equal(dec("0.2")))
}

func TestSliceFailureKeepsCadence(t *testing.T) {
	exec := &fakeSliceExec{failures: 1}
	s, _, events := newScheduler(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	plan, err := s.Create(ctx, draftPlan("0.4", "0.2", 10*time.Millisecond))
	require.NoError(t, err)

	seen := collectUntil(t, events, func(evts []schema.Event) bool {
		var completed bool
		var executed int
		for _, evt := range evts {
			if p, ok := evt.Data.(schema.TwapStatePayload); ok && p.To == schema.TwapCompleted {
				completed = true
			}
			if evt.Type == schema.EventTwapSliceExecuted {
				executed++
			}
		}
		return completed && executed == 2
	})

	failed := 0
	for _, evt := range seen {
		if evt.Type == schema.EventTwapSliceFailed {
			failed++
			payload, ok := evt.Data.(schema.TwapSlicePayload)
			require.True(t, ok)
			require.Equal(t, "venue down", payload.Error)
		}
	}
	require.Equal(t, 1, failed)

	final, _ := s.Get(plan.PlanID)
	require.Equal(t, 2, final.Progress.SlicesDone)
	require.Equal(t, 3, exec.count()) // one retry
}

func TestCancelStopsDispatch(t *testing.T) {
	exec := &fakeSliceExec{}
	s, _, _ := newScheduler(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	plan, err := s.Create(ctx, draftPlan("100", "0.1", 10*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return exec.count() > 0 },
		time.Second, time.Millisecond)

	_, err = s.Cancel(ctx, plan.PlanID)
	require.NoError(t, err)

	count := exec.count()
	time.Sleep(60 * time.Millisecond)
	// At most the in-flight slice completed after cancel.
	require.LessOrEqual(t, exec.count(), count+1)

	final, _ := s.Get(plan.PlanID)
	require.Equal(t, schema.TwapCancelled, final.State)
}

func TestLoadResumesWithoutBurst(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	stale := draftPlan("1", "0.5", time.Hour)
	stale.PlanID = "p-old"
	stale.State = schema.TwapRunning
	stale.SlicesTotal = 2
	stale.Progress = schema.TwapProgress{
		SlicesDone:     1,
		Remaining:      dec("0.5"),
		NextDispatchTs: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, st.SavePlan(ctx, stale))

	s := New(Config{}, st, nil, &fakeSliceExec{})
	require.NoError(t, s.Load(ctx))

	restored, ok := s.Get("p-old")
	require.True(t, ok)
	require.True(t, restored.Progress.NextDispatchTs.After(time.Now().UTC()))
	require.Equal(t, 1, restored.Progress.SlicesDone)
}
