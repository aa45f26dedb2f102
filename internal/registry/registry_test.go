package registry

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/store"
)

var minSliceQty = decimal.RequireFromString("0.000001")

func newRegistry(t *testing.T) (*Registry, bus.Bus, <-chan schema.Event) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	_, events, err := b.Subscribe(context.Background(),
		schema.EventPairAdded, schema.EventPairUpdated, schema.EventPairRemoved)
	require.NoError(t, err)
	return New(st, b, minSliceQty), b, events
}

func draftPair() schema.MonitoringPair {
	return schema.MonitoringPair{
		Leg1:      schema.LegSpec{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot},
		Leg2:      schema.LegSpec{Venue: "bybit", Symbol: "BTCUSDT", Category: "future"},
		Threshold: decimal.RequireFromString("0.05"),
		SliceQty:  decimal.RequireFromString("0.001"),
		MaxExecs:  2,
		Enabled:   true,
	}
}

func nextEvent(t *testing.T, events <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(time.Second):
		t.Fatal("expected event")
		return schema.Event{}
	}
}

func TestUpsertCreateNormalisesAndEmits(t *testing.T) {
	r, _, events := newRegistry(t)
	ctx := context.Background()

	created, err := r.Upsert(ctx, draftPair())
	require.NoError(t, err)
	require.NotEmpty(t, created.PairID)
	require.Equal(t, schema.SideBuy, created.Leg1.Side)
	require.Equal(t, schema.SideSell, created.Leg2.Side)
	require.Equal(t, schema.CategoryLinear, created.Leg2.Category)
	require.False(t, created.CreatedAt.IsZero())

	evt := nextEvent(t, events)
	require.Equal(t, schema.EventPairAdded, evt.Type)
}

func TestUpsertUpdatePreservesCounters(t *testing.T) {
	r, _, events := newRegistry(t)
	ctx := context.Background()

	created, err := r.Upsert(ctx, draftPair())
	require.NoError(t, err)
	nextEvent(t, events)

	require.NoError(t, r.RecordTrigger(ctx, created.PairID, schema.ExecStatusSuccess))

	update := created
	update.Threshold = decimal.RequireFromString("0.1")
	update.ExecsDone = 0 // callers cannot reset quota accounting
	updated, err := r.Upsert(ctx, update)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ExecsDone)
	require.Equal(t, 1, updated.TotalTriggers)
	require.True(t, updated.Threshold.Equal(decimal.RequireFromString("0.1")))

	evt := nextEvent(t, events)
	require.Equal(t, schema.EventPairUpdated, evt.Type)
}

func TestUpsertUnknownIDFails(t *testing.T) {
	r, _, _ := newRegistry(t)
	p := draftPair()
	p.PairID = "missing"
	_, err := r.Upsert(context.Background(), p)
	require.Error(t, err)
}

func TestDeleteEmitsPairRemoved(t *testing.T) {
	r, _, events := newRegistry(t)
	ctx := context.Background()

	created, err := r.Upsert(ctx, draftPair())
	require.NoError(t, err)
	nextEvent(t, events)

	require.NoError(t, r.Delete(ctx, created.PairID))
	evt := nextEvent(t, events)
	require.Equal(t, schema.EventPairRemoved, evt.Type)

	require.Error(t, r.Delete(ctx, created.PairID))
}

func TestRecordTriggerQuota(t *testing.T) {
	r, _, events := newRegistry(t)
	ctx := context.Background()

	created, err := r.Upsert(ctx, draftPair()) // MaxExecs: 2
	require.NoError(t, err)
	nextEvent(t, events)

	// Partial and failed outcomes never advance the quota.
	require.NoError(t, r.RecordTrigger(ctx, created.PairID, schema.ExecStatusPartial))
	require.NoError(t, r.RecordTrigger(ctx, created.PairID, schema.ExecStatusFailed))
	got, ok := r.Get(created.PairID)
	require.True(t, ok)
	require.Equal(t, 0, got.ExecsDone)
	require.Equal(t, 2, got.TotalTriggers)
	require.NotNil(t, got.LastTriggeredAt)

	require.NoError(t, r.RecordTrigger(ctx, created.PairID, schema.ExecStatusSuccess))
	require.NoError(t, r.RecordTrigger(ctx, created.PairID, schema.ExecStatusSuccess))

	// Quota hit: pair removed, one pairRemoved with the quota reason.
	_, ok = r.Get(created.PairID)
	require.False(t, ok)
	evt := nextEvent(t, events)
	require.Equal(t, schema.EventPairRemoved, evt.Type)
	payload, isPayload := evt.Data.(schema.PairLifecyclePayload)
	require.True(t, isPayload)
	require.Equal(t, ReasonQuotaExhausted, payload.Reason)

	// Late completion for the removed pair is a no-op, no second event.
	require.NoError(t, r.RecordTrigger(ctx, created.PairID, schema.ExecStatusSuccess))
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %s", extra.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoadNormalisesLegacyDocuments(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	legacy := draftPair()
	legacy.PairID = "legacy-1"
	legacy.CreatedAt = time.Now().UTC()
	// Persisted before side/category defaults existed.
	legacy.Leg1.Side = ""
	legacy.Leg2.Side = ""
	legacy.Leg2.Category = "future"
	require.NoError(t, st.SavePair(ctx, legacy))

	broken := legacy
	broken.PairID = "legacy-2"
	broken.SliceQty = decimal.Zero
	require.NoError(t, st.SavePair(ctx, broken))

	r := New(st, nil, minSliceQty)
	require.NoError(t, r.Load(ctx))

	restored, ok := r.Get("legacy-1")
	require.True(t, ok)
	require.Equal(t, schema.SideBuy, restored.Leg1.Side)
	require.Equal(t, schema.SideSell, restored.Leg2.Side)
	require.Equal(t, schema.CategoryLinear, restored.Leg2.Category)

	_, ok = r.Get("legacy-2")
	require.False(t, ok)
}

func TestSetEnabled(t *testing.T) {
	r, _, events := newRegistry(t)
	ctx := context.Background()

	created, err := r.Upsert(ctx, draftPair())
	require.NoError(t, err)
	nextEvent(t, events)

	updated, err := r.SetEnabled(ctx, created.PairID, false)
	require.NoError(t, err)
	require.False(t, updated.Enabled)
	require.Equal(t, schema.EventPairUpdated, nextEvent(t, events).Type)

	// No-op toggle emits nothing.
	_, err = r.SetEnabled(ctx, created.PairID, false)
	require.NoError(t, err)
	select {
	case evt := <-events:
		t.Fatalf("unexpected event %s", evt.Type)
	case <-time.After(20 * time.Millisecond):
	}

	_, err = r.SetEnabled(ctx, "missing", true)
	require.Error(t, err)
}
