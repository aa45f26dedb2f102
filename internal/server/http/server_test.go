package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/registry"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/store"
	"github.com/coachpo/straddle/internal/twap"
	"github.com/coachpo/straddle/internal/venue"
)

type fakeAdapter struct {
	name  schema.VenueID
	quote schema.Quote
}

func (f *fakeAdapter) Name() schema.VenueID                { return f.name }
func (f *fakeAdapter) Initialize(context.Context) error    { return nil }
func (f *fakeAdapter) Close() error                        { return nil }
func (f *fakeAdapter) SubscribeTopOfBook(context.Context, schema.MarketKey) error {
	return nil
}
func (f *fakeAdapter) UnsubscribeTopOfBook(context.Context, schema.MarketKey) error {
	return nil
}
func (f *fakeAdapter) FetchTopOfBook(_ context.Context, key schema.MarketKey) (schema.Quote, error) {
	q := f.quote
	q.Venue = key.Venue
	q.Symbol = key.Symbol
	q.Category = key.Category
	return q, nil
}
func (f *fakeAdapter) SubmitOrder(context.Context, schema.OrderRequest) (schema.OrderResult, error) {
	return schema.OrderResult{Success: true}, nil
}

type sliceExecStub struct{}

func (sliceExecStub) ExecuteLegs(_ context.Context, planID string, _ [2]schema.LegSpec, qty decimal.Decimal) schema.ExecutionRecord {
	return schema.ExecutionRecord{PlanID: planID, Qty: qty, Status: schema.ExecStatusSuccess}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)

	venues := venue.NewManager()
	require.NoError(t, venues.Register(&fakeAdapter{
		name: "bybit",
		quote: schema.Quote{
			BidPrice: dec("59990"), BidSize: dec("1"),
			AskPrice: dec("60000"), AskSize: dec("1"),
			SourceTs: time.Now().UTC(),
		},
	}))
	t.Cleanup(venues.Close)

	deps := Deps{
		Registry: registry.New(st, b, dec("0.000001")),
		Twap:     twap.New(twap.Config{MinInterval: 5 * time.Millisecond}, st, b, sliceExecStub{}),
		Venues:   venues,
		Store:    st,
		Bus:      b,
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decode[map[string]any](t, res)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, body["ts"])
}

func TestPairLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	pair := schema.MonitoringPair{
		Leg1:      schema.LegSpec{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot, Side: schema.SideBuy},
		Leg2:      schema.LegSpec{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategoryLinear, Side: schema.SideSell},
		Threshold: dec("0.1"),
		SliceQty:  dec("0.01"),
		MaxExecs:  5,
		Enabled:   true,
	}

	res := doJSON(t, http.MethodPut, srv.URL+"/api/pairs", pair)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decode[schema.MonitoringPair](t, res)
	require.NotEmpty(t, created.PairID)

	res, err := http.Get(srv.URL + "/api/pairs")
	require.NoError(t, err)
	listing := decode[map[string][]schema.MonitoringPair](t, res)
	require.Len(t, listing["pairs"], 1)

	res = doJSON(t, http.MethodPatch, srv.URL+"/api/pairs/"+created.PairID, map[string]any{
		"enabled":   false,
		"threshold": "0.25",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	patched := decode[schema.MonitoringPair](t, res)
	require.False(t, patched.Enabled)
	require.True(t, patched.Threshold.Equal(dec("0.25")))
	// Untouched fields survive the patch.
	require.Equal(t, 5, patched.MaxExecs)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/pairs/"+created.PairID, nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res, err = http.Get(srv.URL + "/api/pairs/" + created.PairID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestPairValidationSurfacesAs400(t *testing.T) {
	srv, _ := newTestServer(t)

	res := doJSON(t, http.MethodPut, srv.URL+"/api/pairs", schema.MonitoringPair{
		Leg1: schema.LegSpec{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot, Side: schema.SideBuy},
		// Leg2 missing, threshold and sliceQty zero.
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decode[map[string]string](t, res)
	require.Equal(t, "error", body["status"])
	require.NotEmpty(t, body["code"])
}

func TestTwapPlanLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	res := doJSON(t, http.MethodPost, srv.URL+"/api/twap", map[string]any{
		"legs": []schema.LegSpec{
			{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot},
			{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategoryLinear},
		},
		"totalQty": "1",
		"sliceQty": "0.5",
		"interval": "1h",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	plan := decode[schema.TwapPlan](t, res)
	require.NotEmpty(t, plan.PlanID)
	require.Equal(t, schema.TwapRunning, plan.State)

	res = doJSON(t, http.MethodPost, srv.URL+"/api/twap/"+plan.PlanID+"/pause", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	paused := decode[schema.TwapPlan](t, res)
	require.Equal(t, schema.TwapPaused, paused.State)

	res = doJSON(t, http.MethodPost, srv.URL+"/api/twap/"+plan.PlanID+"/cancel", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	// Terminal plans reject further transitions with a conflict.
	res = doJSON(t, http.MethodPost, srv.URL+"/api/twap/"+plan.PlanID+"/resume", nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodPost, srv.URL+"/api/twap/"+plan.PlanID+"/boost", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	res, err := http.Get(srv.URL + "/api/twap/" + plan.PlanID)
	require.NoError(t, err)
	detail := decode[schema.TwapPlan](t, res)
	require.Equal(t, schema.TwapCancelled, detail.State)
}

func TestTwapBadIntervalRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	res := doJSON(t, http.MethodPost, srv.URL+"/api/twap", map[string]any{
		"legs": []schema.LegSpec{
			{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot},
			{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategoryLinear},
		},
		"totalQty": "1",
		"sliceQty": "0.5",
		"interval": "soon",
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestPriceFetch(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/api/prices/bybit/btcusdt?category=spot")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	quote := decode[schema.Quote](t, res)
	require.Equal(t, schema.VenueID("bybit"), quote.Venue)
	require.Equal(t, "BTCUSDT", quote.Symbol)
	require.True(t, quote.AskPrice.Equal(dec("60000")))

	res, err = http.Get(srv.URL + "/api/prices/kraken/BTCUSD")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestExecutionsEndpoint(t *testing.T) {
	srv, deps := newTestServer(t)

	res, err := http.Get(srv.URL + "/api/executions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	empty := decode[map[string][]schema.ExecutionRecord](t, res)
	require.Empty(t, empty["executions"])

	require.NoError(t, deps.Store.AppendExecution(context.Background(), schema.ExecutionRecord{
		ID: "e1", Ts: time.Now().UTC(), Qty: dec("0.1"), Status: schema.ExecStatusSuccess,
	}))
	require.NoError(t, deps.Store.AppendExecution(context.Background(), schema.ExecutionRecord{
		ID: "e2", Ts: time.Now().UTC().Add(time.Second), Qty: dec("0.2"), Status: schema.ExecStatusFailed,
	}))

	res, err = http.Get(srv.URL + "/api/executions?limit=1")
	require.NoError(t, err)
	one := decode[map[string][]schema.ExecutionRecord](t, res)
	require.Len(t, one["executions"], 1)
	require.Equal(t, "e2", one["executions"][0].ID)

	res, err = http.Get(srv.URL + "/api/executions?limit=-3")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	res := doJSON(t, http.MethodPost, srv.URL+"/api/pairs", nil)
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	require.Contains(t, res.Header.Get("Allow"), http.MethodPut)
	res.Body.Close()
}
