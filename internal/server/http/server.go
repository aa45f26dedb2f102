// Package httpserver exposes the REST control surface and the websocket
// push stream.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/registry"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/store"
	"github.com/coachpo/straddle/internal/twap"
	"github.com/coachpo/straddle/internal/venue"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath       = "/health"
	pairsPath        = "/api/pairs"
	pairDetailPrefix = pairsPath + "/"
	twapPath         = "/api/twap"
	twapDetailPrefix = twapPath + "/"
	pricesPrefix     = "/api/prices/"
	executionsPath   = "/api/executions"
	wsPath           = "/ws"

	defaultExecutionsLimit = 100
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Deps collects the engine components the API fronts.
type Deps struct {
	Registry *registry.Registry
	Twap     *twap.Scheduler
	Venues   *venue.Manager
	Store    store.Store
	Bus      bus.Bus
}

type httpServer struct {
	deps Deps
}

// NewHandler builds the API handler tree.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))

	mux.Handle(pairsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPairs,
		http.MethodPut: server.upsertPair,
	}))
	mux.Handle(pairDetailPrefix, http.HandlerFunc(server.handlePair))

	mux.Handle(twapPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listPlans,
		http.MethodPost: server.createPlan,
	}))
	mux.Handle(twapDetailPrefix, http.HandlerFunc(server.handlePlan))

	mux.Handle(pricesPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPrice,
	}))

	mux.Handle(executionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listExecutions,
	}))

	mux.Handle(wsPath, http.HandlerFunc(server.handleWS))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ts":     time.Now().UTC(),
	})
}

func (s *httpServer) listPairs(w http.ResponseWriter, _ *http.Request) {
	pairs := s.deps.Registry.Snapshot()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].CreatedAt.Before(pairs[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

func (s *httpServer) upsertPair(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var pair schema.MonitoringPair
	if err := decodeBody(r, &pair); err != nil {
		writeDecodeError(w, err)
		return
	}
	created := pair.PairID == ""
	saved, err := s.deps.Registry.Upsert(r.Context(), pair)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

// pairPatch carries the mutable subset of a monitoring pair. Absent fields
// keep their current values.
type pairPatch struct {
	Enabled   *bool            `json:"enabled,omitempty"`
	Threshold *decimal.Decimal `json:"threshold,omitempty"`
	SliceQty  *decimal.Decimal `json:"sliceQty,omitempty"`
	MaxExecs  *int             `json:"maxExecs,omitempty"`
}

func (s *httpServer) handlePair(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, pairDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "pair id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		pair, ok := s.deps.Registry.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "pair not found")
			return
		}
		writeJSON(w, http.StatusOK, pair)
	case http.MethodPatch:
		s.patchPair(w, r, id)
	case http.MethodDelete:
		if err := s.deps.Registry.Delete(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "pairId": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPatch)
	}
}

func (s *httpServer) patchPair(w http.ResponseWriter, r *http.Request, id string) {
	limitRequestBody(w, r)
	var patch pairPatch
	if err := decodeBody(r, &patch); err != nil {
		writeDecodeError(w, err)
		return
	}

	pair, ok := s.deps.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "pair not found")
		return
	}
	if patch.Enabled != nil {
		pair.Enabled = *patch.Enabled
	}
	if patch.Threshold != nil {
		pair.Threshold = *patch.Threshold
	}
	if patch.SliceQty != nil {
		pair.SliceQty = *patch.SliceQty
	}
	if patch.MaxExecs != nil {
		pair.MaxExecs = *patch.MaxExecs
	}

	saved, err := s.deps.Registry.Upsert(r.Context(), pair)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *httpServer) listPlans(w http.ResponseWriter, _ *http.Request) {
	plans := s.deps.Twap.Snapshot()
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// planPayload is the TWAP creation body. The interval is a Go duration
// string, e.g. "2s".
type planPayload struct {
	Legs     [2]schema.LegSpec `json:"legs"`
	TotalQty decimal.Decimal   `json:"totalQty"`
	SliceQty decimal.Decimal   `json:"sliceQty"`
	Interval string            `json:"interval"`
}

func (s *httpServer) createPlan(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload planPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	interval, err := time.ParseDuration(strings.TrimSpace(payload.Interval))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("interval: %v", err))
		return
	}

	plan, err := s.deps.Twap.Create(r.Context(), schema.TwapPlan{
		Legs:     payload.Legs,
		TotalQty: payload.TotalQty,
		SliceQty: payload.SliceQty,
		Interval: interval,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *httpServer) handlePlan(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, twapDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "plan id required")
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "plan id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		plan, ok := s.deps.Twap.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "plan not found")
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var plan schema.TwapPlan
	var err error
	switch strings.TrimSpace(action) {
	case "pause":
		plan, err = s.deps.Twap.Pause(r.Context(), id)
	case "start", "resume":
		plan, err = s.deps.Twap.Resume(r.Context(), id)
	case "cancel":
		plan, err = s.deps.Twap.Cancel(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *httpServer) getPrice(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, pricesPrefix), "/")
	venueName, symbol, ok := strings.Cut(rest, "/")
	if !ok || venueName == "" || symbol == "" {
		writeError(w, http.StatusNotFound, "venue and symbol required")
		return
	}

	key := schema.MarketKey{
		Venue:    schema.NormalizeVenue(venueName),
		Symbol:   schema.NormalizeSymbol(symbol),
		Category: schema.NormalizeCategory(r.URL.Query().Get("category")),
	}
	if err := key.Validate(); err != nil {
		writeEngineError(w, err)
		return
	}

	quote, err := s.deps.Venues.FetchTopOfBook(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *httpServer) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecutionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > store.ExecutionLogCap {
		limit = store.ExecutionLogCap
	}

	records, err := s.deps.Store.LoadExecutions(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if records == nil {
		records = []schema.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func decodeBody(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// writeEngineError translates the error taxonomy into an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]string{
		"status": "error",
		"code":   string(errs.CodeOf(err)),
		"error":  err.Error(),
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
