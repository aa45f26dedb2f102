package venue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/schema"
)

const (
	// maxInflightSubmits bounds concurrent order submissions per venue.
	maxInflightSubmits = 10

	defaultSubmitRate = 5  // orders per second per venue
	defaultFetchRate  = 10 // REST reads per second per venue
)

// Manager fronts all adapter access. It owns per-venue rate limits, the
// in-flight submission bound, and reference-counted stream subscriptions so
// overlapping pairs share one topic.
type Manager struct {
	mu       sync.RWMutex
	adapters map[schema.VenueID]*managed
}

type managed struct {
	adapter Adapter

	submitLimiter *rate.Limiter
	fetchLimiter  *rate.Limiter
	inflight      chan struct{}

	subMu sync.Mutex
	subs  map[schema.MarketKey]int
}

// NewManager constructs an empty manager.
func NewManager() *Manager {
	return &Manager{adapters: make(map[schema.VenueID]*managed)}
}

// Register adds an adapter. Registering the same venue twice is a conflict.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := a.Name()
	if _, ok := m.adapters[name]; ok {
		return errs.New("venue/register", errs.CodeConflict,
			errs.WithVenue(string(name)), errs.WithMessage("venue already registered"))
	}
	m.adapters[name] = &managed{
		adapter:       a,
		submitLimiter: rate.NewLimiter(rate.Limit(defaultSubmitRate), defaultSubmitRate),
		fetchLimiter:  rate.NewLimiter(rate.Limit(defaultFetchRate), defaultFetchRate),
		inflight:      make(chan struct{}, maxInflightSubmits),
		subs:          make(map[schema.MarketKey]int),
	}
	return nil
}

// Venues lists the registered venue identifiers.
func (m *Manager) Venues() []schema.VenueID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.VenueID, 0, len(m.adapters))
	for name := range m.adapters {
		out = append(out, name)
	}
	return out
}

// Initialize brings up every registered adapter.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, entry := range m.adapters {
		if err := entry.adapter.Initialize(ctx); err != nil {
			return errs.New("venue/initialize", errs.CodeUnavailable,
				errs.WithVenue(string(name)), errs.WithCause(err))
		}
	}
	return nil
}

// Subscribe reference-counts stream subscriptions per market key: the first
// subscriber opens the topic, later ones share it.
func (m *Manager) Subscribe(ctx context.Context, key schema.MarketKey) error {
	entry, err := m.lookup(key.Venue)
	if err != nil {
		return err
	}
	entry.subMu.Lock()
	defer entry.subMu.Unlock()
	if entry.subs[key] == 0 {
		if err := entry.adapter.SubscribeTopOfBook(ctx, key); err != nil {
			return err
		}
	}
	entry.subs[key]++
	return nil
}

// Unsubscribe releases one reference; the topic closes when the last
// reference goes.
func (m *Manager) Unsubscribe(ctx context.Context, key schema.MarketKey) error {
	entry, err := m.lookup(key.Venue)
	if err != nil {
		return err
	}
	entry.subMu.Lock()
	defer entry.subMu.Unlock()
	switch entry.subs[key] {
	case 0:
		return nil
	case 1:
		delete(entry.subs, key)
		return entry.adapter.UnsubscribeTopOfBook(ctx, key)
	default:
		entry.subs[key]--
		return nil
	}
}

// FetchTopOfBook reads best bid/ask over REST, paced by the venue limiter.
func (m *Manager) FetchTopOfBook(ctx context.Context, key schema.MarketKey) (schema.Quote, error) {
	entry, err := m.lookup(key.Venue)
	if err != nil {
		return schema.Quote{}, err
	}
	if err := entry.fetchLimiter.Wait(ctx); err != nil {
		return schema.Quote{}, errs.New("venue/fetch", errs.CodeRateLimited,
			errs.WithVenue(string(key.Venue)), errs.WithCause(err))
	}
	return entry.adapter.FetchTopOfBook(ctx, key)
}

// SubmitOrder places an order through the venue adapter, respecting the
// submission rate limit and the in-flight bound.
func (m *Manager) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return schema.FailedResult(err), err
	}
	entry, err := m.lookup(req.Venue)
	if err != nil {
		return schema.FailedResult(err), err
	}

	select {
	case entry.inflight <- struct{}{}:
	case <-ctx.Done():
		err := errs.New("venue/submit", errs.CodeUnavailable,
			errs.WithVenue(string(req.Venue)), errs.WithCause(ctx.Err()))
		return schema.FailedResult(err), err
	}
	defer func() { <-entry.inflight }()

	if err := entry.submitLimiter.Wait(ctx); err != nil {
		lerr := errs.New("venue/submit", errs.CodeRateLimited,
			errs.WithVenue(string(req.Venue)), errs.WithCause(err))
		return schema.FailedResult(lerr), lerr
	}

	res, err := entry.adapter.SubmitOrder(ctx, req)
	if err != nil {
		observability.Log().Error("order submit failed",
			observability.F("venue", string(req.Venue)),
			observability.F("symbol", req.Symbol),
			observability.F("error", err))
	}
	return res, err
}

// Close tears down every adapter.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, entry := range m.adapters {
		if err := entry.adapter.Close(); err != nil {
			observability.Log().Error("adapter close failed",
				observability.F("venue", string(name)),
				observability.F("error", err))
		}
	}
}

func (m *Manager) lookup(venue schema.VenueID) (*managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.adapters[venue]
	if !ok {
		return nil, errs.New("venue/lookup", errs.CodeNotFound,
			errs.WithVenue(string(venue)), errs.WithMessage("venue not registered"))
	}
	return entry, nil
}
