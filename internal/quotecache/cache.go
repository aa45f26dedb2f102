// Package quotecache stores the latest top-of-book per market key.
package quotecache

import (
	"math"
	"sync"
	"time"

	"github.com/coachpo/straddle/internal/schema"
)

const (
	// historyLen bounds the per-key recent-quote ring used for volatility
	// estimation only.
	historyLen = 64

	defaultObserverBuffer = 256
)

// Cache is the process-wide quote store. Consistency is per-key
// monotonicity on SourceTs; no cross-key snapshot is promised.
type Cache struct {
	mu      sync.RWMutex
	entries map[schema.MarketKey]*entry

	obsMu     sync.Mutex
	observers map[uint64]chan schema.Quote
	nextObsID uint64
}

type entry struct {
	mu      sync.Mutex
	quote   schema.Quote
	set     bool
	history ring
}

type ring struct {
	buf  [historyLen]schema.Quote
	head int
	size int
}

func (r *ring) push(q schema.Quote) {
	r.buf[r.head] = q
	r.head = (r.head + 1) % historyLen
	if r.size < historyLen {
		r.size++
	}
}

func (r *ring) snapshot() []schema.Quote {
	out := make([]schema.Quote, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += historyLen
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%historyLen])
	}
	return out
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:   make(map[schema.MarketKey]*entry),
		observers: make(map[uint64]chan schema.Quote),
	}
}

// Update stores the quote if it advances the per-key SourceTs timeline.
// Out-of-order updates are discarded and the call reports false.
func (c *Cache) Update(q schema.Quote) bool {
	if err := q.Validate(); err != nil {
		return false
	}
	if q.IngestTs.IsZero() {
		q.IngestTs = time.Now().UTC()
	}
	key := q.Key()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = new(entry)
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	if e.set && !q.SourceTs.After(e.quote.SourceTs) {
		e.mu.Unlock()
		return false
	}
	e.quote = q
	e.set = true
	e.history.push(q)
	e.mu.Unlock()

	c.broadcast(q)
	return true
}

// Get returns the latest quote for the key, if any.
func (c *Cache) Get(venue schema.VenueID, symbol string, category schema.Category) (schema.Quote, bool) {
	key := schema.MarketKey{Venue: venue, Symbol: symbol, Category: category}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return schema.Quote{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return schema.Quote{}, false
	}
	return e.quote, true
}

// History returns the recent quotes recorded for the key, oldest first.
func (c *Cache) History(key schema.MarketKey) []schema.Quote {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.snapshot()
}

// Volatility estimates recent relative mid-price movement for the key as the
// standard deviation of successive mid-price log returns. Returns zero when
// fewer than three samples exist. Plain float math: this feeds the adaptive
// detector tick, not order sizing.
func (c *Cache) Volatility(key schema.MarketKey) float64 {
	quotes := c.History(key)
	if len(quotes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(quotes)-1)
	prev := 0.0
	for _, q := range quotes {
		mid, _ := q.Mid().Float64()
		if mid <= 0 {
			continue
		}
		if prev > 0 {
			returns = append(returns, math.Log(mid/prev))
		}
		prev = mid
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

// Observe registers a delta listener. The returned cancel func must be
// called to release the channel. A listener that falls behind loses the
// oldest pending deltas rather than blocking writers.
func (c *Cache) Observe() (<-chan schema.Quote, func()) {
	ch := make(chan schema.Quote, defaultObserverBuffer)
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers[id] = ch
	c.obsMu.Unlock()

	cancel := func() {
		c.obsMu.Lock()
		if stored, ok := c.observers[id]; ok && stored == ch {
			delete(c.observers, id)
			close(ch)
		}
		c.obsMu.Unlock()
	}
	return ch, cancel
}

func (c *Cache) broadcast(q schema.Quote) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for _, ch := range c.observers {
		select {
		case ch <- q:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- q:
			default:
			}
		}
	}
}
