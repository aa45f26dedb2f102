// Package detector evaluates monitored pairs against live quotes and
// dispatches triggered opportunities to the executor.
package detector

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/bus"
	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/quotecache"
	"github.com/coachpo/straddle/internal/registry"
	"github.com/coachpo/straddle/internal/schema"
)

// PairExecutor is the slice of the executor the detector dispatches into.
type PairExecutor interface {
	ExecutePair(ctx context.Context, pair schema.MonitoringPair, opp schema.Opportunity) (schema.ExecutionRecord, error)
	Busy(pairID string) bool
}

// Config tunes evaluation cadence and staleness tolerance.
type Config struct {
	// MinTick is the hard floor for any pair's effective tick interval.
	MinTick time.Duration
	// MaxStaleness is the oldest quote age still considered live.
	MaxStaleness time.Duration
	// VolatilityBoost halves a pair's tick interval when either leg's
	// recent volatility exceeds this level. Zero disables adaptation.
	VolatilityBoost float64
}

func (c Config) normalize() Config {
	if c.MinTick <= 0 {
		c.MinTick = 250 * time.Millisecond
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = 5 * time.Second
	}
	return c
}

// Detector drives all pair evaluations off one scheduler. Each pair has its
// own cadence; the scheduler wakes for whichever pair is due next rather
// than running a timer per pair.
type Detector struct {
	cfg      Config
	registry *registry.Registry
	cache    *quotecache.Cache
	bus      bus.Bus
	exec     PairExecutor

	hundred decimal.Decimal
}

// New wires the detector.
func New(cfg Config, reg *registry.Registry, cache *quotecache.Cache, b bus.Bus, exec PairExecutor) *Detector {
	return &Detector{
		cfg:      cfg.normalize(),
		registry: reg,
		cache:    cache,
		bus:      b,
		exec:     exec,
		hundred:  decimal.NewFromInt(100),
	}
}

// Run blocks until ctx is cancelled, evaluating pairs as they come due.
func (d *Detector) Run(ctx context.Context) {
	sched := newSchedule()
	timer := time.NewTimer(d.cfg.MinTick)
	defer timer.Stop()

	for {
		d.refresh(sched)

		wait := d.cfg.MinTick
		if next, ok := sched.peek(); ok {
			wait = time.Until(next.due)
			if wait < 0 {
				wait = 0
			}
		}
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
		case now := <-timer.C:
			d.runDue(ctx, sched, now)
		}
	}
}

// refresh folds registry changes into the schedule: new pairs start
// immediately, removed pairs drop lazily when they surface.
func (d *Detector) refresh(sched *schedule) {
	now := time.Now()
	for _, pair := range d.registry.Snapshot() {
		if !sched.contains(pair.PairID) {
			sched.push(&scheduleEntry{pairID: pair.PairID, due: now})
		}
	}
}

func (d *Detector) runDue(ctx context.Context, sched *schedule, now time.Time) {
	var triggered []schema.Opportunity
	for {
		entry, ok := sched.peek()
		if !ok || entry.due.After(now) {
			break
		}
		sched.pop()

		pair, exists := d.registry.Get(entry.pairID)
		if !exists {
			continue
		}

		// Disabled pairs keep their schedule slot so a toggle back on
		// resumes at the next due time, but they are not evaluated and
		// emit nothing.
		if pair.Enabled {
			opp, evaluated := d.evaluate(ctx, pair)
			if evaluated && opp.ShouldTrigger {
				triggered = append(triggered, opp)
				d.dispatch(ctx, pair, opp)
			}
		}

		entry.due = now.Add(d.effectiveTick(pair))
		sched.push(entry)
	}

	if len(triggered) > 0 {
		d.publish(ctx, schema.NewEvent(schema.EventOpportunitiesFound,
			schema.OpportunitiesFoundPayload{Opportunities: triggered}))
	}
}

// evaluate computes the side-aware spread for one pair and emits the
// per-tick priceUpdate. The bool result reports whether both quotes were
// live enough to evaluate.
func (d *Detector) evaluate(ctx context.Context, pair schema.MonitoringPair) (schema.Opportunity, bool) {
	q1, ok1 := d.cache.Get(pair.Leg1.Venue, pair.Leg1.Symbol, pair.Leg1.Category)
	q2, ok2 := d.cache.Get(pair.Leg2.Venue, pair.Leg2.Symbol, pair.Leg2.Category)
	if !ok1 || !ok2 {
		return schema.Opportunity{}, false
	}

	now := time.Now().UTC()
	if q1.Age(now) > d.cfg.MaxStaleness || q2.Age(now) > d.cfg.MaxStaleness {
		observability.Log().Debug("skipping stale quotes",
			observability.F("pair_id", pair.PairID))
		return schema.Opportunity{}, false
	}

	opp, err := d.Spread(pair, q1, q2)
	if err != nil {
		observability.Log().Error("spread evaluation failed",
			observability.F("pair_id", pair.PairID),
			observability.F("error", err))
		return schema.Opportunity{}, false
	}

	buyQuote, sellQuote := buySellQuotes(pair, q1, q2)
	d.publish(ctx, schema.NewEvent(schema.EventPriceUpdate, schema.PriceUpdatePayload{
		PairID:    pair.PairID,
		BuyPrice:  buyQuote.AskPrice,
		SellPrice: sellQuote.BidPrice,
		SpreadAbs: opp.SpreadAbs,
		SpreadPct: opp.SpreadPct,
		Threshold: pair.Threshold,
		Triggered: opp.ShouldTrigger,
	}))
	return opp, true
}

// Spread computes the side-aware spread: the buy leg trades against its ask,
// the sell leg against its bid. spreadPct is relative to the buy price, and
// a negative threshold is honoured as given.
func (d *Detector) Spread(pair schema.MonitoringPair, q1, q2 schema.Quote) (schema.Opportunity, error) {
	buyQuote, sellQuote := buySellQuotes(pair, q1, q2)
	buyPrice := buyQuote.AskPrice
	sellPrice := sellQuote.BidPrice
	if !buyPrice.IsPositive() {
		return schema.Opportunity{}, errs.New("detector/spread", errs.CodeStaleQuote,
			errs.WithMessage("buy leg has no ask"))
	}

	spreadAbs := sellPrice.Sub(buyPrice)
	spreadPct := spreadAbs.Div(buyPrice).Mul(d.hundred)

	return schema.Opportunity{
		PairID:        pair.PairID,
		Leg1Quote:     q1,
		Leg2Quote:     q2,
		SpreadAbs:     spreadAbs,
		SpreadPct:     spreadPct,
		Threshold:     pair.Threshold,
		ShouldTrigger: pair.Enabled && spreadPct.GreaterThanOrEqual(pair.Threshold),
		Direction:     pair.PairDirection(),
		Ts:            time.Now().UTC(),
	}, nil
}

// dispatch hands the opportunity to the executor without blocking the
// scheduler. In-flight pairs are skipped here so the tick loop never queues
// duplicate work.
func (d *Detector) dispatch(ctx context.Context, pair schema.MonitoringPair, opp schema.Opportunity) {
	if d.exec == nil || d.exec.Busy(pair.PairID) {
		return
	}
	go func() {
		if _, err := d.exec.ExecutePair(ctx, pair, opp); err != nil &&
			errs.CodeOf(err) != errs.CodeConflict {
			observability.Log().Error("execution dispatch failed",
				observability.F("pair_id", pair.PairID),
				observability.F("error", err))
		}
	}()
}

// effectiveTick shortens the pair cadence while either leg is volatile,
// never dropping below the configured floor.
func (d *Detector) effectiveTick(pair schema.MonitoringPair) time.Duration {
	tick := pair.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	if d.cfg.VolatilityBoost > 0 {
		vol := d.cache.Volatility(pair.Leg1.MarketKey())
		if v2 := d.cache.Volatility(pair.Leg2.MarketKey()); v2 > vol {
			vol = v2
		}
		if vol > d.cfg.VolatilityBoost {
			tick /= 2
		}
	}
	if tick < d.cfg.MinTick {
		tick = d.cfg.MinTick
	}
	return tick
}

func (d *Detector) publish(ctx context.Context, evt schema.Event) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, evt); err != nil {
		observability.Log().Error("publish detector event failed",
			observability.F("event_type", string(evt.Type)),
			observability.F("error", err))
	}
}

// buySellQuotes orients the two leg quotes by side.
func buySellQuotes(pair schema.MonitoringPair, q1, q2 schema.Quote) (buy, sell schema.Quote) {
	if pair.Leg1.Side == schema.SideBuy {
		return q1, q2
	}
	return q2, q1
}
