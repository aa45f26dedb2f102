package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/errs"
)

// LegSpec describes one side of a paired trade.
type LegSpec struct {
	Venue    VenueID  `json:"venue"`
	Symbol   string   `json:"symbol"`
	Category Category `json:"category"`
	Side     Side     `json:"side"`
}

// MarketKey returns the market the leg trades on.
func (l LegSpec) MarketKey() MarketKey {
	return MarketKey{Venue: l.Venue, Symbol: l.Symbol, Category: l.Category}
}

// Validate checks every component of the leg.
func (l LegSpec) Validate() error {
	if err := l.MarketKey().Validate(); err != nil {
		return err
	}
	return l.Side.Validate()
}

// Normalize canonicalizes venue, symbol, category, and side casing.
// Legacy category values are mapped per the registry contract.
func (l LegSpec) Normalize(defaultSide Side) LegSpec {
	out := LegSpec{
		Venue:    NormalizeVenue(string(l.Venue)),
		Symbol:   NormalizeSymbol(l.Symbol),
		Category: NormalizeCategory(string(l.Category)),
		Side:     l.Side,
	}
	if out.Side == "" {
		out.Side = defaultSide
	}
	return out
}

// MonitoringPair is the durable configuration driving one detector task.
type MonitoringPair struct {
	PairID string `json:"pairId"`

	Leg1 LegSpec `json:"leg1"`
	Leg2 LegSpec `json:"leg2"`

	// Threshold is a percentage; negative thresholds are legal.
	Threshold decimal.Decimal `json:"threshold"`
	SliceQty  decimal.Decimal `json:"sliceQty"`
	MaxExecs  int             `json:"maxExecs"`
	ExecsDone int             `json:"execsDone"`
	Enabled   bool            `json:"enabled"`

	// TickInterval overrides the detector default when positive.
	TickInterval time.Duration `json:"tickIntervalMs,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	TotalTriggers   int        `json:"totalTriggers"`
}

// Validate enforces the pair invariants from the registry contract.
func (p MonitoringPair) Validate(minSliceQty decimal.Decimal) error {
	if err := p.Leg1.Validate(); err != nil {
		return err
	}
	if err := p.Leg2.Validate(); err != nil {
		return err
	}
	if p.Leg1 == p.Leg2 {
		return errs.New("schema/pair", errs.CodeValidation, errs.WithMessage("legs must differ"))
	}
	if p.Leg1.Side == p.Leg2.Side {
		return errs.New("schema/pair", errs.CodeValidation,
			errs.WithMessage("one leg must buy and the other sell"))
	}
	if !p.SliceQty.IsPositive() || p.SliceQty.LessThan(minSliceQty) {
		return errs.New("schema/pair", errs.CodeValidation,
			errs.WithMessage("sliceQty below minimum "+minSliceQty.String()))
	}
	if p.MaxExecs <= 0 {
		return errs.New("schema/pair", errs.CodeValidation, errs.WithMessage("maxExecs must be positive"))
	}
	if p.ExecsDone < 0 || p.ExecsDone > p.MaxExecs {
		return errs.New("schema/pair", errs.CodeValidation,
			errs.WithMessage("execsDone must be within [0, maxExecs]"))
	}
	return nil
}

// Exhausted reports whether the execution quota is spent.
func (p MonitoringPair) Exhausted() bool {
	return p.ExecsDone >= p.MaxExecs
}

// Direction names the only valid trade direction for a configured pair.
type Direction string

const (
	// DirectionL1BuyL2Sell buys leg1 and sells leg2.
	DirectionL1BuyL2Sell Direction = "L1BUY_L2SELL"
	// DirectionL1SellL2Buy sells leg1 and buys leg2.
	DirectionL1SellL2Buy Direction = "L1SELL_L2BUY"
)

// PairDirection derives the direction from leg1's configured side.
func (p MonitoringPair) PairDirection() Direction {
	if p.Leg1.Side == SideSell {
		return DirectionL1SellL2Buy
	}
	return DirectionL1BuyL2Sell
}

// Opportunity is the ephemeral output of one detector tick.
type Opportunity struct {
	PairID    string          `json:"pairId"`
	Leg1Quote Quote           `json:"leg1Quote"`
	Leg2Quote Quote           `json:"leg2Quote"`
	SpreadAbs decimal.Decimal `json:"spreadAbs"`
	SpreadPct decimal.Decimal `json:"spreadPct"`
	Threshold decimal.Decimal `json:"threshold"`

	ShouldTrigger bool      `json:"shouldTrigger"`
	Direction     Direction `json:"direction"`
	Ts            time.Time `json:"ts"`
}
