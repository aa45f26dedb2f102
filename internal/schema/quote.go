package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/errs"
)

// Quote is the top-of-book for one market key.
type Quote struct {
	Venue    VenueID  `json:"venue"`
	Symbol   string   `json:"symbol"`
	Category Category `json:"category"`

	BidPrice decimal.Decimal `json:"bidPrice"`
	BidSize  decimal.Decimal `json:"bidSize"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskSize  decimal.Decimal `json:"askSize"`

	// SourceTs is the venue-assigned timestamp; the cache enforces per-key
	// monotonicity on it. IngestTs is set when the quote enters the process.
	SourceTs time.Time `json:"sourceTs"`
	IngestTs time.Time `json:"ingestTs"`
}

// Key returns the market key of the quote.
func (q Quote) Key() MarketKey {
	return MarketKey{Venue: q.Venue, Symbol: q.Symbol, Category: q.Category}
}

// Validate enforces the quote invariants of the cache contract.
func (q Quote) Validate() error {
	if err := q.Key().Validate(); err != nil {
		return err
	}
	if q.SourceTs.IsZero() {
		return errs.New("schema/quote", errs.CodeValidation, errs.WithMessage("sourceTs required"))
	}
	if q.BidPrice.IsPositive() && q.AskPrice.IsPositive() && q.BidPrice.GreaterThan(q.AskPrice) {
		return errs.New("schema/quote", errs.CodeValidation, errs.WithMessage("bid must not exceed ask"))
	}
	return nil
}

// Mid returns the mid price, or zero when either side is absent.
func (q Quote) Mid() decimal.Decimal {
	if !q.BidPrice.IsPositive() || !q.AskPrice.IsPositive() {
		return decimal.Zero
	}
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// Age reports how long ago the quote was produced by the venue.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.SourceTs)
}
