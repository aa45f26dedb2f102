// Package schema defines the canonical domain types shared across the engine.
package schema

import (
	"strings"

	"github.com/coachpo/straddle/internal/errs"
)

// VenueID identifies an exchange venue. Stored lower-case.
type VenueID string

// NormalizeVenue lower-cases and trims a venue identifier.
func NormalizeVenue(v string) VenueID {
	return VenueID(strings.ToLower(strings.TrimSpace(v)))
}

// Validate ensures the venue identifier is non-empty.
func (v VenueID) Validate() error {
	if strings.TrimSpace(string(v)) == "" {
		return errs.New("schema/venue", errs.CodeValidation, errs.WithMessage("venue required"))
	}
	if string(v) != strings.ToLower(string(v)) {
		return errs.New("schema/venue", errs.CodeValidation, errs.WithMessage("venue must be lower-case"))
	}
	return nil
}

// Category selects which market on the venue a symbol refers to.
type Category string

const (
	// CategorySpot designates spot markets.
	CategorySpot Category = "spot"
	// CategoryLinear designates linear (USDT-margined) derivatives.
	CategoryLinear Category = "linear"
	// CategoryInverse designates inverse (coin-margined) derivatives.
	CategoryInverse Category = "inverse"
)

// NormalizeCategory maps raw category strings to the canonical set.
// The legacy value "future" is normalized to linear; empty defaults to spot.
func NormalizeCategory(raw string) Category {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(CategorySpot):
		return CategorySpot
	case string(CategoryLinear), "future":
		return CategoryLinear
	case string(CategoryInverse):
		return CategoryInverse
	default:
		return Category(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// Validate ensures the category belongs to the canonical set.
func (c Category) Validate() error {
	switch c {
	case CategorySpot, CategoryLinear, CategoryInverse:
		return nil
	default:
		return errs.New("schema/category", errs.CodeValidation,
			errs.WithMessage("category must be one of spot, linear, inverse"))
	}
}

// Side is the direction of an order.
type Side string

const (
	// SideBuy indicates a buy order.
	SideBuy Side = "buy"
	// SideSell indicates a sell order.
	SideSell Side = "sell"
)

// Validate ensures the side belongs to the canonical set.
func (s Side) Validate() error {
	switch s {
	case SideBuy, SideSell:
		return nil
	default:
		return errs.New("schema/side", errs.CodeValidation, errs.WithMessage("side must be buy or sell"))
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// NormalizeSymbol upper-cases and trims a trading symbol.
func NormalizeSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}

// ValidateSymbol verifies the symbol is uppercase alphanumeric.
func ValidateSymbol(sym string) error {
	if sym == "" {
		return errs.New("schema/symbol", errs.CodeValidation, errs.WithMessage("symbol required"))
	}
	for _, ch := range sym {
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return errs.New("schema/symbol", errs.CodeValidation,
				errs.WithMessage("symbol must be uppercase alphanumeric"))
		}
	}
	return nil
}

// MarketKey identifies one top-of-book timeline: (venue, symbol, category).
type MarketKey struct {
	Venue    VenueID  `json:"venue"`
	Symbol   string   `json:"symbol"`
	Category Category `json:"category"`
}

// Validate checks all three components.
func (k MarketKey) Validate() error {
	if err := k.Venue.Validate(); err != nil {
		return err
	}
	if err := ValidateSymbol(k.Symbol); err != nil {
		return err
	}
	return k.Category.Validate()
}

func (k MarketKey) String() string {
	return string(k.Venue) + ":" + k.Symbol + ":" + string(k.Category)
}
