package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/errs"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "limit"
)

// OrderRequest is an immutable order submission.
type OrderRequest struct {
	Venue    VenueID  `json:"venue"`
	Symbol   string   `json:"symbol"`
	Category Category `json:"category"`
	Side     Side     `json:"side"`

	Qty   decimal.Decimal  `json:"qty"`
	Type  OrderType        `json:"type"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

// Validate enforces the order request contract: price is required iff limit.
func (r OrderRequest) Validate() error {
	key := MarketKey{Venue: r.Venue, Symbol: r.Symbol, Category: r.Category}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := r.Side.Validate(); err != nil {
		return err
	}
	if !r.Qty.IsPositive() {
		return errs.New("schema/order", errs.CodeInvalidParams, errs.WithMessage("qty must be positive"))
	}
	switch r.Type {
	case OrderTypeMarket:
		if r.Price != nil {
			return errs.New("schema/order", errs.CodeInvalidParams,
				errs.WithMessage("market orders must not carry a price"))
		}
	case OrderTypeLimit:
		if r.Price == nil || !r.Price.IsPositive() {
			return errs.New("schema/order", errs.CodeInvalidParams,
				errs.WithMessage("limit orders require a positive price"))
		}
	default:
		return errs.New("schema/order", errs.CodeInvalidParams,
			errs.WithMessage("type must be market or limit"))
	}
	return nil
}

// OrderResult is the terminal outcome of one order submission.
type OrderResult struct {
	Success      bool             `json:"success"`
	OrderID      string           `json:"orderId,omitempty"`
	FilledPrice  *decimal.Decimal `json:"filledPrice,omitempty"`
	FilledQty    *decimal.Decimal `json:"filledQty,omitempty"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// FailedResult builds an OrderResult from a classified error.
func FailedResult(err error) OrderResult {
	if err == nil {
		return OrderResult{Success: true}
	}
	return OrderResult{
		Success:      false,
		ErrorCode:    string(errs.CodeOf(err)),
		ErrorMessage: err.Error(),
	}
}

// ExecStatus classifies a paired execution outcome.
type ExecStatus string

const (
	// ExecStatusSuccess means both legs filled.
	ExecStatusSuccess ExecStatus = "success"
	// ExecStatusPartial means exactly one leg filled.
	ExecStatusPartial ExecStatus = "partial"
	// ExecStatusFailed means neither leg filled.
	ExecStatusFailed ExecStatus = "failed"
)

// LegOutcome pairs a leg spec with its order result.
type LegOutcome struct {
	LegSpec
	OrderResult
	SubmittedAt time.Time `json:"submittedAt"`
}

// ExecutionRecord is one entry of the append-only execution log.
type ExecutionRecord struct {
	ID     string `json:"id"`
	PairID string `json:"pairId,omitempty"`
	PlanID string `json:"planId,omitempty"`

	Ts   time.Time  `json:"ts"`
	Leg1 LegOutcome `json:"leg1"`
	Leg2 LegOutcome `json:"leg2"`

	Qty    decimal.Decimal `json:"qty"`
	Status ExecStatus      `json:"status"`
}

// ClassifyOutcome maps two leg results onto the execution status set.
func ClassifyOutcome(leg1, leg2 OrderResult) ExecStatus {
	switch {
	case leg1.Success && leg2.Success:
		return ExecStatusSuccess
	case leg1.Success || leg2.Success:
		return ExecStatusPartial
	default:
		return ExecStatusFailed
	}
}
