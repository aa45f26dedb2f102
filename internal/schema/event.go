package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the push-stream event categories.
type EventType string

const (
	// EventPriceUpdate carries the per-tick spread numbers for one pair.
	EventPriceUpdate EventType = "priceUpdate"
	// EventOpportunitiesFound aggregates the pairs that crossed threshold on one tick.
	EventOpportunitiesFound EventType = "opportunitiesFound"
	// EventArbitrageExecuted reports a paired executor outcome.
	EventArbitrageExecuted EventType = "arbitrageExecuted"
	// EventPairAdded reports a new monitoring pair.
	EventPairAdded EventType = "pairAdded"
	// EventPairUpdated reports a mutated monitoring pair.
	EventPairUpdated EventType = "pairUpdated"
	// EventPairRemoved reports a deleted or quota-exhausted pair.
	EventPairRemoved EventType = "pairRemoved"
	// EventTwapSliceExecuted reports a successful TWAP slice.
	EventTwapSliceExecuted EventType = "twapSliceExecuted"
	// EventTwapSliceFailed reports a failed TWAP slice.
	EventTwapSliceFailed EventType = "twapSliceFailed"
	// EventTwapStateChanged reports a plan state transition.
	EventTwapStateChanged EventType = "twapStateChanged"
)

// Event is one frame of the client-facing push stream.
type Event struct {
	Type EventType `json:"type"`
	Ts   time.Time `json:"ts"`
	Data any       `json:"data"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, data any) Event {
	return Event{Type: typ, Ts: time.Now().UTC(), Data: data}
}

// PriceUpdatePayload carries the detector tick numbers regardless of trigger.
type PriceUpdatePayload struct {
	PairID    string          `json:"pairId"`
	BuyPrice  decimal.Decimal `json:"buyPrice"`
	SellPrice decimal.Decimal `json:"sellPrice"`
	SpreadAbs decimal.Decimal `json:"spreadAbs"`
	SpreadPct decimal.Decimal `json:"spreadPct"`
	Threshold decimal.Decimal `json:"threshold"`
	Triggered bool            `json:"triggered"`
}

// OpportunitiesFoundPayload aggregates same-tick triggers.
type OpportunitiesFoundPayload struct {
	Opportunities []Opportunity `json:"opportunities"`
}

// ArbitrageExecutedPayload reports a paired execution result.
type ArbitrageExecutedPayload struct {
	PairID  string     `json:"pairId"`
	Success bool       `json:"success"`
	Status  ExecStatus `json:"status"`

	// PartialFill is set when exactly one leg filled; FilledLeg names it.
	PartialFill bool   `json:"partialFill,omitempty"`
	FilledLeg   int    `json:"filledLeg,omitempty"`
	Leg1OrderID string `json:"leg1OrderId,omitempty"`
	Leg2OrderID string `json:"leg2OrderId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PairLifecyclePayload accompanies pairAdded/pairUpdated/pairRemoved.
type PairLifecyclePayload struct {
	Pair   MonitoringPair `json:"pair"`
	Reason string         `json:"reason,omitempty"`
}

// TwapSlicePayload accompanies twapSliceExecuted/twapSliceFailed.
type TwapSlicePayload struct {
	PlanID     string          `json:"planId"`
	SliceIndex int             `json:"sliceIndex"`
	Qty        decimal.Decimal `json:"qty"`
	Status     ExecStatus      `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// TwapStatePayload accompanies twapStateChanged.
type TwapStatePayload struct {
	PlanID string    `json:"planId"`
	From   TwapState `json:"from"`
	To     TwapState `json:"to"`
}
