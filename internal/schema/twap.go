package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/errs"
)

// TwapState enumerates plan lifecycle states.
type TwapState string

const (
	// TwapRunning means the plan dispatches slices on its cadence.
	TwapRunning TwapState = "running"
	// TwapPaused means dispatch is suspended until resume.
	TwapPaused TwapState = "paused"
	// TwapCompleted is terminal: all slices dispatched successfully.
	TwapCompleted TwapState = "completed"
	// TwapCancelled is terminal: the operator aborted the plan.
	TwapCancelled TwapState = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TwapState) Terminal() bool {
	return s == TwapCompleted || s == TwapCancelled
}

// twapEdges is the allowed transition set of the plan state machine.
var twapEdges = map[TwapState]map[TwapState]bool{
	TwapRunning: {TwapPaused: true, TwapCancelled: true, TwapCompleted: true},
	TwapPaused:  {TwapRunning: true, TwapCancelled: true},
}

// CanTransition reports whether from→to is an allowed edge.
func CanTransition(from, to TwapState) bool {
	return twapEdges[from][to]
}

// TwapProgress tracks slice accounting for a plan.
type TwapProgress struct {
	SlicesDone     int             `json:"slicesDone"`
	Remaining      decimal.Decimal `json:"remaining"`
	NextDispatchTs time.Time       `json:"nextDispatchTs"`
}

// TwapPlan is a durable schedule of equal paired slices.
type TwapPlan struct {
	PlanID string `json:"planId"`

	Legs [2]LegSpec `json:"legs"`

	TotalQty    decimal.Decimal `json:"totalQty"`
	SliceQty    decimal.Decimal `json:"sliceQty"`
	Interval    time.Duration   `json:"intervalMs"`
	SlicesTotal int             `json:"slicesTotal"`

	State    TwapState    `json:"state"`
	Progress TwapProgress `json:"progress"`

	CreatedAt time.Time `json:"createdAt"`
}

// ComputeSlicesTotal returns ceil(totalQty / sliceQty).
func ComputeSlicesTotal(totalQty, sliceQty decimal.Decimal) int {
	if !sliceQty.IsPositive() {
		return 0
	}
	return int(totalQty.Div(sliceQty).Ceil().IntPart())
}

// Validate enforces the plan invariants against the configured interval floor.
func (p TwapPlan) Validate(minInterval time.Duration) error {
	for i := range p.Legs {
		if err := p.Legs[i].Validate(); err != nil {
			return err
		}
	}
	if !p.TotalQty.IsPositive() {
		return errs.New("schema/twap", errs.CodeValidation, errs.WithMessage("totalQty must be positive"))
	}
	if !p.SliceQty.IsPositive() {
		return errs.New("schema/twap", errs.CodeValidation, errs.WithMessage("sliceQty must be positive"))
	}
	if p.SliceQty.GreaterThan(p.TotalQty) {
		return errs.New("schema/twap", errs.CodeValidation,
			errs.WithMessage("sliceQty must not exceed totalQty"))
	}
	if p.Interval < minInterval {
		return errs.New("schema/twap", errs.CodeValidation,
			errs.WithMessage("interval below the configured floor"))
	}
	if p.Progress.SlicesDone < 0 || p.Progress.SlicesDone > p.SlicesTotal {
		return errs.New("schema/twap", errs.CodeValidation,
			errs.WithMessage("slicesDone must be within [0, slicesTotal]"))
	}
	return nil
}

// SliceQtyFor returns the quantity of the next slice: the configured slice
// size, capped by what remains of the total.
func (p TwapPlan) SliceQtyFor() decimal.Decimal {
	dispatched := p.SliceQty.Mul(decimal.NewFromInt(int64(p.Progress.SlicesDone)))
	remaining := p.TotalQty.Sub(dispatched)
	if remaining.LessThan(p.SliceQty) {
		return remaining
	}
	return p.SliceQty
}
