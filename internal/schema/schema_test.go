package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func validPair() MonitoringPair {
	return MonitoringPair{
		PairID:    "p1",
		Leg1:      LegSpec{Venue: "bybit", Symbol: "BTCUSDT", Category: CategorySpot, Side: SideBuy},
		Leg2:      LegSpec{Venue: "bybit", Symbol: "BTCUSDT", Category: CategoryLinear, Side: SideSell},
		Threshold: dec("0.05"),
		SliceQty:  dec("0.001"),
		MaxExecs:  1,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
}

func TestNormalizeCategory(t *testing.T) {
	require.Equal(t, CategorySpot, NormalizeCategory(""))
	require.Equal(t, CategorySpot, NormalizeCategory("Spot"))
	require.Equal(t, CategoryLinear, NormalizeCategory("future"))
	require.Equal(t, CategoryLinear, NormalizeCategory("linear"))
	require.Equal(t, CategoryInverse, NormalizeCategory("INVERSE"))
}

func TestLegNormalizeDefaults(t *testing.T) {
	leg := LegSpec{Venue: "ByBit", Symbol: "btcusdt", Category: "future"}
	out := leg.Normalize(SideSell)
	require.Equal(t, VenueID("bybit"), out.Venue)
	require.Equal(t, "BTCUSDT", out.Symbol)
	require.Equal(t, CategoryLinear, out.Category)
	require.Equal(t, SideSell, out.Side)
}

func TestPairValidate(t *testing.T) {
	minQty := dec("0.000001")

	require.NoError(t, validPair().Validate(minQty))

	identical := validPair()
	identical.Leg2 = identical.Leg1
	require.Error(t, identical.Validate(minQty))

	sameSide := validPair()
	sameSide.Leg2.Side = SideBuy
	require.Error(t, sameSide.Validate(minQty))

	tiny := validPair()
	tiny.SliceQty = dec("0.0000001")
	require.Error(t, tiny.Validate(minQty))

	atMin := validPair()
	atMin.SliceQty = minQty
	require.NoError(t, atMin.Validate(minQty))

	overQuota := validPair()
	overQuota.ExecsDone = 2
	require.Error(t, overQuota.Validate(minQty))
}

func TestPairDirection(t *testing.T) {
	p := validPair()
	require.Equal(t, DirectionL1BuyL2Sell, p.PairDirection())

	p.Leg1.Side = SideSell
	p.Leg2.Side = SideBuy
	require.Equal(t, DirectionL1SellL2Buy, p.PairDirection())
}

func TestOrderRequestValidate(t *testing.T) {
	market := OrderRequest{
		Venue: "bybit", Symbol: "BTCUSDT", Category: CategorySpot,
		Side: SideBuy, Qty: dec("0.001"), Type: OrderTypeMarket,
	}
	require.NoError(t, market.Validate())

	price := dec("60000")
	withPrice := market
	withPrice.Price = &price
	require.Error(t, withPrice.Validate())

	limit := market
	limit.Type = OrderTypeLimit
	require.Error(t, limit.Validate())
	limit.Price = &price
	require.NoError(t, limit.Validate())

	zeroQty := market
	zeroQty.Qty = decimal.Zero
	require.Error(t, zeroQty.Validate())
}

func TestClassifyOutcome(t *testing.T) {
	ok := OrderResult{Success: true}
	bad := OrderResult{Success: false}

	require.Equal(t, ExecStatusSuccess, ClassifyOutcome(ok, ok))
	require.Equal(t, ExecStatusPartial, ClassifyOutcome(ok, bad))
	require.Equal(t, ExecStatusPartial, ClassifyOutcome(bad, ok))
	require.Equal(t, ExecStatusFailed, ClassifyOutcome(bad, bad))
}

func TestTwapTransitions(t *testing.T) {
	require.True(t, CanTransition(TwapRunning, TwapPaused))
	require.True(t, CanTransition(TwapRunning, TwapCancelled))
	require.True(t, CanTransition(TwapRunning, TwapCompleted))
	require.True(t, CanTransition(TwapPaused, TwapRunning))
	require.True(t, CanTransition(TwapPaused, TwapCancelled))

	require.False(t, CanTransition(TwapCompleted, TwapRunning))
	require.False(t, CanTransition(TwapCancelled, TwapRunning))
	require.False(t, CanTransition(TwapPaused, TwapCompleted))
}

func TestComputeSlicesTotal(t *testing.T) {
	require.Equal(t, 10, ComputeSlicesTotal(dec("1"), dec("0.1")))
	require.Equal(t, 4, ComputeSlicesTotal(dec("1"), dec("0.3")))
	require.Equal(t, 1, ComputeSlicesTotal(dec("0.05"), dec("0.1")))
	require.Equal(t, 0, ComputeSlicesTotal(dec("1"), decimal.Zero))
}

func TestSliceQtyForCapsRemainder(t *testing.T) {
	plan := TwapPlan{
		TotalQty:    dec("1"),
		SliceQty:    dec("0.3"),
		SlicesTotal: 4,
		Progress:    TwapProgress{SlicesDone: 3},
	}
	require.True(t, plan.SliceQtyFor().Equal(dec("0.1")))

	plan.Progress.SlicesDone = 0
	require.True(t, plan.SliceQtyFor().Equal(dec("0.3")))
}

func TestQuoteValidate(t *testing.T) {
	q := Quote{
		Venue: "bybit", Symbol: "BTCUSDT", Category: CategorySpot,
		BidPrice: dec("59990"), AskPrice: dec("60000"),
		SourceTs: time.Now().UTC(),
	}
	require.NoError(t, q.Validate())

	crossed := q
	crossed.BidPrice = dec("60010")
	require.Error(t, crossed.Validate())

	noTs := q
	noTs.SourceTs = time.Time{}
	require.Error(t, noTs.Validate())
}
