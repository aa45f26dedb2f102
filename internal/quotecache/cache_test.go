package quotecache

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/straddle/internal/schema"
)

func quoteAt(ts time.Time, bid, ask string) schema.Quote {
	return schema.Quote{
		Venue:    "bybit",
		Symbol:   "BTCUSDT",
		Category: schema.CategorySpot,
		BidPrice: decimal.RequireFromString(bid),
		AskPrice: decimal.RequireFromString(ask),
		SourceTs: ts,
	}
}

func TestUpdateAndGet(t *testing.T) {
	c := New()
	base := time.Now().UTC()

	require.True(t, c.Update(quoteAt(base, "59990", "60000")))

	got, ok := c.Get("bybit", "BTCUSDT", schema.CategorySpot)
	require.True(t, ok)
	require.True(t, got.AskPrice.Equal(decimal.RequireFromString("60000")))
	require.False(t, got.IngestTs.IsZero())

	_, ok = c.Get("binance", "BTCUSDT", schema.CategorySpot)
	require.False(t, ok)
}

func TestUpdateDiscardsOutOfOrder(t *testing.T) {
	c := New()
	base := time.Now().UTC()

	require.True(t, c.Update(quoteAt(base, "59990", "60000")))
	require.False(t, c.Update(quoteAt(base.Add(-time.Second), "59980", "59990")))
	require.False(t, c.Update(quoteAt(base, "59980", "59990")))
	require.True(t, c.Update(quoteAt(base.Add(time.Millisecond), "60000", "60010")))

	got, ok := c.Get("bybit", "BTCUSDT", schema.CategorySpot)
	require.True(t, ok)
	require.True(t, got.BidPrice.Equal(decimal.RequireFromString("60000")))
}

func TestUpdateRejectsInvalid(t *testing.T) {
	c := New()
	crossed := quoteAt(time.Now().UTC(), "60010", "60000")
	require.False(t, c.Update(crossed))
	_, ok := c.Get("bybit", "BTCUSDT", schema.CategorySpot)
	require.False(t, ok)
}

func TestMonotonicUnderConcurrency(t *testing.T) {
	c := New()
	base := time.Now().UTC()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Update(quoteAt(base.Add(time.Duration(offset*200+i)*time.Microsecond), "59990", "60000"))
			}
		}(w)
	}
	wg.Wait()

	got, ok := c.Get("bybit", "BTCUSDT", schema.CategorySpot)
	require.True(t, ok)
	require.Equal(t, base.Add((8*200-1)*time.Microsecond), got.SourceTs)
}

func TestHistoryBounded(t *testing.T) {
	c := New()
	base := time.Now().UTC()
	for i := 0; i < historyLen+10; i++ {
		c.Update(quoteAt(base.Add(time.Duration(i)*time.Millisecond), "59990", "60000"))
	}
	key := schema.MarketKey{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot}
	hist := c.History(key)
	require.Len(t, hist, historyLen)
	require.Equal(t, base.Add(time.Duration(historyLen+9)*time.Millisecond), hist[len(hist)-1].SourceTs)
}

func TestVolatilityFlatIsZero(t *testing.T) {
	c := New()
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		c.Update(quoteAt(base.Add(time.Duration(i)*time.Millisecond), "59990", "60000"))
	}
	key := schema.MarketKey{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot}
	require.Zero(t, c.Volatility(key))
}

func TestVolatilityMovingIsPositive(t *testing.T) {
	c := New()
	base := time.Now().UTC()
	prices := []string{"60000", "60300", "59800", "60500", "60100", "59900"}
	for i, p := range prices {
		bid := decimal.RequireFromString(p).Sub(decimal.NewFromInt(5))
		c.Update(schema.Quote{
			Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot,
			BidPrice: bid, AskPrice: decimal.RequireFromString(p).Add(decimal.NewFromInt(5)),
			SourceTs: base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	key := schema.MarketKey{Venue: "bybit", Symbol: "BTCUSDT", Category: schema.CategorySpot}
	require.Greater(t, c.Volatility(key), 0.0)
}

func TestObserveReceivesDeltas(t *testing.T) {
	c := New()
	ch, cancel := c.Observe()
	defer cancel()

	base := time.Now().UTC()
	require.True(t, c.Update(quoteAt(base, "59990", "60000")))

	select {
	case q := <-ch:
		require.Equal(t, base, q.SourceTs)
	case <-time.After(time.Second):
		t.Fatal("delta not delivered")
	}

	// Stale updates do not reach observers.
	require.False(t, c.Update(quoteAt(base, "59980", "59990")))
	select {
	case <-ch:
		t.Fatal("stale update delivered")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestObserveCancelCloses(t *testing.T) {
	c := New()
	ch, cancel := c.Observe()
	cancel()
	_, open := <-ch
	require.False(t, open)
	cancel() // idempotent
}
