package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/metrics"
	"github.com/quantfeed/optionsflow/internal/occ"
	"github.com/quantfeed/optionsflow/internal/store"
)

func rec(id string, mutate func(*flow.Record)) *flow.Record {
	r := &flow.Record{
		ID:           id,
		Symbol:       "O:SPY251219C00650000",
		Ticker:       "SPY",
		Kind:         occ.Call,
		Strike:       650,
		Expiration:   "2025-12-19",
		DTE:          60,
		Timestamp:    time.Now().UTC(),
		Price:        2.50,
		Size:         100,
		Premium:      25_000,
		Volume:       1500,
		OpenInterest: 800,
		Bid:          2.40,
		Ask:          2.60,
		IV:           "32.00%",
		Spot:         640,
		Moneyness:    flow.OTM,
		Side:         flow.AtAsk,
		Aggressor:    flow.Buyer,
		Sentiment:    flow.Bullish,
		TradeType:    flow.Block,
		Score:        5,
	}
	if mutate != nil {
		mutate(r)
	}
	return r
}

func newEngine(t *testing.T, records ...*flow.Record) *Engine {
	t.Helper()
	s := store.New(metrics.New())
	for _, r := range records {
		s.Insert(r)
	}
	return New(s, nil)
}

func TestRunKindFilter(t *testing.T) {
	e := newEngine(t,
		rec("c1", nil),
		rec("p1", func(r *flow.Record) { r.Kind = occ.Put }),
	)

	res := e.Run(context.Background(), Params{Puts: true}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "p1", res.Flows[0].ID)

	// Both flags set cancels the filter.
	res = e.Run(context.Background(), Params{Calls: true, Puts: true}, "open")
	assert.Len(t, res.Flows, 2)
}

func TestRunPremiumAndStrikeBounds(t *testing.T) {
	e := newEngine(t,
		rec("small", func(r *flow.Record) { r.Premium = 12_000; r.Strike = 100 }),
		rec("big", func(r *flow.Record) { r.Premium = 250_000; r.Strike = 700 }),
	)

	res := e.Run(context.Background(), Params{MinPremium: 100_000}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "big", res.Flows[0].ID)

	res = e.Run(context.Background(), Params{MinStrike: 50, MaxStrike: 200}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "small", res.Flows[0].ID)
}

func TestRunTradeTypeMultiSelect(t *testing.T) {
	e := newEngine(t,
		rec("sw", func(r *flow.Record) { r.TradeType = flow.Sweep }),
		rec("bl", nil),
		rec("sp", func(r *flow.Record) { r.TradeType = flow.Split }),
	)

	res := e.Run(context.Background(), Params{TradeTypes: []flow.TradeType{flow.Sweep, flow.Split}}, "open")
	assert.Len(t, res.Flows, 2)
	for _, r := range res.Flows {
		assert.NotEqual(t, flow.Block, r.TradeType)
	}
}

func TestRunMoneynessAndSide(t *testing.T) {
	e := newEngine(t,
		rec("itm", func(r *flow.Record) { r.Moneyness = flow.ITM }),
		rec("otm", nil),
		rec("aa", func(r *flow.Record) { r.Side = flow.AboveAsk }),
	)

	res := e.Run(context.Background(), Params{ITM: true}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "itm", res.Flows[0].ID)

	res = e.Run(context.Background(), Params{AboveAsk: true}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "aa", res.Flows[0].ID)
}

func TestRunVolGtOIAndRanges(t *testing.T) {
	e := newEngine(t,
		rec("hot", func(r *flow.Record) { r.Volume = 30_000; r.OpenInterest = 400 }),
		rec("cold", func(r *flow.Record) { r.Volume = 500; r.OpenInterest = 2000 }),
	)

	res := e.Run(context.Background(), Params{VolGtOI: true}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "hot", res.Flows[0].ID)

	res = e.Run(context.Background(), Params{VolumeRanges: []string{"<1k"}}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "cold", res.Flows[0].ID)

	res = e.Run(context.Background(), Params{OIRanges: []string{"1-5k", ">25k"}}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "cold", res.Flows[0].ID)
}

func TestRunExpiryPredicates(t *testing.T) {
	e := newEngine(t,
		rec("weekly", func(r *flow.Record) { r.DTE = 7 }),
		rec("leap", func(r *flow.Record) { r.DTE = 400 }),
		rec("mid", func(r *flow.Record) { r.DTE = 90 }),
	)

	res := e.Run(context.Background(), Params{ShortExpiry: true}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "weekly", res.Flows[0].ID)

	res = e.Run(context.Background(), Params{Leaps: true}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "leap", res.Flows[0].ID)

	res = e.Run(context.Background(), Params{DTEs: []int{7, 90}}, "open")
	assert.Len(t, res.Flows, 2)

	res = e.Run(context.Background(), Params{MaxDTE: 100}, "open")
	assert.Len(t, res.Flows, 2)
}

func TestRunStockPriceBuckets(t *testing.T) {
	e := newEngine(t,
		rec("penny", func(r *flow.Record) { r.Spot = 12 }),
		rec("mega", func(r *flow.Record) { r.Spot = 640 }),
	)

	res := e.Run(context.Background(), Params{StockPriceRanges: []string{">150"}}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "mega", res.Flows[0].ID)
}

func TestRunExcludeSymbols(t *testing.T) {
	e := newEngine(t,
		rec("spy", nil),
		rec("tsla", func(r *flow.Record) { r.Ticker = "TSLA" }),
	)

	res := e.Run(context.Background(), Params{ExcludeSymbols: []string{"spy"}}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "TSLA", res.Flows[0].Ticker)
}

func TestRunSorts(t *testing.T) {
	now := time.Now().UTC()
	e := newEngine(t,
		rec("a", func(r *flow.Record) {
			r.Premium = 10_000
			r.Volume = 300
			r.Score = 9
			r.IV = "80.00%"
			r.Timestamp = now.Add(-2 * time.Minute)
		}),
		rec("b", func(r *flow.Record) {
			r.Premium = 50_000
			r.Volume = 100
			r.Score = 3
			r.IV = "20.00%"
			r.Timestamp = now
		}),
	)

	cases := []struct {
		sort  string
		first string
	}{
		{SortTime, "b"},
		{SortPremium, "b"},
		{SortVolume, "a"},
		{SortConfidence, "a"},
		{SortIV, "a"},
	}
	for _, tc := range cases {
		res := e.Run(context.Background(), Params{Sort: tc.sort}, "open")
		require.Len(t, res.Flows, 2, tc.sort)
		assert.Equal(t, tc.first, res.Flows[0].ID, tc.sort)
	}
}

// Pagination happens after the full filtered set is sorted: page 2 of a
// premium-sorted query holds the next-ranked rows, not insertion leftovers.
func TestRunPaginatesAfterSort(t *testing.T) {
	records := make([]*flow.Record, 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		records = append(records, rec(fmt.Sprintf("r%d", i), func(r *flow.Record) {
			r.Premium = float64((i%5 + 1) * 10_000)
		}))
	}
	e := newEngine(t, records...)

	p1 := e.Run(context.Background(), Params{Sort: SortPremium, Page: 1, Limit: 4}, "open")
	p2 := e.Run(context.Background(), Params{Sort: SortPremium, Page: 2, Limit: 4}, "open")

	assert.Equal(t, 10, p1.TotalCount)
	assert.Equal(t, 3, p1.TotalPages)
	assert.Equal(t, 4, p1.Count)
	assert.Equal(t, 4, p2.Count)

	// No overlap, and the last row of page 1 ranks at or above the first
	// row of page 2.
	seen := map[string]bool{}
	for _, r := range p1.Flows {
		seen[r.ID] = true
	}
	for _, r := range p2.Flows {
		assert.False(t, seen[r.ID])
	}
	assert.GreaterOrEqual(t, p1.Flows[3].Premium, p2.Flows[0].Premium)
}

func TestRunPageBeyondEnd(t *testing.T) {
	e := newEngine(t, rec("only", nil))

	res := e.Run(context.Background(), Params{Page: 9, Limit: 50}, "open")
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, 1, res.TotalCount)
	assert.Equal(t, 9, res.Page)
}

func TestRunSentimentSummary(t *testing.T) {
	e := newEngine(t,
		rec("b1", func(r *flow.Record) { r.Premium = 70_000 }),
		rec("s1", func(r *flow.Record) {
			r.Premium = 30_000
			r.Sentiment = flow.Bearish
		}),
	)

	res := e.Run(context.Background(), Params{}, "open")
	assert.Equal(t, "Bullish", res.OverallSentiment.Sentiment)
	assert.InDelta(t, 0.7, res.OverallSentiment.BullishPremiumShare, 1e-9)
	assert.InDelta(t, 40_000, res.OverallSentiment.NetPremium, 1e-9)

	res = e.Run(context.Background(), Params{Ticker: "NONE"}, "open")
	assert.Equal(t, "Neutral", res.OverallSentiment.Sentiment)
	assert.Zero(t, res.OverallSentiment.NetPremium)
}

func TestRunTickerFetchBypass(t *testing.T) {
	s := store.New(metrics.New())
	s.Insert(rec("stored", nil))

	fetched := []*flow.Record{rec("live", func(r *flow.Record) { r.Ticker = "TSLA" })}
	var gotTicker string
	var gotLimit int
	e := New(s, func(_ context.Context, ticker string, limit int) ([]*flow.Record, error) {
		gotTicker = ticker
		gotLimit = limit
		return fetched, nil
	})

	res := e.Run(context.Background(), Params{Ticker: "tsla"}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "live", res.Flows[0].ID)
	assert.Equal(t, "TSLA", gotTicker)
	assert.Equal(t, 2000, gotLimit)

	// Fetcher errors fall back to the store.
	e = New(s, func(context.Context, string, int) ([]*flow.Record, error) {
		return nil, context.DeadlineExceeded
	})
	res = e.Run(context.Background(), Params{Ticker: "SPY"}, "open")
	require.Len(t, res.Flows, 1)
	assert.Equal(t, "stored", res.Flows[0].ID)
}

func TestRunRepeatableWithoutWrites(t *testing.T) {
	e := newEngine(t,
		rec("a", func(r *flow.Record) { r.Premium = 90_000 }),
		rec("b", func(r *flow.Record) { r.Premium = 40_000 }),
		rec("c", func(r *flow.Record) { r.Premium = 65_000 }),
	)
	p := Params{Sort: "premium", Limit: 2}

	first := e.Run(context.Background(), p, "open")
	second := e.Run(context.Background(), p, "open")

	require.Len(t, first.Flows, 2)
	require.Len(t, second.Flows, 2)
	for i := range first.Flows {
		assert.Equal(t, first.Flows[i].ID, second.Flows[i].ID)
	}
	assert.Equal(t, first.TotalCount, second.TotalCount)
	assert.Equal(t, first.OverallSentiment, second.OverallSentiment)
}

func TestRunEchoesMarketStatus(t *testing.T) {
	e := newEngine(t, rec("r", nil))
	res := e.Run(context.Background(), Params{}, "closed")
	assert.Equal(t, "closed", res.MarketStatus)
	assert.Equal(t, 1, res.StoreSize)
}
