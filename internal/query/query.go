// Package query evaluates client flow queries against the trade store:
// multi-dimensional predicates combined by AND (OR within list-valued
// filters), explicit sort over the full filtered set, then pagination.
package query

import (
	"context"
	"sort"
	"strings"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/occ"
	"github.com/quantfeed/optionsflow/internal/pricing"
	"github.com/quantfeed/optionsflow/internal/store"
)

// Sort keys. All orderings are descending.
const (
	SortTime       = "time"
	SortPremium    = "premium"
	SortVolume     = "volume"
	SortConfidence = "confidence"
	SortIV         = "iv"
)

// DefaultLimit applies when the request names none.
const DefaultLimit = 50

// tickerFetchCap bounds the direct ticker-scoped fetch path.
const tickerFetchCap = 2000

// Params is one client query: filters, sort, and pagination.
type Params struct {
	Ticker string

	Calls bool
	Puts  bool

	TradeTypes []flow.TradeType

	MinPremium float64
	MaxPremium float64
	MinStrike  float64
	MaxStrike  float64
	MinBidAsk  float64
	MaxBidAsk  float64

	ITM bool
	OTM bool
	ATM bool

	AboveAsk bool
	BelowBid bool

	VolGtOI bool

	ShortExpiry bool  // DTE <= 30
	Leaps       bool  // DTE >= 365
	DTEs        []int // exact-day multi-select
	MaxDTE      int

	StockPriceRanges []string // "<25" | "25-75" | "75-150" | ">150"
	OIRanges         []string // "<1k" | "1-5k" | "5-25k" | ">25k"
	VolumeRanges     []string

	MinVolume     float64
	MinConfidence float64

	ExcludeSymbols []string

	Sort  string
	Page  int
	Limit int
}

// OverallSentiment summarizes the premium balance of a returned page.
type OverallSentiment struct {
	Sentiment           string  `json:"sentiment"` // Bullish | Bearish | Neutral
	BullishPremiumShare float64 `json:"bullishPremiumShare"`
	NetPremium          float64 `json:"netPremium"`
}

// Result is the query response wrapper.
type Result struct {
	Count            int              `json:"count"`
	TotalCount       int              `json:"totalCount"`
	Page             int              `json:"page"`
	TotalPages       int              `json:"totalPages"`
	Limit            int              `json:"limit"`
	Flows            []*flow.Record   `json:"flows"`
	StoreSize        int              `json:"storeSize"`
	MarketStatus     string           `json:"marketStatus"`
	OverallSentiment OverallSentiment `json:"overallSentiment"`
}

// TickerFetcher performs a direct, ticker-scoped vendor fetch, bypassing
// the store. Optional; the engine falls back to the store without it.
type TickerFetcher func(ctx context.Context, ticker string, limit int) ([]*flow.Record, error)

// Engine evaluates queries over store snapshots.
type Engine struct {
	store   *store.Store
	fetcher TickerFetcher
}

// New creates a query engine. fetcher may be nil.
func New(s *store.Store, fetcher TickerFetcher) *Engine {
	return &Engine{store: s, fetcher: fetcher}
}

// Run evaluates the query: snapshot, filter, sort the whole filtered set,
// then slice the requested page. marketStatus is echoed into the wrapper.
func (e *Engine) Run(ctx context.Context, p Params, marketStatus string) *Result {
	records := e.source(ctx, p)

	filtered := make([]*flow.Record, 0, len(records))
	for _, rec := range records {
		if p.matches(rec) {
			filtered = append(filtered, rec)
		}
	}

	sortRecords(filtered, p.Sort)

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}

	total := len(filtered)
	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}

	offset := (page - 1) * limit
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	pageRecords := filtered[offset:end]

	return &Result{
		Count:            len(pageRecords),
		TotalCount:       total,
		Page:             page,
		TotalPages:       totalPages,
		Limit:            limit,
		Flows:            pageRecords,
		StoreSize:        e.store.Len(),
		MarketStatus:     marketStatus,
		OverallSentiment: summarize(pageRecords),
	}
}

// source picks between the store snapshot and the direct ticker fetch.
func (e *Engine) source(ctx context.Context, p Params) []*flow.Record {
	if p.Ticker != "" && e.fetcher != nil {
		if records, err := e.fetcher(ctx, strings.ToUpper(p.Ticker), tickerFetchCap); err == nil && len(records) > 0 {
			return records
		}
	}
	return e.store.Snapshot()
}

func (p Params) matches(rec *flow.Record) bool {
	if p.Ticker != "" && !strings.EqualFold(p.Ticker, rec.Ticker) {
		return false
	}

	// Kind: filtering applies only when exactly one flag is set.
	if p.Calls != p.Puts {
		if p.Calls && rec.Kind != occ.Call {
			return false
		}
		if p.Puts && rec.Kind != occ.Put {
			return false
		}
	}

	if len(p.TradeTypes) > 0 && !containsTradeType(p.TradeTypes, rec.TradeType) {
		return false
	}

	if p.MinPremium > 0 && rec.Premium < p.MinPremium {
		return false
	}
	if p.MaxPremium > 0 && rec.Premium > p.MaxPremium {
		return false
	}
	if p.MinStrike > 0 && rec.Strike < p.MinStrike {
		return false
	}
	if p.MaxStrike > 0 && rec.Strike > p.MaxStrike {
		return false
	}

	spread := rec.Ask - rec.Bid
	if p.MinBidAsk > 0 && spread < p.MinBidAsk {
		return false
	}
	if p.MaxBidAsk > 0 && spread > p.MaxBidAsk {
		return false
	}

	if p.ITM || p.OTM || p.ATM {
		ok := (p.ITM && rec.Moneyness == flow.ITM) ||
			(p.OTM && rec.Moneyness == flow.OTM) ||
			(p.ATM && rec.Moneyness == flow.ATM)
		if !ok {
			return false
		}
	}

	if p.AboveAsk || p.BelowBid {
		ok := (p.AboveAsk && rec.Side == flow.AboveAsk) ||
			(p.BelowBid && rec.Side == flow.BelowBid)
		if !ok {
			return false
		}
	}

	if p.VolGtOI && rec.Volume <= rec.OpenInterest {
		return false
	}

	if p.ShortExpiry && rec.DTE > 30 {
		return false
	}
	if p.Leaps && rec.DTE < 365 {
		return false
	}
	if len(p.DTEs) > 0 && !containsInt(p.DTEs, rec.DTE) {
		return false
	}
	if p.MaxDTE > 0 && rec.DTE > p.MaxDTE {
		return false
	}

	if len(p.StockPriceRanges) > 0 && !inAnyPriceRange(p.StockPriceRanges, rec.Spot) {
		return false
	}
	if len(p.OIRanges) > 0 && !inAnyCountRange(p.OIRanges, rec.OpenInterest) {
		return false
	}
	if len(p.VolumeRanges) > 0 && !inAnyCountRange(p.VolumeRanges, rec.Volume) {
		return false
	}

	if p.MinVolume > 0 && rec.Volume < p.MinVolume {
		return false
	}
	if p.MinConfidence > 0 && rec.Score < p.MinConfidence {
		return false
	}

	for _, sym := range p.ExcludeSymbols {
		if strings.EqualFold(sym, rec.Ticker) {
			return false
		}
	}

	return true
}

func containsTradeType(haystack []flow.TradeType, needle flow.TradeType) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// inAnyPriceRange tests spot against the fixed stock-price buckets.
func inAnyPriceRange(ranges []string, spot float64) bool {
	for _, r := range ranges {
		switch r {
		case "<25":
			if spot > 0 && spot < 25 {
				return true
			}
		case "25-75":
			if spot >= 25 && spot <= 75 {
				return true
			}
		case "75-150":
			if spot >= 75 && spot <= 150 {
				return true
			}
		case ">150":
			if spot > 150 {
				return true
			}
		}
	}
	return false
}

// inAnyCountRange tests a volume/OI value against the fixed k-buckets.
func inAnyCountRange(ranges []string, v float64) bool {
	for _, r := range ranges {
		switch r {
		case "<1k":
			if v < 1000 {
				return true
			}
		case "1-5k":
			if v >= 1000 && v <= 5000 {
				return true
			}
		case "5-25k":
			if v >= 5000 && v <= 25000 {
				return true
			}
		case ">25k":
			if v > 25000 {
				return true
			}
		}
	}
	return false
}

func sortRecords(records []*flow.Record, key string) {
	switch key {
	case SortPremium:
		sort.SliceStable(records, func(i, j int) bool { return records[i].Premium > records[j].Premium })
	case SortVolume:
		sort.SliceStable(records, func(i, j int) bool { return records[i].Volume > records[j].Volume })
	case SortConfidence:
		sort.SliceStable(records, func(i, j int) bool { return records[i].Score > records[j].Score })
	case SortIV:
		sort.SliceStable(records, func(i, j int) bool {
			return pricing.ParseIV(records[i].IV) > pricing.ParseIV(records[j].IV)
		})
	default: // SortTime
		sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	}
}

// Sentiment share thresholds for the page summary.
const (
	bullishShare = 0.6
	bearishShare = 0.4
)

func summarize(records []*flow.Record) OverallSentiment {
	var bull, bear float64
	for _, rec := range records {
		switch rec.Sentiment {
		case flow.Bullish:
			bull += rec.Premium
		case flow.Bearish:
			bear += rec.Premium
		}
	}

	out := OverallSentiment{NetPremium: bull - bear, Sentiment: "Neutral"}
	if bull+bear > 0 {
		out.BullishPremiumShare = bull / (bull + bear)
		if out.BullishPremiumShare >= bullishShare {
			out.Sentiment = "Bullish"
		} else if out.BullishPremiumShare <= bearishShare {
			out.Sentiment = "Bearish"
		}
	}
	return out
}
