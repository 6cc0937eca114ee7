// Package scanner sweeps a small watchlist for unusual options activity
// and emits ranked alerts with a suggested trade plan.
package scanner

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/gex"
	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/occ"
)

// Operating limits.
const (
	MaxWatchlist = 10
	MaxAlerts    = 500

	pagesPerTicker = 2
	pageLimit      = 100

	// Real GEX refinement is only attempted for the first alerts of a
	// position-filtered scan, bounded by a hard timeout.
	gexRefineLimit   = 50
	gexRefineTimeout = 500 * time.Millisecond

	// Strikes within this percent of the reference price classify "at".
	atDistancePct = 2.0
)

// GEX position labels.
const (
	PositionAll   = "all"
	PositionAbove = "above"
	PositionAt    = "at"
	PositionBelow = "below"
)

// Filter is the scan request configuration.
type Filter struct {
	MinVolume   float64 `json:"minVolume"`
	MinPremium  float64 `json:"minPremium"`
	MaxDTE      int     `json:"maxDte"`
	GEXPosition string  `json:"gexPosition"` // all | above | at | below
	MinScore    float64 `json:"minScore"`
}

// TradePlan is the suggested management of one alert.
type TradePlan struct {
	Entry       float64  `json:"entry"`
	StopLoss    float64  `json:"stopLoss"`
	StopLossPct float64  `json:"stopLossPct"`
	Target1     float64  `json:"target1"`
	Target2     float64  `json:"target2"`
	Why         []string `json:"why"`
}

// Alert is one qualifying contract.
type Alert struct {
	Symbol       string         `json:"symbol"`
	Ticker       string         `json:"ticker"`
	Kind         occ.OptionKind `json:"type"`
	Strike       float64        `json:"strike"`
	Expiration   string         `json:"expiration"`
	DTE          int            `json:"dte"`
	Price        float64        `json:"price"`
	Volume       float64        `json:"volume"`
	OpenInterest float64        `json:"openInterest"`
	Premium      float64        `json:"premium"`
	SpotPrice    float64        `json:"spotPrice"`
	Score        float64        `json:"score"`
	GEXPosition  string         `json:"gexPosition"`
	Plan         TradePlan      `json:"tradePlan"`
}

// Scanner runs watchlist scans against the vendor snapshot endpoint.
type Scanner struct {
	vendor *massive.Client
	gex    *gex.Engine
	logger *logrus.Logger
}

// New creates a scanner. The GEX engine is used only for position
// refinement and may be nil, in which case the strike-distance heuristic
// always applies.
func New(vendor *massive.Client, gexEngine *gex.Engine, logger *logrus.Logger) *Scanner {
	return &Scanner{vendor: vendor, gex: gexEngine, logger: logger}
}

// Scan fans out over the watchlist, collects qualifying alerts, and
// returns them sorted by score descending, capped at MaxAlerts. Watchlists
// beyond MaxWatchlist tickers are truncated.
func (s *Scanner) Scan(ctx context.Context, watchlist []string, f Filter) ([]Alert, error) {
	if len(watchlist) > MaxWatchlist {
		watchlist = watchlist[:MaxWatchlist]
	}

	var mu sync.Mutex
	var alerts []Alert

	g, gctx := errgroup.WithContext(ctx)
	for _, ticker := range watchlist {
		ticker := strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" {
			continue
		}
		g.Go(func() error {
			found := s.scanTicker(gctx, ticker, f, func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(alerts)
			})
			mu.Lock()
			alerts = append(alerts, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Score > alerts[j].Score })
	if len(alerts) > MaxAlerts {
		alerts = alerts[:MaxAlerts]
	}
	return alerts, nil
}

// scanTicker evaluates one ticker's chain. Vendor failures degrade to an
// empty result so one sick ticker never kills the whole scan.
func (s *Scanner) scanTicker(ctx context.Context, ticker string, f Filter, alertCount func() int) []Alert {
	results, err := s.vendor.SnapshotChain(ctx, ticker, pageLimit, pagesPerTicker, "")
	if err != nil && len(results) == 0 {
		s.logger.WithError(err).WithField("ticker", ticker).Warn("scan snapshot failed")
		return nil
	}

	spot := s.resolveSpot(ctx, ticker, results)

	// One surface refinement per ticker at most.
	var surface *gex.Surface
	var surfaceTried bool

	var alerts []Alert
	for i := range results {
		alert, ok := s.evaluate(&results[i], ticker, spot, f)
		if !ok {
			continue
		}

		if f.GEXPosition != "" && f.GEXPosition != PositionAll {
			if !surfaceTried && alertCount()+len(alerts) < gexRefineLimit {
				surfaceTried = true
				surface = s.refineSurface(ctx, ticker)
			}
			if surface != nil {
				alert.GEXPosition = classifyPosition(alert.Strike, surface.KeyLevels.GammaWall)
			}
			if alert.GEXPosition != f.GEXPosition {
				continue
			}
		}

		alerts = append(alerts, alert)
	}
	return alerts
}

// evaluate applies the numeric filters with their leniency rules and
// builds the alert when the contract qualifies.
func (s *Scanner) evaluate(r *massive.SnapshotResult, ticker string, spot float64, f Filter) (Alert, bool) {
	symbol := snapshotSymbol(r)
	contract, err := occ.Parse(symbol)
	if err != nil {
		return Alert{}, false
	}

	dte := contract.DTE(time.Now())
	if dte < 0 {
		return Alert{}, false
	}
	if f.MaxDTE > 0 && dte > f.MaxDTE {
		return Alert{}, false
	}

	volume := snapshotVolume(r)
	oi := snapshotOI(r)

	// Leniency: a quiet contract with heavy open interest still qualifies.
	notional := volume
	if volume < f.MinVolume {
		if !(volume == 0 && f.MinVolume > 0 && oi >= 10*f.MinVolume) {
			return Alert{}, false
		}
		notional = oi
	}

	price := snapshotPrice(r)
	if price <= 0 {
		return Alert{}, false
	}

	premium := price * notional * 100
	if f.MinPremium > 0 && premium < f.MinPremium {
		return Alert{}, false
	}

	score := flow.SetupScore(volume, oi, premium, "", "", dte)
	// Leniency: within one point of the requested floor still qualifies.
	if f.MinScore > 0 && score < f.MinScore-1 {
		return Alert{}, false
	}

	position := classifyPosition(contract.Strike, spot)

	alert := Alert{
		Symbol:       symbol,
		Ticker:       ticker,
		Kind:         contract.Kind,
		Strike:       contract.Strike,
		Expiration:   contract.Expiration.Format("2006-01-02"),
		DTE:          dte,
		Price:        price,
		Volume:       volume,
		OpenInterest: oi,
		Premium:      premium,
		SpotPrice:    spot,
		Score:        score,
		GEXPosition:  position,
	}
	alert.Plan = buildPlan(alert)
	return alert, true
}

// refineSurface fetches the real GEX surface under a hard timeout. On any
// failure the strike-distance heuristic stands.
func (s *Scanner) refineSurface(ctx context.Context, ticker string) *gex.Surface {
	if s.gex == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, gexRefineTimeout)
	defer cancel()

	surface, err := s.gex.Surface(rctx, ticker, false)
	if err != nil {
		s.logger.WithError(err).WithField("ticker", ticker).Debug("gex refinement unavailable")
		return nil
	}
	return surface
}

// classifyPosition places a strike relative to a reference price. The
// reference is the spot by default, or the gamma wall when a real surface
// was fetched; either way the proxy can diverge from a full dealer-gamma
// read.
func classifyPosition(strike, reference float64) string {
	if reference <= 0 {
		return PositionAt
	}
	distPct := (strike - reference) / reference * 100
	if math.Abs(distPct) < atDistancePct {
		return PositionAt
	}
	if distPct > 0 {
		return PositionAbove
	}
	return PositionBelow
}

// Trade-plan tiers.
func buildPlan(a Alert) TradePlan {
	stopPct := 0.30
	switch {
	case a.Score >= 8:
		stopPct = 0.25
	case a.Score < 5:
		stopPct = 0.35
	}
	// Fighting the dealers' gamma earns a wider stop.
	if (a.Kind == occ.Call && a.GEXPosition == PositionBelow) ||
		(a.Kind == occ.Put && a.GEXPosition == PositionAbove) {
		stopPct += 0.05
	}

	var t1Pct, t2Pct float64
	switch {
	case a.Score >= 8:
		t1Pct, t2Pct = 0.50, 1.00
	case a.Score >= 6:
		t1Pct, t2Pct = 0.30, 0.60
	default:
		t1Pct, t2Pct = 0.20, 0.40
	}

	plan := TradePlan{
		Entry:       a.Price,
		StopLossPct: stopPct * 100,
		StopLoss:    round2(a.Price * (1 - stopPct)),
		Target1:     round2(a.Price * (1 + t1Pct)),
		Target2:     round2(a.Price * (1 + t2Pct)),
	}

	if a.Volume > a.OpenInterest && a.OpenInterest > 0 {
		plan.Why = append(plan.Why, "volume exceeds open interest")
	}
	if a.Premium >= 100_000 {
		plan.Why = append(plan.Why, "large premium commitment")
	}
	if a.Score >= flow.HighProbabilityThreshold {
		plan.Why = append(plan.Why, "high setup score")
	}
	if a.GEXPosition == PositionAt {
		plan.Why = append(plan.Why, "strike near the gamma pivot")
	}
	if a.DTE <= 7 {
		plan.Why = append(plan.Why, "short-dated expiry")
	}
	if len(plan.Why) == 0 {
		plan.Why = append(plan.Why, "meets scan thresholds")
	}
	return plan
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// resolveSpot prefers the previous close, falling back to the chain's own
// underlying metadata.
func (s *Scanner) resolveSpot(ctx context.Context, ticker string, results []massive.SnapshotResult) float64 {
	if price, err := s.vendor.PrevClose(ctx, ticker); err == nil && price > 0 {
		return price
	}
	for i := range results {
		ua := results[i].UnderlyingAsset
		if ua == nil {
			continue
		}
		if ua.Price != nil && *ua.Price > 0 {
			return *ua.Price
		}
		if ua.Value != nil && *ua.Value > 0 {
			return *ua.Value
		}
	}
	return 0
}

// Snapshot field access, favouring the modern nesting.

func snapshotSymbol(r *massive.SnapshotResult) string {
	if r.Details != nil && r.Details.Ticker != "" {
		return r.Details.Ticker
	}
	return r.Ticker
}

func snapshotVolume(r *massive.SnapshotResult) float64 {
	if r.Day != nil && r.Day.Volume != nil {
		return *r.Day.Volume
	}
	if r.Volume != nil {
		return *r.Volume
	}
	return 0
}

func snapshotOI(r *massive.SnapshotResult) float64 {
	if r.OpenInterest != nil {
		return *r.OpenInterest
	}
	if r.Details != nil && r.Details.OpenInterest != nil {
		return *r.Details.OpenInterest
	}
	return 0
}

func snapshotPrice(r *massive.SnapshotResult) float64 {
	if r.LastTrade != nil && r.LastTrade.Price > 0 {
		return r.LastTrade.Price
	}
	if r.LastQuote != nil && r.LastQuote.Midpoint > 0 {
		return r.LastQuote.Midpoint
	}
	if r.Mark != nil && *r.Mark > 0 {
		return *r.Mark
	}
	if r.Last != nil && *r.Last > 0 {
		return *r.Last
	}
	return 0
}
