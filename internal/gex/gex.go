// Package gex computes the dealer gamma-exposure surface of an option
// chain: per-strike call/put/net GEX grouped by expiration, key levels
// (gamma wall, support, resistance, flip point, max pain), aggregate
// Greeks, and a strike-by-expiration heatmap.
package gex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/occ"
)

// Chain fetch bounds.
const (
	pageLimit          = 100
	maxSnapshotPages   = 100
	maxContractPages   = 10
	maxExtraExpiries   = 25
	contractMultiplier = 100
)

// Sentinel errors. Both map to a not-found response upstream.
var (
	ErrNoChain = errors.New("no option chain data")
	ErrNoSpot  = errors.New("spot price unavailable")
)

// StrikeGEX is the per-strike aggregation within one expiration.
type StrikeGEX struct {
	Strike  float64 `json:"strike"`
	CallGEX float64 `json:"callGex"`
	PutGEX  float64 `json:"putGex"`
	NetGEX  float64 `json:"netGex"`
	CallOI  float64 `json:"callOpenInterest"`
	PutOI   float64 `json:"putOpenInterest"`
}

// ExpirationGEX groups strike rows under one expiration date.
type ExpirationGEX struct {
	Expiration string      `json:"expiration"`
	Strikes    []StrikeGEX `json:"strikes"`
}

// KeyLevels are the strike landmarks derived from the net GEX profile.
type KeyLevels struct {
	GammaWall  float64   `json:"gammaWall"`
	Support    []float64 `json:"support"`
	Resistance []float64 `json:"resistance"`
	GammaFlip  *float64  `json:"gammaFlip"` // nil when netGEX never crosses zero
	MaxPain    float64   `json:"maxPain"`
}

// Summary carries chain-wide totals.
type Summary struct {
	TotalCallGEX      float64 `json:"totalCallGex"`
	TotalPutGEX       float64 `json:"totalPutGex"`
	NetGEX            float64 `json:"netGex"`
	TotalDelta        float64 `json:"totalDelta"`
	TotalGamma        float64 `json:"totalGamma"`
	ContractsAnalyzed int     `json:"contractsAnalyzed"`
	ContractsSkipped  int     `json:"contractsSkipped"`
}

// FlowDelta is the net GEX drift of one strike across the expiration axis.
type FlowDelta struct {
	Strike float64 `json:"strike"`
	Delta  float64 `json:"delta"`
}

// Heatmap is the strike-by-expiration net GEX grid. Cells[i][j] is the
// value for Strikes[i] at Expirations[j]; nil marks a hole in the chain.
type Heatmap struct {
	Expirations []string     `json:"expirations"`
	Strikes     []float64    `json:"strikes"`
	Cells       [][]*float64 `json:"cells"`
	FlowDeltas  []FlowDelta  `json:"flowDeltas"`
}

// Surface is the full GEX response for one underlying.
type Surface struct {
	Ticker       string          `json:"ticker"`
	SpotPrice    float64         `json:"spotPrice"`
	Summary      Summary         `json:"summary"`
	ByExpiration []ExpirationGEX `json:"byExpiration"`
	KeyLevels    KeyLevels       `json:"keyLevels"`
	Heatmap      *Heatmap        `json:"heatmap,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Engine computes GEX surfaces from vendor chain snapshots.
type Engine struct {
	vendor *massive.Client
	logger *logrus.Logger
}

// New creates a GEX engine.
func New(vendor *massive.Client, logger *logrus.Logger) *Engine {
	return &Engine{vendor: vendor, logger: logger}
}

// Surface fetches the chain for ticker and computes the full surface.
// withHeatmap controls whether the densified grid is assembled.
func (e *Engine) Surface(ctx context.Context, ticker string, withHeatmap bool) (*Surface, error) {
	results, err := e.fetchChain(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoChain
	}

	spot := resolveSpot(results)
	if spot <= 0 {
		return nil, ErrNoSpot
	}

	surface := e.aggregate(ticker, spot, results)
	if withHeatmap {
		surface.Heatmap = buildHeatmap(spot, surface.ByExpiration)
	}
	return surface, nil
}

// fetchChain snapshots the whole chain. When the snapshot collapses to a
// single expiration but the reference endpoint lists more, the missing
// expirations are fetched one by one.
func (e *Engine) fetchChain(ctx context.Context, ticker string) ([]massive.SnapshotResult, error) {
	results, err := e.vendor.SnapshotChain(ctx, ticker, pageLimit, maxSnapshotPages, "")
	if err != nil {
		return nil, fmt.Errorf("chain snapshot for %s: %w", ticker, err)
	}

	got := expirationsOf(results)
	if len(got) != 1 {
		return results, nil
	}

	refs, err := e.vendor.ListContracts(ctx, ticker, maxContractPages)
	if err != nil {
		e.logger.WithError(err).WithField("ticker", ticker).Debug("contract enumeration failed")
		return results, nil
	}

	var extra int
	for _, exp := range referencedExpirations(refs) {
		if got[exp] {
			continue
		}
		if extra >= maxExtraExpiries {
			break
		}
		extra++
		page, err := e.vendor.SnapshotChain(ctx, ticker, pageLimit, 1, exp)
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"ticker":     ticker,
				"expiration": exp,
			}).Debug("per-expiration snapshot failed")
			continue
		}
		results = append(results, page...)
	}
	return results, nil
}

func expirationsOf(results []massive.SnapshotResult) map[string]bool {
	out := make(map[string]bool)
	for i := range results {
		if exp := expirationOf(&results[i]); exp != "" {
			out[exp] = true
		}
	}
	return out
}

func referencedExpirations(refs []massive.ContractRef) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ref := range refs {
		if ref.ExpirationDate != "" && !seen[ref.ExpirationDate] {
			seen[ref.ExpirationDate] = true
			out = append(out, ref.ExpirationDate)
		}
	}
	sort.Strings(out)
	return out
}

// resolveSpot takes the first underlying price the chain carries, falling
// back to the median strike when no contract prices the underlying.
func resolveSpot(results []massive.SnapshotResult) float64 {
	var strikes []float64
	for i := range results {
		r := &results[i]
		if r.UnderlyingAsset != nil {
			if r.UnderlyingAsset.Price != nil && *r.UnderlyingAsset.Price > 0 {
				return *r.UnderlyingAsset.Price
			}
			if r.UnderlyingAsset.Value != nil && *r.UnderlyingAsset.Value > 0 {
				return *r.UnderlyingAsset.Value
			}
		}
		if k := strikeOf(r); k > 0 {
			strikes = append(strikes, k)
		}
	}
	if len(strikes) == 0 {
		return 0
	}
	sort.Float64s(strikes)
	return strikes[len(strikes)/2]
}

// strikeBucket accumulates one (expiration, strike) cell.
type strikeBucket struct {
	callGEX, putGEX float64
	callOI, putOI   float64
}

// aggregate groups contracts by expiration and strike and derives the
// summary and key levels. Contracts without a vendor gamma or with zero
// open interest are skipped; synthesising gamma from IV would silently
// change the totals, so there is no fallback.
func (e *Engine) aggregate(ticker string, spot float64, results []massive.SnapshotResult) *Surface {
	byExp := make(map[string]map[float64]*strikeBucket)
	var summary Summary

	for i := range results {
		r := &results[i]

		exp := expirationOf(r)
		strike := strikeOf(r)
		kind := kindOf(r)
		if exp == "" || strike <= 0 || kind == "" {
			summary.ContractsSkipped++
			continue
		}

		oi := openInterestOf(r)
		if r.Greeks == nil || r.Greeks.Gamma == nil || math.IsNaN(*r.Greeks.Gamma) || oi <= 0 {
			summary.ContractsSkipped++
			continue
		}
		gamma := *r.Greeks.Gamma

		strikes, ok := byExp[exp]
		if !ok {
			strikes = make(map[float64]*strikeBucket)
			byExp[exp] = strikes
		}
		bucket, ok := strikes[strike]
		if !ok {
			bucket = &strikeBucket{}
			strikes[strike] = bucket
		}

		exposure := gamma * oi * contractMultiplier * spot * spot
		if kind == occ.Call {
			bucket.callGEX += exposure
			bucket.callOI += oi
			summary.TotalCallGEX += exposure
		} else {
			bucket.putGEX -= exposure // puts carry dealer-negative sign
			bucket.putOI += oi
			summary.TotalPutGEX -= exposure
		}

		if r.Greeks.Delta != nil && !math.IsNaN(*r.Greeks.Delta) {
			summary.TotalDelta += *r.Greeks.Delta * oi * contractMultiplier
		}
		summary.TotalGamma += gamma * oi * contractMultiplier
		summary.ContractsAnalyzed++
	}

	summary.NetGEX = summary.TotalCallGEX + summary.TotalPutGEX

	expirations := make([]string, 0, len(byExp))
	for exp := range byExp {
		expirations = append(expirations, exp)
	}
	sort.Strings(expirations)

	byExpiration := make([]ExpirationGEX, 0, len(expirations))
	for _, exp := range expirations {
		strikes := byExp[exp]
		rows := make([]StrikeGEX, 0, len(strikes))
		for strike, bucket := range strikes {
			rows = append(rows, StrikeGEX{
				Strike:  strike,
				CallGEX: bucket.callGEX,
				PutGEX:  bucket.putGEX,
				NetGEX:  bucket.callGEX + bucket.putGEX,
				CallOI:  bucket.callOI,
				PutOI:   bucket.putOI,
			})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Strike < rows[j].Strike })
		byExpiration = append(byExpiration, ExpirationGEX{Expiration: exp, Strikes: rows})
	}

	return &Surface{
		Ticker:       ticker,
		SpotPrice:    spot,
		Summary:      summary,
		ByExpiration: byExpiration,
		KeyLevels:    keyLevels(spot, byExpiration),
		UpdatedAt:    time.Now().UTC(),
	}
}

// keyLevels folds every expiration's strike rows into one profile and
// derives the landmarks.
func keyLevels(spot float64, byExpiration []ExpirationGEX) KeyLevels {
	merged := make(map[float64]*StrikeGEX)
	for _, exp := range byExpiration {
		for _, row := range exp.Strikes {
			agg, ok := merged[row.Strike]
			if !ok {
				agg = &StrikeGEX{Strike: row.Strike}
				merged[row.Strike] = agg
			}
			agg.CallGEX += row.CallGEX
			agg.PutGEX += row.PutGEX
			agg.NetGEX += row.NetGEX
			agg.CallOI += row.CallOI
			agg.PutOI += row.PutOI
		}
	}

	profile := make([]StrikeGEX, 0, len(merged))
	for _, row := range merged {
		profile = append(profile, *row)
	}
	sort.Slice(profile, func(i, j int) bool { return profile[i].Strike < profile[j].Strike })

	var levels KeyLevels
	if len(profile) == 0 {
		return levels
	}

	// Gamma wall: largest net exposure by magnitude.
	wall := profile[0]
	for _, row := range profile[1:] {
		if math.Abs(row.NetGEX) > math.Abs(wall.NetGEX) {
			wall = row
		}
	}
	levels.GammaWall = wall.Strike

	levels.Support = topByMagnitude(profile, 3, func(r StrikeGEX) bool { return r.Strike < spot })
	levels.Resistance = topByMagnitude(profile, 3, func(r StrikeGEX) bool { return r.Strike > spot })
	levels.GammaFlip = flipPoint(profile)
	levels.MaxPain = maxPain(profile)
	return levels
}

func topByMagnitude(profile []StrikeGEX, n int, keep func(StrikeGEX) bool) []float64 {
	var rows []StrikeGEX
	for _, row := range profile {
		if keep(row) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return math.Abs(rows[i].NetGEX) > math.Abs(rows[j].NetGEX)
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]float64, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Strike)
	}
	return out
}

// flipPoint interpolates the strike where netGEX crosses zero, scanning
// strikes in ascending order. Nil when the profile never changes sign.
func flipPoint(profile []StrikeGEX) *float64 {
	for i := 1; i < len(profile); i++ {
		prev, cur := profile[i-1], profile[i]
		if prev.NetGEX == 0 {
			k := prev.Strike
			return &k
		}
		if (prev.NetGEX < 0) != (cur.NetGEX < 0) {
			span := cur.NetGEX - prev.NetGEX
			if span == 0 {
				k := prev.Strike
				return &k
			}
			frac := -prev.NetGEX / span
			k := prev.Strike + frac*(cur.Strike-prev.Strike)
			return &k
		}
	}
	return nil
}

// maxPain finds the strike minimizing total option-holder payout at
// expiry over the candidate strikes of the profile.
func maxPain(profile []StrikeGEX) float64 {
	best := profile[0].Strike
	bestPain := math.Inf(1)
	for _, candidate := range profile {
		var pain float64
		for _, row := range profile {
			pain += math.Max(0, candidate.Strike-row.Strike) * row.CallOI
			pain += math.Max(0, row.Strike-candidate.Strike) * row.PutOI
		}
		if pain < bestPain {
			bestPain = pain
			best = candidate.Strike
		}
	}
	return best
}

// heatmap grid parameters. The coarse step applies to higher-priced
// underlyings.
const (
	gridFineStep   = 2.50
	gridCoarseStep = 5.00
	gridFineLimit  = 250.0 // spot below this uses the fine step
	gridLowerFrac  = 0.2
	gridUpperFrac  = 2.0
	gridSnapWindow = 0.50
)

// buildHeatmap assembles the strike-by-expiration grid: expirations
// ascending, strikes descending, each cell snapped to the closest real
// strike within the snap window.
func buildHeatmap(spot float64, byExpiration []ExpirationGEX) *Heatmap {
	if len(byExpiration) == 0 {
		return &Heatmap{}
	}

	step := gridCoarseStep
	if spot < gridFineLimit {
		step = gridFineStep
	}

	lo := math.Floor(spot * gridLowerFrac / step) * step
	if lo < step {
		lo = step
	}
	hi := math.Ceil(spot * gridUpperFrac / step) * step

	var strikes []float64
	for k := hi; k >= lo; k -= step {
		strikes = append(strikes, k)
	}

	expirations := make([]string, 0, len(byExpiration))
	lookup := make([]map[float64]float64, 0, len(byExpiration))
	for _, exp := range byExpiration {
		expirations = append(expirations, exp.Expiration)
		cells := make(map[float64]float64, len(exp.Strikes))
		for _, row := range exp.Strikes {
			cells[row.Strike] = row.NetGEX
		}
		lookup = append(lookup, cells)
	}

	cells := make([][]*float64, len(strikes))
	for i, gridStrike := range strikes {
		row := make([]*float64, len(expirations))
		for j := range expirations {
			if v, ok := snap(lookup[j], gridStrike); ok {
				value := v
				row[j] = &value
			}
		}
		cells[i] = row
	}

	return &Heatmap{
		Expirations: expirations,
		Strikes:     strikes,
		Cells:       cells,
		FlowDeltas:  flowDeltas(strikes, cells),
	}
}

// snap finds the chain strike closest to gridStrike within the snap
// window.
func snap(cells map[float64]float64, gridStrike float64) (float64, bool) {
	bestDist := math.Inf(1)
	var best float64
	var found bool
	for strike, v := range cells {
		d := math.Abs(strike - gridStrike)
		if d <= gridSnapWindow && d < bestDist {
			bestDist = d
			best = v
			found = true
		}
	}
	return best, found
}

// flowDeltas computes, per grid strike, the drift between the first and
// last populated cell along the expiration axis.
func flowDeltas(strikes []float64, cells [][]*float64) []FlowDelta {
	out := make([]FlowDelta, 0, len(strikes))
	for i, strike := range strikes {
		var first, last *float64
		for _, cell := range cells[i] {
			if cell == nil {
				continue
			}
			if first == nil {
				first = cell
			}
			last = cell
		}
		var delta float64
		if first != nil && last != nil && first != last {
			delta = *last - *first
		}
		out = append(out, FlowDelta{Strike: strike, Delta: delta})
	}
	return out
}

// Field resolution over the snapshot schema variants.

func expirationOf(r *massive.SnapshotResult) string {
	if r.Details != nil && r.Details.ExpirationDate != "" {
		return r.Details.ExpirationDate
	}
	if c, err := occ.Parse(symbolOf(r)); err == nil {
		return c.Expiration.Format("2006-01-02")
	}
	return ""
}

func strikeOf(r *massive.SnapshotResult) float64 {
	if r.Details != nil && r.Details.StrikePrice != nil {
		return *r.Details.StrikePrice
	}
	if c, err := occ.Parse(symbolOf(r)); err == nil {
		return c.Strike
	}
	return 0
}

func kindOf(r *massive.SnapshotResult) occ.OptionKind {
	ct := r.ContractType
	if r.Details != nil && r.Details.ContractType != "" {
		ct = r.Details.ContractType
	}
	switch ct {
	case "call":
		return occ.Call
	case "put":
		return occ.Put
	}
	if c, err := occ.Parse(symbolOf(r)); err == nil {
		return c.Kind
	}
	return ""
}

func openInterestOf(r *massive.SnapshotResult) float64 {
	if r.OpenInterest != nil {
		return *r.OpenInterest
	}
	if r.Details != nil && r.Details.OpenInterest != nil {
		return *r.Details.OpenInterest
	}
	if r.Day != nil && r.Day.OpenInterest != nil {
		return *r.Day.OpenInterest
	}
	return 0
}

func symbolOf(r *massive.SnapshotResult) string {
	if r.Details != nil && r.Details.Ticker != "" {
		return r.Details.Ticker
	}
	return r.Ticker
}
