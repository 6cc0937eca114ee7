package flow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/metrics"
	"github.com/quantfeed/optionsflow/internal/occ"
	"github.com/quantfeed/optionsflow/internal/pricing"
	"github.com/quantfeed/optionsflow/internal/spot"
)

// Per-feed premium floors. Live WS prints below the floor are noise;
// backfill snapshots are kept regardless.
const (
	MinPremiumLive     = 10_000.0
	MinPremiumBackfill = 0.0
)

// Discard sentinels. Pipeline stages absorb these (count and drop); they
// never reach a caller-facing response.
var (
	// ErrBadPrice means no positive price could be resolved.
	ErrBadPrice = errors.New("no usable price")
	// ErrExpired means the contract's expiration already passed.
	ErrExpired = errors.New("contract expired")
	// ErrBelowMinPremium means the record's premium fails the feed floor.
	ErrBelowMinPremium = errors.New("premium below feed minimum")
)

// Enricher turns raw vendor records into fully populated flow records.
// It is safe for concurrent use by the WS and backfill ingestion paths.
type Enricher struct {
	spots   *spot.Oracle
	logger  *logrus.Logger
	metrics *metrics.Metrics
	sweeps  *sweepDetector
	seq     atomic.Int64

	now func() time.Time
}

// NewEnricher builds the enrichment pipeline. metrics may be nil.
func NewEnricher(spots *spot.Oracle, logger *logrus.Logger, m *metrics.Metrics) *Enricher {
	return &Enricher{
		spots:   spots,
		logger:  logger,
		metrics: m,
		sweeps:  newSweepDetector(),
		now:     time.Now,
	}
}

// EnrichSnapshot builds a flow record from a REST contract snapshot.
// override names the underlying when the payload omits it. Returns a
// discard sentinel when the record should be dropped.
func (e *Enricher) EnrichSnapshot(ctx context.Context, res *massive.SnapshotResult, override string, minPremium float64) (*Record, error) {
	contract, err := resolveContract(res, override)
	if err != nil {
		e.discard(metrics.ReasonMalformedSymbol, err)
		return nil, err
	}

	price := resolvePrice(res)
	if price <= 0 {
		e.discard(metrics.ReasonBadPrice, ErrBadPrice)
		return nil, ErrBadPrice
	}

	var exchange int
	var eventTime time.Time
	var tradeSize float64
	if res.LastTrade != nil {
		exchange = res.LastTrade.Exchange
		tradeSize = res.LastTrade.Size
		if res.LastTrade.SIPTimestamp > 0 {
			eventTime = time.Unix(0, res.LastTrade.SIPTimestamp).UTC()
		}
	}
	if eventTime.IsZero() {
		eventTime = e.now().UTC()
	}

	bid, ask := resolveQuote(res)

	// Seed the spot cache from the snapshot's own underlying price so the
	// oracle doesn't need a vendor round trip for this ticker.
	if underlyingPrice, ok := resolveUnderlyingPrice(res); ok {
		e.spots.Seed(contract.Underlying, underlyingPrice)
	}

	return e.assemble(ctx, assembleInput{
		contract:  contract,
		price:     price,
		tradeSize: tradeSize,
		volume:    resolveVolume(res),
		oi:        resolveOpenInterest(res),
		prevOI:    resolvePrevOI(res),
		bid:       bid,
		ask:       ask,
		exchange:  exchange,
		eventTime: eventTime,
		vendorIV:  func() (float64, bool) { return resolveVendorIV(res) },
	}, minPremium)
}

// EnrichTick builds a flow record from a live WebSocket trade.
func (e *Enricher) EnrichTick(ctx context.Context, tick TradeTick, minPremium float64) (*Record, error) {
	contract, err := occ.Parse(tick.Symbol)
	if err != nil {
		e.discard(metrics.ReasonMalformedSymbol, err)
		return nil, err
	}

	if tick.Price <= 0 {
		e.discard(metrics.ReasonBadPrice, ErrBadPrice)
		return nil, ErrBadPrice
	}

	eventTime := tick.Timestamp
	if eventTime.IsZero() {
		eventTime = e.now()
	}

	return e.assemble(ctx, assembleInput{
		contract:  contract,
		price:     tick.Price,
		tradeSize: tick.Size,
		bid:       tick.Bid,
		ask:       tick.Ask,
		exchange:  tick.Exchange,
		eventTime: eventTime.UTC(),
		vendorIV:  func() (float64, bool) { return 0, false },
	}, minPremium)
}

type assembleInput struct {
	contract  occ.Contract
	price     float64
	tradeSize float64
	volume    float64
	oi        float64
	prevOI    float64
	bid       float64
	ask       float64
	exchange  int
	eventTime time.Time
	vendorIV  func() (float64, bool)
}

func (e *Enricher) assemble(ctx context.Context, in assembleInput, minPremium float64) (*Record, error) {
	dte := in.contract.DTE(e.now())
	if dte < 0 {
		e.discard(metrics.ReasonExpired, ErrExpired)
		return nil, ErrExpired
	}

	size := EffectiveSize(in.tradeSize, in.volume, in.oi)
	premium := Premium(in.price, size)
	if premium < minPremium {
		e.discard(metrics.ReasonMinPremium, ErrBelowMinPremium)
		return nil, ErrBelowMinPremium
	}

	symbol := in.contract.Symbol()
	side, aggressor := ClassifySide(in.price, in.bid, in.ask)
	tradeType := e.sweeps.ClassifyTradeType(symbol, in.exchange, in.eventTime, size, premium)

	// Spot is best effort: without it OTM% is skipped rather than faked.
	var spotPrice, otmPct float64
	moneyness := ATM
	if p, err := e.spots.Price(ctx, in.contract.Underlying); err == nil {
		spotPrice = p
		otmPct = OTMPercent(in.contract.Kind, in.contract.Strike, spotPrice)
		moneyness = MoneynessOf(otmPct)
	}

	iv := ""
	if sigma, ok := in.vendorIV(); ok {
		iv = pricing.FormatIV(sigma)
	} else if spotPrice > 0 && dte > 0 {
		if sigma, err := pricing.ImpliedVol(in.contract.Kind == occ.Call, in.price, spotPrice, in.contract.Strike, dte); err == nil {
			iv = pricing.FormatIV(sigma)
		}
	}

	score := SetupScore(in.volume, in.oi, premium, tradeType, side, dte)
	arrow, colour := DirectionOf(in.contract.Kind, aggressor)
	seq := e.seq.Add(1)

	rec := &Record{
		ID:              fmt.Sprintf("%s-%d", symbol, seq),
		Sequence:        seq,
		Symbol:          symbol,
		Ticker:          in.contract.Underlying,
		Kind:            in.contract.Kind,
		Strike:          in.contract.Strike,
		Expiration:      in.contract.Expiration.Format("2006-01-02"),
		DTE:             dte,
		Timestamp:       in.eventTime,
		Price:           in.price,
		Size:            size,
		Premium:         premium,
		Volume:          in.volume,
		OpenInterest:    in.oi,
		Bid:             in.bid,
		Ask:             in.ask,
		IV:              iv,
		Spot:            spotPrice,
		OTMPercent:      otmPct,
		Moneyness:       moneyness,
		Side:            side,
		Aggressor:       aggressor,
		Sentiment:       SentimentOf(in.contract.Kind, aggressor),
		TradeType:       tradeType,
		Direction:       arrow,
		DirectionColor:  colour,
		OpenClose:       OpeningClosingHint(in.volume, in.oi, in.prevOI),
		Score:           score,
		HighProbability: IsHighProbability(score, in.volume, in.oi, premium),
	}
	return rec, nil
}

func (e *Enricher) discard(reason string, err error) {
	if e.metrics != nil {
		e.metrics.FlowsDiscarded.WithLabelValues(reason).Inc()
	}
	e.logger.WithError(err).Debug("flow record discarded")
}

func parseVendorDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.Local)
}
