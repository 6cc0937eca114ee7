package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/metrics"
	"github.com/quantfeed/optionsflow/internal/store"
)

// Backfill tuning.
const (
	backfillInterval = 10 * time.Second
	backfillWarmup   = 2 * time.Second

	// Vendor snapshot page size (vendor maximum).
	backfillPageLimit = 100

	// Page budget per ticker. The larger budget applies once the store is
	// crowded, when a fuller picture is worth the extra calls.
	pageBudgetDefault = 5
	pageBudgetCrowded = 10

	// Results processed synchronously before the rest is handed off.
	syncBatch = 500
)

// Backfiller periodically snapshots the option chains of the hot-ticker
// set over REST and folds the results into the store. Unlike the live
// stream it runs whether or not the market is open.
type Backfiller struct {
	vendor   *massive.Client
	enricher *flow.Enricher
	store    *store.Store
	publish  func(*flow.Record)
	tickers  []string
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	running atomic.Bool

	interval time.Duration
	warmup   time.Duration
}

// NewBackfiller builds the backfill loop. publish may be nil.
func NewBackfiller(vendor *massive.Client, enricher *flow.Enricher, st *store.Store, tickers []string, publish func(*flow.Record), logger *logrus.Logger, m *metrics.Metrics) *Backfiller {
	return &Backfiller{
		vendor:   vendor,
		enricher: enricher,
		store:    st,
		publish:  publish,
		tickers:  tickers,
		logger:   logger,
		metrics:  m,
		interval: backfillInterval,
		warmup:   backfillWarmup,
	}
}

// Run executes backfill sweeps on the configured cadence until ctx is
// cancelled. The first sweep waits out a short warm-up so the process
// finishes binding its listeners first.
func (b *Backfiller) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.warmup):
	}
	b.Trigger(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Trigger(ctx)
		}
	}
}

// Trigger starts one sweep if none is in flight. It reports whether the
// sweep ran; a concurrent trigger is a no-op. The refresh endpoint calls
// this directly.
func (b *Backfiller) Trigger(ctx context.Context) bool {
	if !b.running.CompareAndSwap(false, true) {
		return false
	}
	defer b.running.Store(false)
	b.sweep(ctx)
	return true
}

// sweep performs one full backfill pass.
func (b *Backfiller) sweep(ctx context.Context) {
	// Make room before fetching: over 80% full the age sweep always runs,
	// over 50% it runs as a crowding relief.
	if b.store.FillFraction() > store.ForceSweepThreshold {
		b.store.AgeSweep(store.MaxAge)
	} else {
		b.store.SweepIfCrowded(store.SweepThreshold)
	}

	maxPages := pageBudgetDefault
	if b.store.FillFraction() > store.SweepThreshold {
		maxPages = pageBudgetCrowded
	}

	var ingested int
	for _, ticker := range b.tickers {
		if ctx.Err() != nil {
			return
		}
		results, err := b.vendor.SnapshotChain(ctx, ticker, backfillPageLimit, maxPages, "")
		if err != nil {
			b.logger.WithError(err).WithField("ticker", ticker).Warn("backfill snapshot failed")
			continue
		}
		ingested += b.ingest(ctx, ticker, results)
	}

	if b.metrics != nil {
		b.metrics.BackfillRuns.Inc()
	}
	b.logger.WithFields(logrus.Fields{
		"ingested":  ingested,
		"storeSize": b.store.Len(),
	}).Debug("backfill sweep complete")
}

// ingest enriches and stores one ticker's snapshot results. The first
// batch is processed synchronously; the remainder is handed to a
// goroutine so a deep chain does not stall the sweep.
func (b *Backfiller) ingest(ctx context.Context, ticker string, results []massive.SnapshotResult) int {
	head := results
	var tail []massive.SnapshotResult
	if len(results) > syncBatch {
		head, tail = results[:syncBatch], results[syncBatch:]
	}

	n := b.ingestBatch(ctx, ticker, head)

	if len(tail) > 0 {
		go b.ingestBatch(ctx, ticker, tail)
	}
	return n
}

func (b *Backfiller) ingestBatch(ctx context.Context, ticker string, results []massive.SnapshotResult) int {
	var n int
	for i := range results {
		if ctx.Err() != nil {
			return n
		}
		rec, err := b.enricher.EnrichSnapshot(ctx, &results[i], ticker, flow.MinPremiumBackfill)
		if err != nil {
			continue
		}
		b.store.Insert(rec)
		n++
		if b.metrics != nil {
			b.metrics.FlowsIngested.WithLabelValues("rest").Inc()
		}
		if b.publish != nil {
			b.publish(rec)
		}
	}
	return n
}

// FetchTicker serves the query engine's ticker-scoped direct path: a
// fresh snapshot of one underlying, enriched but not inserted into the
// store. limit caps the number of contracts considered.
func (b *Backfiller) FetchTicker(ctx context.Context, ticker string, limit int) ([]*flow.Record, error) {
	pages := (limit + backfillPageLimit - 1) / backfillPageLimit
	results, err := b.vendor.SnapshotChain(ctx, ticker, backfillPageLimit, pages, "")
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}

	records := make([]*flow.Record, 0, len(results))
	for i := range results {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
		rec, err := b.enricher.EnrichSnapshot(ctx, &results[i], ticker, flow.MinPremiumBackfill)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
