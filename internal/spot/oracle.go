// Package spot provides a cached, rate-limited last-price oracle for
// underlying tickers. Prices come from the vendor's previous-close
// aggregate and are cached for a fixed TTL; a global inter-request gate
// stops cache misses from stampeding the vendor.
package spot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/massive"
)

// ErrNotAvailable means no spot price could be produced for the ticker.
// Callers skip moneyness math rather than substitute a guess.
var ErrNotAvailable = errors.New("spot price not available")

const (
	// cacheTTL is how long a fetched price stays valid.
	cacheTTL = 5 * time.Minute
	// minInterval is the global gate between vendor lookups.
	minInterval = 200 * time.Millisecond
)

type cacheEntry struct {
	price     float64
	fetchedAt time.Time
}

// Oracle caches underlying prices keyed by upper-cased ticker.
type Oracle struct {
	vendor *massive.Client
	logger *logrus.Logger

	mu        sync.Mutex
	cache     map[string]cacheEntry
	lastFetch time.Time
	failures  int64

	now func() time.Time
}

// NewOracle builds a spot oracle over the shared vendor client.
func NewOracle(vendor *massive.Client, logger *logrus.Logger) *Oracle {
	return &Oracle{
		vendor: vendor,
		logger: logger,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Price returns the cached or freshly fetched spot price for ticker.
// Vendor 401/429 responses yield ErrNotAvailable silently; other failures
// yield ErrNotAvailable and are counted.
func (o *Oracle) Price(ctx context.Context, ticker string) (float64, error) {
	key := normalize(ticker)
	if key == "" {
		return 0, ErrNotAvailable
	}

	o.mu.Lock()
	if entry, ok := o.cache[key]; ok && o.now().Sub(entry.fetchedAt) < cacheTTL {
		o.mu.Unlock()
		return entry.price, nil
	}

	// Global gate: at most one vendor call per minInterval across all
	// tickers. Concurrent callers block here rather than duplicate work.
	if wait := minInterval - o.now().Sub(o.lastFetch); wait > 0 {
		o.mu.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		o.mu.Lock()
		// Another caller may have filled the cache while we slept.
		if entry, ok := o.cache[key]; ok && o.now().Sub(entry.fetchedAt) < cacheTTL {
			o.mu.Unlock()
			return entry.price, nil
		}
	}
	o.lastFetch = o.now()
	o.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, massive.TimeoutSpot)
	defer cancel()

	price, err := o.vendor.PrevClose(fetchCtx, key)
	if err != nil {
		if errors.Is(err, massive.ErrRateLimited) || errors.Is(err, massive.ErrUnauthorized) {
			return 0, ErrNotAvailable
		}
		o.mu.Lock()
		o.failures++
		o.mu.Unlock()
		o.logger.WithError(err).WithField("ticker", key).Debug("spot lookup failed")
		return 0, ErrNotAvailable
	}
	if price <= 0 {
		return 0, ErrNotAvailable
	}

	o.mu.Lock()
	o.cache[key] = cacheEntry{price: price, fetchedAt: o.now()}
	o.mu.Unlock()
	return price, nil
}

// Seed primes the cache with an externally observed price, e.g. the
// underlying_asset.price carried on a chain snapshot.
func (o *Oracle) Seed(ticker string, price float64) {
	if price <= 0 {
		return
	}
	o.mu.Lock()
	o.cache[normalize(ticker)] = cacheEntry{price: price, fetchedAt: o.now()}
	o.mu.Unlock()
}

// Failures reports the count of non-rate-limit vendor failures.
func (o *Oracle) Failures() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}

func normalize(ticker string) string {
	out := make([]byte, 0, len(ticker))
	for i := 0; i < len(ticker); i++ {
		ch := ticker[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		if ch == ' ' {
			continue
		}
		out = append(out, ch)
	}
	return string(out)
}
