package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/massive"
)

// statusTTL bounds how often the vendor market-status endpoint is polled.
const statusTTL = 60 * time.Second

// StatusUnknown is reported when no status has ever been fetched.
const StatusUnknown = "unknown"

// StatusCache answers "is the market open" from a 60 s cached vendor
// lookup. The live WebSocket gate and every query response read it, so it
// must never turn into a per-request vendor call.
type StatusCache struct {
	vendor *massive.Client
	logger *logrus.Logger

	mu         sync.Mutex
	status     string
	fetched    time.Time
	refreshing bool

	now func() time.Time
}

// NewStatusCache creates a market-status cache backed by vendor.
func NewStatusCache(vendor *massive.Client, logger *logrus.Logger) *StatusCache {
	return &StatusCache{
		vendor: vendor,
		logger: logger,
		status: StatusUnknown,
		now:    time.Now,
	}
}

// Status returns the current market status string. A stale entry is
// refreshed from the vendor by at most one caller at a time; everyone
// else is served the last known value without waiting on the vendor. A
// failed refresh also advances the clock so the next attempt waits out a
// full TTL instead of retrying on every call, and the previous value
// keeps serving rather than flapping to unknown.
func (c *StatusCache) Status(ctx context.Context) string {
	c.mu.Lock()
	status := c.status
	fresh := c.now().Sub(c.fetched) < statusTTL && status != StatusUnknown
	if fresh || c.refreshing {
		c.mu.Unlock()
		return status
	}
	c.refreshing = true
	c.mu.Unlock()

	resp, err := c.vendor.MarketStatus(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing = false
	c.fetched = c.now()
	if err != nil {
		c.logger.WithError(err).Debug("market status refresh failed")
		return c.status
	}
	c.status = resp.Market
	return c.status
}

// IsOpen reports whether regular trading is in session.
func (c *StatusCache) IsOpen(ctx context.Context) bool {
	return c.Status(ctx) == "open"
}
