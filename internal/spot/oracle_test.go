package spot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/optionsflow/internal/massive"
)

func newOracle(t *testing.T, handler http.HandlerFunc) *Oracle {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewOracle(massive.NewClient("k", srv.URL, logger, nil), logger)
}

func aggsHandler(calls *int32, price float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ticker":  "SPY",
			"results": []map[string]float64{{"c": price}},
		})
	}
}

func TestPriceCachesWithinTTL(t *testing.T) {
	var calls int32
	o := newOracle(t, aggsHandler(&calls, 512.5))

	p1, err := o.Price(context.Background(), "spy")
	require.NoError(t, err)
	assert.InDelta(t, 512.5, p1, 1e-9)

	p2, err := o.Price(context.Background(), "SPY")
	require.NoError(t, err)
	assert.InDelta(t, 512.5, p2, 1e-9)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second lookup must hit the cache")
}

func TestPriceNotAvailableOnRateLimit(t *testing.T) {
	o := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := o.Price(context.Background(), "SPY")
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.EqualValues(t, 0, o.Failures(), "429 must not count as failure")
}

func TestPriceNotAvailableOnVendorError(t *testing.T) {
	o := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := o.Price(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.EqualValues(t, 1, o.Failures())
}

func TestSeedPrimesCache(t *testing.T) {
	var calls int32
	o := newOracle(t, aggsHandler(&calls, 100))

	o.Seed("nvda", 1201.55)

	p, err := o.Price(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.InDelta(t, 1201.55, p, 1e-9)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSeedIgnoresNonPositive(t *testing.T) {
	o := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	o.Seed("SPY", 0)

	_, err := o.Price(context.Background(), "SPY")
	assert.ErrorIs(t, err, ErrNotAvailable)
}
