package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/spot"
	"github.com/quantfeed/optionsflow/internal/store"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func f(v float64) *float64 { return &v }

func farExpiry() string {
	return time.Now().AddDate(0, 6, 0).Format("2006-01-02")
}

func snapshotResult(symbol, underlying, expiry string) massive.SnapshotResult {
	return massive.SnapshotResult{
		Details: &massive.Details{
			Ticker:         symbol,
			ContractType:   "call",
			StrikePrice:    f(650),
			ExpirationDate: expiry,
		},
		Day:          &massive.Day{Volume: f(2500)},
		OpenInterest: f(1800),
		LastTrade:    &massive.Trade{Price: 3.25, Size: 120, Exchange: 4},
		LastQuote:    &massive.Quote{Bid: 3.20, Ask: 3.30, Midpoint: 3.25},
		Greeks:       &massive.Greeks{MidIV: f(0.284)},
		UnderlyingAsset: &massive.UnderlyingAsset{
			Ticker: underlying,
			Price:  f(612.50),
		},
	}
}

func newPipeline(t *testing.T, vendorURL string) (*flow.Enricher, *store.Store, *massive.Client) {
	t.Helper()
	logger := quietLogger()
	vendor := massive.NewClient("test-key", vendorURL, logger, nil)
	oracle := spot.NewOracle(vendor, logger)
	return flow.NewEnricher(oracle, logger, nil), store.New(nil), vendor
}

func occDate(expiry string) string {
	ts, _ := time.Parse("2006-01-02", expiry)
	return ts.Format("060102")
}

func TestBackfillerSweepIngests(t *testing.T) {
	expiry := farExpiry()
	symbol := "O:SPY" + occDate(expiry) + "C00650000"

	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/snapshot/options/SPY", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		resp := massive.SnapshotResponse{
			Status:  "OK",
			Results: []massive.SnapshotResult{snapshotResult(symbol, "SPY", expiry)},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	enricher, st, vendor := newPipeline(t, srv.URL)

	var published []*flow.Record
	b := NewBackfiller(vendor, enricher, st, []string{"SPY"}, func(r *flow.Record) {
		published = append(published, r)
	}, quietLogger(), nil)

	ran := b.Trigger(context.Background())
	assert.True(t, ran)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, st.Len())
	require.Len(t, published, 1)
	assert.Equal(t, "SPY", published[0].Ticker)
}

func TestBackfillerSkipsFailingTicker(t *testing.T) {
	expiry := farExpiry()
	symbol := "O:QQQ" + occDate(expiry) + "C00650000"

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/snapshot/options/SPY", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusBadRequest)
	})
	mux.HandleFunc("/v3/snapshot/options/QQQ", func(w http.ResponseWriter, r *http.Request) {
		resp := massive.SnapshotResponse{
			Status:  "OK",
			Results: []massive.SnapshotResult{snapshotResult(symbol, "QQQ", expiry)},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	enricher, st, vendor := newPipeline(t, srv.URL)
	b := NewBackfiller(vendor, enricher, st, []string{"SPY", "QQQ"}, nil, quietLogger(), nil)

	b.Trigger(context.Background())
	assert.Equal(t, 1, st.Len(), "healthy ticker still ingests")
}

func TestBackfillerFetchTicker(t *testing.T) {
	expiry := farExpiry()
	callSym := "O:SPY" + occDate(expiry) + "C00650000"
	putSym := "O:SPY" + occDate(expiry) + "P00600000"

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/snapshot/options/SPY", func(w http.ResponseWriter, r *http.Request) {
		resp := massive.SnapshotResponse{
			Status: "OK",
			Results: []massive.SnapshotResult{
				snapshotResult(callSym, "SPY", expiry),
				snapshotResult(putSym, "SPY", expiry),
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	enricher, st, vendor := newPipeline(t, srv.URL)
	b := NewBackfiller(vendor, enricher, st, []string{"SPY"}, nil, quietLogger(), nil)

	records, err := b.FetchTicker(context.Background(), "SPY", 2000)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "SPY", records[0].Ticker)
	assert.Equal(t, 0, st.Len(), "direct fetch leaves the store untouched")
}

func TestBackfillerSingleInFlight(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		<-release
		require.NoError(t, json.NewEncoder(w).Encode(massive.SnapshotResponse{Status: "OK"}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	enricher, st, vendor := newPipeline(t, srv.URL)
	b := NewBackfiller(vendor, enricher, st, []string{"SPY"}, nil, quietLogger(), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Trigger(context.Background())
	}()

	// Wait until the first sweep is blocked inside the vendor call.
	require.Eventually(t, func() bool { return b.running.Load() }, time.Second, time.Millisecond)

	assert.False(t, b.Trigger(context.Background()), "overlapping trigger is a no-op")

	close(release)
	wg.Wait()
	assert.False(t, b.running.Load())
}

func TestStatusCacheServesCachedValue(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/marketstatus/now", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, json.NewEncoder(w).Encode(massive.MarketStatusResponse{Market: "open"}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := quietLogger()
	c := NewStatusCache(massive.NewClient("k", srv.URL, logger, nil), logger)

	assert.Equal(t, "open", c.Status(context.Background()))
	assert.Equal(t, "open", c.Status(context.Background()))
	assert.Equal(t, int64(1), calls.Load(), "second read comes from cache")

	// Expire the entry; the next read refetches.
	c.now = func() time.Time { return time.Now().Add(2 * statusTTL) }
	assert.True(t, c.IsOpen(context.Background()))
	assert.Equal(t, int64(2), calls.Load())
}

func TestStatusCacheKeepsLastGoodValue(t *testing.T) {
	var fail atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/marketstatus/now", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(massive.MarketStatusResponse{Market: "closed"}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := quietLogger()
	c := NewStatusCache(massive.NewClient("k", srv.URL, logger, nil), logger)

	assert.Equal(t, "closed", c.Status(context.Background()))

	fail.Store(true)
	c.now = func() time.Time { return time.Now().Add(2 * statusTTL) }
	assert.Equal(t, "closed", c.Status(context.Background()), "refresh failure keeps last value")
}

func TestStatusCacheServesStaleDuringRefresh(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/marketstatus/now", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		require.NoError(t, json.NewEncoder(w).Encode(massive.MarketStatusResponse{Market: "closed"}))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := quietLogger()
	c := NewStatusCache(massive.NewClient("k", srv.URL, logger, nil), logger)
	c.status = "open"
	c.fetched = time.Now().Add(-2 * statusTTL)

	refreshed := make(chan string, 1)
	go func() { refreshed <- c.Status(context.Background()) }()
	<-entered

	// Callers arriving mid-refresh get the last value without waiting on
	// the vendor.
	assert.Equal(t, "open", c.Status(context.Background()))
	assert.Equal(t, "open", c.Status(context.Background()))

	close(release)
	assert.Equal(t, "closed", <-refreshed)
	assert.Equal(t, "closed", c.Status(context.Background()))
}

func TestStatusCacheBacksOffAfterFailure(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/marketstatus/now", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := quietLogger()
	c := NewStatusCache(massive.NewClient("k", srv.URL, logger, nil), logger)
	c.status = "open"
	c.fetched = time.Now().Add(-2 * statusTTL)

	for i := 0; i < 5; i++ {
		assert.Equal(t, "open", c.Status(context.Background()))
	}
	assert.Equal(t, int64(1), calls.Load(), "failed refresh waits out a full TTL")
}

// streamServer speaks just enough of the vendor stream protocol for a
// session test: handshake, then the given trade frames.
func streamServer(t *testing.T, trades []wsEvent, sawSubscribe *atomic.Value) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		require.NoError(t, conn.WriteJSON([]wsEvent{{Ev: "status", Status: "connected"}}))

		var auth wsCommand
		require.NoError(t, conn.ReadJSON(&auth))
		require.Equal(t, "auth", auth.Action)
		require.Equal(t, "test-key", auth.Params)
		require.NoError(t, conn.WriteJSON([]wsEvent{{Ev: "status", Status: "auth_success"}}))

		var sub wsCommand
		require.NoError(t, conn.ReadJSON(&sub))
		require.Equal(t, "subscribe", sub.Action)
		sawSubscribe.Store(sub.Params)
		require.NoError(t, conn.WriteJSON([]wsEvent{{Ev: "status", Status: "success"}}))

		require.NoError(t, conn.WriteJSON(trades))

		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWSSessionStreamsTrades(t *testing.T) {
	expiry := farExpiry()
	symbol := "O:SPY" + occDate(expiry) + "C00650000"

	trades := []wsEvent{{
		Ev:     "O",
		Sym:    symbol,
		Ex:     4,
		Price:  3.25,
		Size:   80,
		Millis: time.Now().UnixMilli(),
		Bid:    3.20,
		Ask:    3.30,
	}}

	var sawSubscribe atomic.Value
	srv := streamServer(t, trades, &sawSubscribe)
	t.Cleanup(srv.Close)

	enricher, st, _ := newPipeline(t, srv.URL)

	status := &StatusCache{status: "open", fetched: time.Now(), now: time.Now, logger: quietLogger()}

	var published atomic.Int64
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess := NewWSSession(wsURL, "test-key", []string{"SPY", "QQQ"}, enricher, st, status, func(*flow.Record) {
		published.Add(1)
	}, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool { return st.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "O.SPY*,O.QQQ*", sawSubscribe.Load())
	assert.Equal(t, int64(1), published.Load())
	assert.Equal(t, StateStreaming, sess.State())
}

func TestWSSessionStampsMissingTradeTime(t *testing.T) {
	expiry := farExpiry()
	symbol := "O:SPY" + occDate(expiry) + "C00650000"

	// No t field on the wire.
	trades := []wsEvent{{Ev: "O", Sym: symbol, Price: 3.25, Size: 80, Bid: 3.20, Ask: 3.30}}

	var sawSubscribe atomic.Value
	srv := streamServer(t, trades, &sawSubscribe)
	t.Cleanup(srv.Close)

	enricher, st, _ := newPipeline(t, srv.URL)
	status := &StatusCache{status: "open", fetched: time.Now(), now: time.Now, logger: quietLogger()}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess := NewWSSession(wsURL, "test-key", []string{"SPY"}, enricher, st, status, nil, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool { return st.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	recs := st.Snapshot()
	require.Len(t, recs, 1)
	assert.WithinDuration(t, time.Now(), recs[0].Timestamp, time.Minute,
		"missing trade time stamped at receipt, not the epoch")
}

func TestWSSessionDropsTradesWhenClosed(t *testing.T) {
	expiry := farExpiry()
	symbol := "O:SPY" + occDate(expiry) + "C00650000"
	trades := []wsEvent{{Ev: "O", Sym: symbol, Price: 3.25, Size: 80, Millis: time.Now().UnixMilli(), Bid: 3.20, Ask: 3.30}}

	var sawSubscribe atomic.Value
	srv := streamServer(t, trades, &sawSubscribe)
	t.Cleanup(srv.Close)

	enricher, st, _ := newPipeline(t, srv.URL)
	status := &StatusCache{status: "closed", fetched: time.Now(), now: time.Now, logger: quietLogger()}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess := NewWSSession(wsURL, "test-key", []string{"SPY"}, enricher, st, status, nil, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool { return sess.State() == StateStreaming }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, st.Len(), "off-hours live trades are dropped")
}

func TestWSSessionReconnects(t *testing.T) {
	var dials atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close() // drop immediately
	}))
	t.Cleanup(srv.Close)

	enricher, st, _ := newPipeline(t, srv.URL)
	status := &StatusCache{status: "open", fetched: time.Now(), now: time.Now, logger: quietLogger()}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess := NewWSSession(wsURL, "test-key", []string{"SPY"}, enricher, st, status, nil, quietLogger(), nil)
	sess.reconnectWait = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool { return dials.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}
