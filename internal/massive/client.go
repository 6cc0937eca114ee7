// Package massive provides the REST client for the upstream market-data
// vendor (api.massive.com, Polygon-compatible): option chain snapshots with
// cursor pagination, contracts reference data, aggregates, market status,
// and raw pass-through for the proxy endpoints.
package massive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantfeed/optionsflow/internal/metrics"
)

// APIError represents a vendor error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vendor API error %d: %s", e.Status, e.Body)
}

// Sentinel checks for the two vendor statuses with dedicated handling.
var (
	// ErrUnauthorized maps 401: terminate the current pagination run.
	ErrUnauthorized = errors.New("vendor unauthorized")
	// ErrRateLimited maps 429: retry the page once after a fixed sleep.
	ErrRateLimited = errors.New("vendor rate limited")
)

// Request timeout tiers, per call site.
const (
	// TimeoutSpot bounds spot lookups and scanner fetches.
	TimeoutSpot = 10 * time.Second
	// TimeoutHot bounds backfill snapshot pages.
	TimeoutHot = 15 * time.Second
	// TimeoutChain bounds GEX chain enumeration.
	TimeoutChain = 60 * time.Second
)

// rateLimitSleep is the back-off applied after a 429 before the single retry.
const rateLimitSleep = 2 * time.Second

// vendorRPS caps outbound request rate across all callers sharing a client.
const vendorRPS = 20

// Client is a rate-limit-aware vendor REST client shared by the ingestor,
// spot oracle, GEX engine, scanner, and proxy handlers.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
	metrics *metrics.Metrics

	// sleep is swappable in tests so 429 retries don't stall the suite.
	sleep func(time.Duration)
}

// NewClient builds a vendor client. metrics may be nil.
func NewClient(apiKey, baseURL string, logger *logrus.Logger, m *metrics.Metrics) *Client {
	if baseURL == "" {
		baseURL = "https://api.massive.com"
	}

	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: TimeoutChain,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(vendorRPS), vendorRPS),
		logger:  logger,
		metrics: m,
		sleep:   time.Sleep,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "MassiveVendor",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("vendor circuit breaker state change")
		},
	})

	return c
}

// BaseURL returns the configured vendor host.
func (c *Client) BaseURL() string { return c.baseURL }

// WithAPIKey re-injects the API key into a vendor URL. Cursor next_url
// values routinely arrive with the key stripped; the URL is never trusted
// to carry it. On an unparseable URL the key is appended textually.
func (c *Client) WithAPIKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		return rawURL + sep + "apiKey=" + c.apiKey
	}
	q := u.Query()
	q.Set("apiKey", c.apiKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// get issues a GET against a fully formed URL, returning the body.
// Transport failures and 5xx count against the circuit breaker; 4xx do not.
func (c *Client) get(ctx context.Context, endpoint, reqURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "optionsflow/1.0")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				c.logger.WithError(cerr).Debug("closing vendor response body")
			}
		}()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
		}
		return &rawResponse{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		c.count(endpoint, metrics.OutcomeError)
		return nil, err
	}

	raw := res.(*rawResponse)
	switch {
	case raw.status == http.StatusOK:
		c.count(endpoint, metrics.OutcomeOK)
		return raw.body, nil
	case raw.status == http.StatusTooManyRequests:
		c.count(endpoint, metrics.OutcomeRateLimited)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, endpoint)
	case raw.status == http.StatusUnauthorized || raw.status == http.StatusForbidden:
		c.count(endpoint, metrics.OutcomeUnauthorized)
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, endpoint)
	default:
		c.count(endpoint, metrics.OutcomeError)
		return nil, &APIError{Status: raw.status, Body: truncate(string(raw.body), 512)}
	}
}

type rawResponse struct {
	status int
	body   []byte
}

func (c *Client) count(endpoint, outcome string) {
	if c.metrics != nil {
		c.metrics.VendorCalls.WithLabelValues(endpoint, outcome).Inc()
	}
}

// getJSON fetches and decodes a vendor URL into out.
func (c *Client) getJSON(ctx context.Context, endpoint, reqURL string, out interface{}) error {
	body, err := c.get(ctx, endpoint, reqURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}

// SnapshotPage fetches one page of the options snapshot endpoint. pageURL
// may be a cursor next_url; the API key is re-injected either way.
func (c *Client) SnapshotPage(ctx context.Context, pageURL string) (*SnapshotResponse, error) {
	var resp SnapshotResponse
	if err := c.getJSON(ctx, "snapshot", c.WithAPIKey(pageURL), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SnapshotURL builds the first-page snapshot URL for an underlying.
// expiration is optional ("YYYY-MM-DD") and scopes the chain to one expiry.
func (c *Client) SnapshotURL(ticker string, pageLimit int, expiration string) string {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", pageLimit))
	if expiration != "" {
		q.Set("expiration_date", expiration)
	}
	return fmt.Sprintf("%s/v3/snapshot/options/%s?%s", c.baseURL, url.PathEscape(strings.ToUpper(ticker)), q.Encode())
}

// SnapshotChain walks the snapshot cursor for an underlying, collecting up
// to maxPages pages of pageLimit results. A 429 is retried once per page
// after a fixed sleep; a second 429 or a 401 ends the walk. Results
// collected before the failure are returned alongside the error.
func (c *Client) SnapshotChain(ctx context.Context, ticker string, pageLimit, maxPages int, expiration string) ([]SnapshotResult, error) {
	var out []SnapshotResult

	pageURL := c.SnapshotURL(ticker, pageLimit, expiration)
	for page := 0; page < maxPages && pageURL != ""; page++ {
		resp, err := c.snapshotPageWithRetry(ctx, pageURL)
		if err != nil {
			// Covers the 401 break and the repeated-429 break alike.
			return out, err
		}
		out = append(out, resp.Results...)
		pageURL = resp.NextURL

		// Brief pause between cursor pages keeps the vendor happy.
		if pageURL != "" {
			c.sleep(50 * time.Millisecond)
		}
	}
	return out, nil
}

func (c *Client) snapshotPageWithRetry(ctx context.Context, pageURL string) (*SnapshotResponse, error) {
	resp, err := c.SnapshotPage(ctx, pageURL)
	if errors.Is(err, ErrRateLimited) {
		c.logger.WithField("url_host", hostOf(pageURL)).Warn("vendor rate limited, retrying page")
		c.sleep(rateLimitSleep)
		resp, err = c.SnapshotPage(ctx, pageURL)
	}
	return resp, err
}

// ListContracts enumerates reference contracts for an underlying, following
// the cursor for up to maxPages pages of 100.
func (c *Client) ListContracts(ctx context.Context, underlying string, maxPages int) ([]ContractRef, error) {
	q := url.Values{}
	q.Set("underlying_ticker", strings.ToUpper(underlying))
	q.Set("limit", "100")
	pageURL := c.baseURL + "/v3/reference/options/contracts?" + q.Encode()

	var out []ContractRef
	for page := 0; page < maxPages && pageURL != ""; page++ {
		var resp ContractsResponse
		if err := c.getJSON(ctx, "contracts", c.WithAPIKey(pageURL), &resp); err != nil {
			return out, err
		}
		out = append(out, resp.Results...)
		pageURL = resp.NextURL
	}
	return out, nil
}

// PrevClose returns the previous session close for an equity ticker.
func (c *Client) PrevClose(ctx context.Context, ticker string) (float64, error) {
	reqURL := fmt.Sprintf("%s/v2/aggs/ticker/%s/prev?adjusted=true", c.baseURL, url.PathEscape(strings.ToUpper(ticker)))
	var resp AggsResponse
	if err := c.getJSON(ctx, "prev_close", c.WithAPIKey(reqURL), &resp); err != nil {
		return 0, err
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("no previous close for %s", ticker)
	}
	return resp.Results[0].Close, nil
}

// MarketStatus returns the vendor's current overall market state.
func (c *Client) MarketStatus(ctx context.Context) (*MarketStatusResponse, error) {
	reqURL := c.baseURL + "/v1/marketstatus/now"
	var resp MarketStatusResponse
	if err := c.getJSON(ctx, "market_status", c.WithAPIKey(reqURL), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Passthrough forwards a GET to the vendor with the API key injected,
// returning the raw body and status. Used by the thin proxy endpoints whose
// only contract is authenticated pass-through with structured errors.
func (c *Client) Passthrough(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	return c.get(ctx, "passthrough", c.WithAPIKey(reqURL))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	return ""
}
