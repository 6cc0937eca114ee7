package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/query"
	"github.com/quantfeed/optionsflow/internal/scanner"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "options-flow",
	})
}

// flowResponse wraps the query result with the success flag and the
// legacy "trades" alias some clients still read.
type flowResponse struct {
	Success bool `json:"success"`
	*query.Result
	Trades []*flow.Record `json:"trades"`
}

func (s *Server) handleOptionsFlow(w http.ResponseWriter, r *http.Request) {
	params := parseFlowParams(r)
	res := s.queries.Run(r.Context(), params, s.status.Status(r.Context()))
	s.writeJSON(w, http.StatusOK, flowResponse{
		Success: true,
		Result:  res,
		Trades:  res.Flows,
	})
}

// handleRefresh triggers a backfill sweep and returns immediately.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	go s.backfiller.Trigger(context.Background())
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":   true,
		"message":   "backfill triggered",
		"storeSize": s.store.Len(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	records := s.store.Snapshot()

	var totalPremium, putVolume float64
	var callSweeps, putSweeps, calls, puts, unusual int
	for _, rec := range records {
		totalPremium += rec.Premium
		switch rec.Kind {
		case "call":
			calls++
			if rec.TradeType == flow.Sweep {
				callSweeps++
			}
		case "put":
			puts++
			putVolume += rec.Volume
			if rec.TradeType == flow.Sweep {
				putSweeps++
			}
		}
		if rec.HighProbability {
			unusual++
		}
	}

	ratio := 0.0
	if puts > 0 {
		ratio = float64(calls) / float64(puts)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"totalTrades":     len(records),
		"totalPremium":    totalPremium,
		"callSweeps":      callSweeps,
		"putSweeps":       putSweeps,
		"callPutRatio":    ratio,
		"putVolume":       putVolume,
		"unusualActivity": unusual,
	})
}

func (s *Server) handleGEX(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	surface, err := s.gex.Surface(r.Context(), ticker, true)
	if err != nil {
		s.writeVendorError(w, err, ticker)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    surface,
	})
}

func (s *Server) handleGEXHeatmap(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	surface, err := s.gex.Surface(r.Context(), ticker, true)
	if err != nil {
		s.writeVendorError(w, err, ticker)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"ticker":    surface.Ticker,
		"spotPrice": surface.SpotPrice,
		"keyLevels": surface.KeyLevels,
		"heatmap":   surface.Heatmap,
		"updatedAt": surface.UpdatedAt,
	})
}

func (s *Server) handleScanner(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	watchlist := csvParam(q.Get("tickers"))
	if len(watchlist) == 0 {
		watchlist = s.cfg.Ingest.Tickers
	}

	filter := scanner.Filter{
		MinVolume:   floatParam(q.Get("minVolume")),
		MinPremium:  floatParam(q.Get("minPremium")),
		MaxDTE:      intParam(q.Get("maxDte")),
		GEXPosition: q.Get("gexPosition"),
		MinScore:    floatParam(q.Get("minScore")),
	}

	alerts, err := s.scanner.Scan(r.Context(), watchlist, filter)
	if err != nil {
		s.writeVendorError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"count":     len(alerts),
		"alerts":    alerts,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleOptionsChain(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	s.proxy(w, r, "/v3/snapshot/options/"+ticker, ticker)
}

// handleBars forwards to the aggregates range endpoint. from and to are
// required; multiplier and timespan default to daily bars.
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	q := r.URL.Query()

	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		s.writeError(w, http.StatusBadRequest, "validation_error", "from and to are required", ticker)
		return
	}
	multiplier := q.Get("multiplier")
	if multiplier == "" {
		multiplier = "1"
	}
	timespan := q.Get("timespan")
	if timespan == "" {
		timespan = "day"
	}

	path := "/v2/aggs/ticker/" + ticker + "/range/" + multiplier + "/" + timespan + "/" + from + "/" + to
	s.proxy(w, r, path, ticker)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	s.proxy(w, r, "/v3/quotes/"+ticker, ticker)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	s.proxy(w, r, "/v3/trades/"+ticker, ticker)
}

var indicatorTypes = map[string]bool{"sma": true, "ema": true, "macd": true, "rsi": true}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(chi.URLParam(r, "type"))
	if !indicatorTypes[kind] {
		s.writeError(w, http.StatusBadRequest, "validation_error", "indicator type must be one of sma|ema|macd|rsi", "")
		return
	}
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	s.proxy(w, r, "/v1/indicators/"+kind+"/"+ticker, ticker)
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "/v1/marketstatus/now", "")
}

// proxy forwards the request's query string to the vendor path and
// returns the vendor body verbatim.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, path, ticker string) {
	q := r.URL.Query()
	q.Del("apiKey") // never trust a caller-supplied key

	body, err := s.vendor.Passthrough(r.Context(), path, q)
	if err != nil {
		s.writeVendorError(w, err, ticker)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// parseFlowParams maps the query string onto the engine's filter set.
func parseFlowParams(r *http.Request) query.Params {
	q := r.URL.Query()

	ticker := q.Get("ticker")
	if ticker == "" {
		ticker = q.Get("filterTicker")
	}

	p := query.Params{
		Ticker: ticker,

		Calls: boolParam(q.Get("calls")) || strings.EqualFold(q.Get("type"), "call"),
		Puts:  boolParam(q.Get("puts")) || strings.EqualFold(q.Get("type"), "put"),

		MinPremium: floatParam(q.Get("minPremium")),
		MaxPremium: floatParam(q.Get("maxPremium")),
		MinStrike:  floatParam(q.Get("minStrike")),
		MaxStrike:  floatParam(q.Get("maxStrike")),
		MinBidAsk:  floatParam(q.Get("minBidask")),
		MaxBidAsk:  floatParam(q.Get("maxBidask")),

		ITM: boolParam(q.Get("itm")),
		OTM: boolParam(q.Get("otm")),
		ATM: boolParam(q.Get("atm")),

		AboveAsk: boolParam(q.Get("aboveAsk")),
		BelowBid: boolParam(q.Get("belowBid")),

		VolGtOI: boolParam(q.Get("volGtOi")),

		ShortExpiry: boolParam(q.Get("shortExpiry")),
		Leaps:       boolParam(q.Get("leaps")),
		MaxDTE:      intParam(q.Get("filterMaxDte")),

		StockPriceRanges: csvParam(q.Get("stockPrice")),
		OIRanges:         csvParam(q.Get("openInterest")),
		VolumeRanges:     csvParam(q.Get("volume")),

		MinVolume:     floatParam(q.Get("minVolume")),
		MinConfidence: floatParam(q.Get("minConfidence")),

		ExcludeSymbols: csvParam(q.Get("excludeSymbols")),

		Sort:  q.Get("sort"),
		Page:  intParam(q.Get("page")),
		Limit: intParam(q.Get("limit")),
	}

	// tradeType is the canonical multi-select; the boolean aliases extend it.
	for _, t := range csvParam(q.Get("tradeType")) {
		p.TradeTypes = append(p.TradeTypes, flow.TradeType(t))
	}
	if boolParam(q.Get("sweeps")) {
		p.TradeTypes = append(p.TradeTypes, flow.Sweep)
	}
	if boolParam(q.Get("blocks")) {
		p.TradeTypes = append(p.TradeTypes, flow.Block)
	}
	if boolParam(q.Get("splits")) {
		p.TradeTypes = append(p.TradeTypes, flow.Split)
	}

	for _, d := range csvParam(q.Get("dte")) {
		if v, err := strconv.Atoi(d); err == nil {
			p.DTEs = append(p.DTEs, v)
		}
	}

	return p
}

func boolParam(v string) bool {
	return v == "true" || v == "1"
}

func floatParam(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func intParam(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func csvParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
