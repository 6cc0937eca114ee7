package massive

// Vendor payload shapes. The feed has shipped several schema generations,
// so the same logical field can appear in more than one place (top-level
// volume vs day.volume vs details.day.volume). Optional numerics are
// pointers so resolvers can tell "absent" from zero.

// SnapshotResponse models a page of /v3/snapshot/options/<ticker>.
type SnapshotResponse struct {
	Results   []SnapshotResult `json:"results"`
	Status    string           `json:"status"`
	RequestID string           `json:"request_id"`
	NextURL   string           `json:"next_url"`
}

// SnapshotResult is one option contract snapshot.
type SnapshotResult struct {
	Ticker       string   `json:"ticker,omitempty"`
	ContractType string   `json:"contract_type,omitempty"` // legacy top-level variant
	Details      *Details `json:"details,omitempty"`
	Day          *Day     `json:"day,omitempty"`
	Greeks       *Greeks  `json:"greeks,omitempty"`
	LastTrade    *Trade   `json:"last_trade,omitempty"`
	LastQuote    *Quote   `json:"last_quote,omitempty"`

	ImpliedVolatility *float64 `json:"implied_volatility,omitempty"`
	OpenInterest      *float64 `json:"open_interest,omitempty"`
	Volume            *float64 `json:"volume,omitempty"` // legacy top-level variant
	Mark              *float64 `json:"mark,omitempty"`
	Last              *float64 `json:"last,omitempty"`
	Bid               *float64 `json:"bid,omitempty"`
	Ask               *float64 `json:"ask,omitempty"`

	UnderlyingAsset *UnderlyingAsset `json:"underlying_asset,omitempty"`
}

// Details carries the contract reference data nested under a snapshot.
type Details struct {
	Ticker            string   `json:"ticker,omitempty"`
	ContractType      string   `json:"contract_type,omitempty"`
	ExerciseStyle     string   `json:"exercise_style,omitempty"`
	ExpirationDate    string   `json:"expiration_date,omitempty"`
	SharesPerContract int      `json:"shares_per_contract,omitempty"`
	StrikePrice       *float64 `json:"strike_price,omitempty"`
	Day               *Day     `json:"day,omitempty"`    // legacy nesting
	Volume            *float64 `json:"volume,omitempty"` // legacy nesting
	OpenInterest      *float64 `json:"open_interest,omitempty"`
}

// Day is the current-session aggregate for a contract.
type Day struct {
	Volume       *float64 `json:"volume,omitempty"`
	Open         float64  `json:"open,omitempty"`
	High         float64  `json:"high,omitempty"`
	Low          float64  `json:"low,omitempty"`
	Close        float64  `json:"close,omitempty"`
	VWAP         float64  `json:"vwap,omitempty"`
	PrevOI       *float64 `json:"previous_open_interest,omitempty"`
	LastUpdated  int64    `json:"last_updated,omitempty"`
	OpenInterest *float64 `json:"open_interest,omitempty"`
}

// Greeks as supplied by the vendor.
type Greeks struct {
	Delta *float64 `json:"delta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`
	Theta *float64 `json:"theta,omitempty"`
	Vega  *float64 `json:"vega,omitempty"`
	MidIV *float64 `json:"mid_iv,omitempty"`
	IV    *float64 `json:"iv,omitempty"` // legacy alias
}

// Trade is the most recent print for a contract.
type Trade struct {
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	Exchange     int     `json:"exchange,omitempty"`
	Conditions   []int   `json:"conditions,omitempty"`
	SIPTimestamp int64   `json:"sip_timestamp,omitempty"`
	Timeframe    string  `json:"timeframe,omitempty"`
}

// Quote is the top-of-book snapshot for a contract.
type Quote struct {
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	BidSize  float64 `json:"bid_size,omitempty"`
	AskSize  float64 `json:"ask_size,omitempty"`
	Midpoint float64 `json:"midpoint,omitempty"`
}

// UnderlyingAsset identifies and (sometimes) prices the underlying.
type UnderlyingAsset struct {
	Ticker string   `json:"ticker"`
	Price  *float64 `json:"price,omitempty"`
	Value  *float64 `json:"value,omitempty"` // legacy alias for price
}

// ContractsResponse models a page of /v3/reference/options/contracts.
type ContractsResponse struct {
	Results []ContractRef `json:"results"`
	Status  string        `json:"status"`
	NextURL string        `json:"next_url"`
}

// ContractRef is one row of the contracts reference endpoint.
type ContractRef struct {
	Ticker           string  `json:"ticker"`
	ContractType     string  `json:"contract_type"`
	ExpirationDate   string  `json:"expiration_date"`
	StrikePrice      float64 `json:"strike_price"`
	UnderlyingTicker string  `json:"underlying_ticker"`
}

// AggsResponse models /v2/aggs responses (prev close and ranges).
type AggsResponse struct {
	Ticker       string      `json:"ticker"`
	ResultsCount int         `json:"resultsCount"`
	Results      []AggResult `json:"results"`
	Status       string      `json:"status"`
}

// AggResult is a single OHLCV bar.
type AggResult struct {
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
	VWAP      float64 `json:"vw,omitempty"`
	Timestamp int64   `json:"t"`
}

// MarketStatusResponse models /v1/marketstatus/now.
type MarketStatusResponse struct {
	Market     string `json:"market"` // "open" | "closed" | "extended-hours"
	ServerTime string `json:"serverTime"`
	Exchanges  struct {
		NYSE   string `json:"nyse"`
		Nasdaq string `json:"nasdaq"`
		OTC    string `json:"otc"`
	} `json:"exchanges"`
}
