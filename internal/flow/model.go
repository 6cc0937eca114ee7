// Package flow defines the enriched options-flow record and the enrichment
// pipeline that produces it from raw vendor contract snapshots and trade
// ticks: field resolution across schema variants, side detection,
// moneyness, sweep/block classification, opening/closing hints, and setup
// scoring.
package flow

import (
	"time"

	"github.com/quantfeed/optionsflow/internal/occ"
)

// Sentiment is the directional read of a flow record.
type Sentiment string

// Sentiment values.
const (
	Bullish Sentiment = "BULL"
	Bearish Sentiment = "BEAR"
	Neutral Sentiment = "NEUTRAL"
)

// Aggressor identifies which side of the book initiated the trade.
type Aggressor string

// Aggressor values.
const (
	Buyer         Aggressor = "buyer"
	Seller        Aggressor = "seller"
	NeutralAggres Aggressor = "neutral"
)

// SideLabel places the print relative to the prevailing quote.
type SideLabel string

// SideLabel values, from most aggressive buy to most aggressive sell.
const (
	AboveAsk SideLabel = "Above Ask"
	AtAsk    SideLabel = "At Ask"
	ToAsk    SideLabel = "To Ask"
	Mid      SideLabel = "Mid"
	ToBid    SideLabel = "To Bid"
	AtBid    SideLabel = "At Bid"
	BelowBid SideLabel = "Below Bid"
)

// TradeType is the execution-style classification.
type TradeType string

// TradeType values.
const (
	Sweep TradeType = "Sweep"
	Block TradeType = "Block"
	Split TradeType = "Split"
)

// Moneyness labels the strike relative to spot.
type Moneyness string

// Moneyness values.
const (
	ITM Moneyness = "ITM"
	ATM Moneyness = "ATM"
	OTM Moneyness = "OTM"
)

// Opening/closing hints. Empty means undetermined.
const (
	HintOpening = "Opening"
	HintClosing = "Closing"
)

// Record is one fully enriched flow observation. Records are immutable
// once inserted into the trade store.
type Record struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`

	Symbol     string         `json:"symbol"`     // canonical OCC id
	Ticker     string         `json:"ticker"`     // underlying
	Kind       occ.OptionKind `json:"type"`       // call | put
	Strike     float64        `json:"strike"`
	Expiration string         `json:"expiration"` // YYYY-MM-DD
	DTE        int            `json:"dte"`

	Timestamp    time.Time `json:"timestamp"` // event time, UTC
	Price        float64   `json:"price"`
	Size         float64   `json:"size"` // effective contracts
	Premium      float64   `json:"premium"`
	Volume       float64   `json:"volume"`
	OpenInterest float64   `json:"openInterest"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	IV           string    `json:"iv,omitempty"` // rendered, e.g. "32.40%"

	Spot       float64   `json:"spotPrice,omitempty"`
	OTMPercent float64   `json:"otmPercent"`
	Moneyness  Moneyness `json:"moneyness"`

	Side      SideLabel `json:"side"`
	Aggressor Aggressor `json:"aggressor"`
	Sentiment Sentiment `json:"sentiment"`
	TradeType TradeType `json:"tradeType"`

	Direction      string `json:"direction"`      // ↑ | ↓
	DirectionColor string `json:"directionColor"` // green | red | grey
	OpenClose      string `json:"openClose,omitempty"`

	Score           float64 `json:"setupScore"`
	HighProbability bool    `json:"isHighProbability"`
}

// TradeTick is a raw options trade from the vendor WebSocket stream,
// already decoded from the wire format.
type TradeTick struct {
	Symbol     string    // OCC option ticker ("O:...")
	Price      float64
	Size       float64
	Exchange   int
	Conditions []int
	Timestamp  time.Time
	Bid        float64
	Ask        float64
}

// SentimentOf derives sentiment from option kind and trade aggressor:
// bought calls and sold puts read bullish, sold calls and bought puts
// bearish.
func SentimentOf(kind occ.OptionKind, aggressor Aggressor) Sentiment {
	switch {
	case kind == occ.Call && aggressor == Buyer:
		return Bullish
	case kind == occ.Call && aggressor == Seller:
		return Bearish
	case kind == occ.Put && aggressor == Buyer:
		return Bearish
	case kind == occ.Put && aggressor == Seller:
		return Bullish
	default:
		return Neutral
	}
}

// DirectionOf maps (kind, aggressor) to the display arrow and colour.
func DirectionOf(kind occ.OptionKind, aggressor Aggressor) (arrow, colour string) {
	switch {
	case aggressor == NeutralAggres:
		return "↑", "grey"
	case kind == occ.Call && aggressor == Buyer, kind == occ.Put && aggressor == Seller:
		return "↑", "green"
	default:
		return "↓", "red"
	}
}
