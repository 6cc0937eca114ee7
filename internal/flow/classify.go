package flow

import (
	"math"

	"github.com/quantfeed/optionsflow/internal/occ"
)

// atTouchFraction is the share of the spread treated as "at" the touch.
const atTouchFraction = 0.1

// ClassifySide places a print relative to the quote and names the
// aggressor. A missing or crossed-out quote yields Mid/neutral.
func ClassifySide(price, bid, ask float64) (SideLabel, Aggressor) {
	if bid <= 0 || ask <= 0 {
		return Mid, NeutralAggres
	}

	mid := (bid + ask) / 2
	tau := atTouchFraction * (ask - bid)

	switch {
	case price > ask:
		return AboveAsk, Buyer
	case price >= ask-tau && price <= ask:
		return AtAsk, Buyer
	case price < bid:
		return BelowBid, Seller
	case price >= bid && price <= bid+tau:
		return AtBid, Seller
	case price > mid:
		return ToAsk, Buyer
	case price < mid:
		return ToBid, Seller
	default:
		return Mid, NeutralAggres
	}
}

// OTMPercent returns the signed distance from spot to strike in percent:
// positive means out of the money for the given kind.
func OTMPercent(kind occ.OptionKind, strike, spot float64) float64 {
	if spot <= 0 {
		return 0
	}
	pct := (strike - spot) / spot * 100
	if kind == occ.Put {
		pct = -pct
	}
	return pct
}

// MoneynessOf labels the strike. Within half a percent of spot counts as
// at the money.
func MoneynessOf(otmPct float64) Moneyness {
	switch {
	case math.Abs(otmPct) < 0.5:
		return ATM
	case otmPct > 0:
		return OTM
	default:
		return ITM
	}
}

// NearTheMoney reports whether the strike sits within one percent of
// spot, the wider window used for colour tagging.
func NearTheMoney(strike, spot float64) bool {
	if spot <= 0 {
		return false
	}
	return math.Abs(strike-spot)/spot <= 0.01
}

// EffectiveSize resolves the contract count a premium is computed over.
// An explicit trade size wins; otherwise day volume stands in; with no
// volume a 5% open-interest proxy (floored at 10) is used; with nothing
// at all a sentinel single contract.
func EffectiveSize(tradeSize, volume, openInterest float64) float64 {
	switch {
	case tradeSize > 0:
		return tradeSize
	case volume > 0:
		return volume
	case openInterest > 0:
		return math.Max(10, math.Floor(0.05*openInterest))
	default:
		return 1
	}
}

// Premium is the dollar value of the print: price per contract times 100
// shares times size.
func Premium(price, size float64) float64 {
	return price * size * 100
}

// OpeningClosingHint guesses position intent from volume against open
// interest. prevOI <= 0 means the prior day's OI is unknown (the common
// case) and the volume-ratio heuristics apply instead.
func OpeningClosingHint(volume, openInterest, prevOI float64) string {
	if prevOI > 0 {
		if volume > prevOI {
			return HintOpening
		}
		if openInterest < prevOI && volume > 0.1*openInterest {
			return HintClosing
		}
		return ""
	}

	if openInterest > 0 && volume/openInterest >= 0.5 {
		return HintOpening
	}
	if volume >= 1000 && openInterest < 2*volume {
		return HintOpening
	}
	if openInterest >= 1000 && volume < 50 && volume/openInterest < 0.05 {
		return HintClosing
	}
	return ""
}

// SetupScore rates a flow 0–10 from volume, open interest, premium,
// execution style, side, and DTE tiers.
func SetupScore(volume, openInterest, premium float64, tradeType TradeType, side SideLabel, dte int) float64 {
	score := 5.0

	switch {
	case volume >= 5000:
		score += 2
	case volume >= 1000:
		score += 1
	case volume < 10:
		score -= 3
	}

	switch {
	case openInterest < 10:
		score -= 3
	case openInterest < 100:
		score -= 1
	case openInterest >= 1000:
		score += 1
	}

	switch {
	case premium >= 1_000_000:
		score += 2
	case premium >= 100_000:
		score += 1
	case premium < 10_000:
		score -= 1
	}

	if tradeType == Sweep || tradeType == Block {
		score += 1
	}
	if side == AboveAsk || side == AtAsk {
		score += 1
	}

	if dte == 0 {
		score -= 1
	} else if dte >= 30 && dte <= 60 {
		score += 1
	}

	return math.Max(0, math.Min(10, score))
}

// HighProbabilityThreshold is the canonical score floor for the
// high-probability flag.
const HighProbabilityThreshold = 7.0

// IsHighProbability applies the flag rule on top of the score.
func IsHighProbability(score, volume, openInterest, premium float64) bool {
	return score >= HighProbabilityThreshold &&
		volume >= 100 &&
		openInterest >= 100 &&
		premium >= 25_000
}
