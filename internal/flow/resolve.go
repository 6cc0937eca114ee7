package flow

import (
	"strings"

	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/occ"
)

// The vendor feed has shipped several schema generations, so the same
// logical field can live in three to five places. Each field gets an
// ordered accessor list; the first hit wins. Keeping the precedence in
// data makes it testable on its own.

type floatAccessor func(*massive.SnapshotResult) *float64

// volumeAccessors: day.volume, volume, details.day.volume, details.volume.
var volumeAccessors = []floatAccessor{
	func(r *massive.SnapshotResult) *float64 {
		if r.Day != nil {
			return r.Day.Volume
		}
		return nil
	},
	func(r *massive.SnapshotResult) *float64 { return r.Volume },
	func(r *massive.SnapshotResult) *float64 {
		if r.Details != nil && r.Details.Day != nil {
			return r.Details.Day.Volume
		}
		return nil
	},
	func(r *massive.SnapshotResult) *float64 {
		if r.Details != nil {
			return r.Details.Volume
		}
		return nil
	},
}

// openInterestAccessors: open_interest, day.open_interest, details.open_interest.
var openInterestAccessors = []floatAccessor{
	func(r *massive.SnapshotResult) *float64 { return r.OpenInterest },
	func(r *massive.SnapshotResult) *float64 {
		if r.Day != nil {
			return r.Day.OpenInterest
		}
		return nil
	},
	func(r *massive.SnapshotResult) *float64 {
		if r.Details != nil {
			return r.Details.OpenInterest
		}
		return nil
	},
}

// ivAccessors: greeks.mid_iv, greeks.iv, implied_volatility.
var ivAccessors = []floatAccessor{
	func(r *massive.SnapshotResult) *float64 {
		if r.Greeks != nil {
			return r.Greeks.MidIV
		}
		return nil
	},
	func(r *massive.SnapshotResult) *float64 {
		if r.Greeks != nil {
			return r.Greeks.IV
		}
		return nil
	},
	func(r *massive.SnapshotResult) *float64 { return r.ImpliedVolatility },
}

func resolveFirst(r *massive.SnapshotResult, accessors []floatAccessor) (float64, bool) {
	for _, get := range accessors {
		if v := get(r); v != nil {
			return *v, true
		}
	}
	return 0, false
}

// resolveVolume returns day volume, zero when absent everywhere.
func resolveVolume(r *massive.SnapshotResult) float64 {
	v, _ := resolveFirst(r, volumeAccessors)
	return v
}

// resolveOpenInterest returns open interest, zero when absent everywhere.
func resolveOpenInterest(r *massive.SnapshotResult) float64 {
	v, _ := resolveFirst(r, openInterestAccessors)
	return v
}

// resolvePrevOI returns the prior session's open interest, zero when the
// vendor omits it.
func resolvePrevOI(r *massive.SnapshotResult) float64 {
	if r.Day != nil && r.Day.PrevOI != nil {
		return *r.Day.PrevOI
	}
	return 0
}

// resolveVendorIV returns the vendor-supplied implied volatility, if any.
func resolveVendorIV(r *massive.SnapshotResult) (float64, bool) {
	v, ok := resolveFirst(r, ivAccessors)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// resolveSymbol returns the contract's OCC ticker from whichever field
// carries it.
func resolveSymbol(r *massive.SnapshotResult) string {
	if r.Details != nil && r.Details.Ticker != "" {
		return r.Details.Ticker
	}
	return r.Ticker
}

// resolveContract builds the contract identity, preferring explicit
// detail fields and falling back to the parsed symbol. The parsed
// contract also settles the kind when no contract-type field is present.
func resolveContract(r *massive.SnapshotResult, override string) (occ.Contract, error) {
	parsed, parseErr := occ.Parse(resolveSymbol(r))

	c := parsed
	if parseErr != nil {
		c = occ.Contract{}
	}

	// Kind: explicit contract-type field wins over the symbol parse.
	ct := ""
	if r.Details != nil && r.Details.ContractType != "" {
		ct = r.Details.ContractType
	} else if r.ContractType != "" {
		ct = r.ContractType
	}
	switch strings.ToLower(ct) {
	case "call":
		c.Kind = occ.Call
	case "put":
		c.Kind = occ.Put
	}

	// Strike and expiration: details win over the symbol parse.
	if r.Details != nil {
		if r.Details.StrikePrice != nil && *r.Details.StrikePrice > 0 {
			c.Strike = *r.Details.StrikePrice
		}
		if r.Details.ExpirationDate != "" {
			if exp, err := parseVendorDate(r.Details.ExpirationDate); err == nil {
				c.Expiration = exp
			}
		}
	}

	// Underlying: underlying_asset.ticker, then the override, then the parse.
	if r.UnderlyingAsset != nil && r.UnderlyingAsset.Ticker != "" {
		c.Underlying = strings.ToUpper(r.UnderlyingAsset.Ticker)
	} else if c.Underlying == "" && override != "" {
		c.Underlying = strings.ToUpper(override)
	}

	if c.Underlying == "" || c.Strike <= 0 || c.Expiration.IsZero() || c.Kind == "" {
		if parseErr != nil {
			return occ.Contract{}, parseErr
		}
		return occ.Contract{}, occ.ErrMalformedSymbol
	}
	return c, nil
}

// resolvePrice picks the tradable price: last trade, quote midpoint,
// mark, last, then the quote average. Zero means unresolvable.
func resolvePrice(r *massive.SnapshotResult) float64 {
	if r.LastTrade != nil && r.LastTrade.Price > 0 {
		return r.LastTrade.Price
	}
	if r.LastQuote != nil && r.LastQuote.Midpoint > 0 {
		return r.LastQuote.Midpoint
	}
	if r.Mark != nil && *r.Mark > 0 {
		return *r.Mark
	}
	if r.Last != nil && *r.Last > 0 {
		return *r.Last
	}
	bid, ask := resolveQuote(r)
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	return 0
}

// resolveQuote returns bid and ask from the quote object or the
// top-level fallbacks.
func resolveQuote(r *massive.SnapshotResult) (bid, ask float64) {
	if r.LastQuote != nil && (r.LastQuote.Bid > 0 || r.LastQuote.Ask > 0) {
		return r.LastQuote.Bid, r.LastQuote.Ask
	}
	if r.Bid != nil {
		bid = *r.Bid
	}
	if r.Ask != nil {
		ask = *r.Ask
	}
	return bid, ask
}

// resolveUnderlyingPrice extracts the underlying spot carried on the
// snapshot itself, when present.
func resolveUnderlyingPrice(r *massive.SnapshotResult) (float64, bool) {
	if r.UnderlyingAsset == nil {
		return 0, false
	}
	if r.UnderlyingAsset.Price != nil && *r.UnderlyingAsset.Price > 0 {
		return *r.UnderlyingAsset.Price, true
	}
	if r.UnderlyingAsset.Value != nil && *r.UnderlyingAsset.Value > 0 {
		return *r.UnderlyingAsset.Value, true
	}
	return 0, false
}
