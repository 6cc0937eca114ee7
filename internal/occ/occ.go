// Package occ parses and formats OCC-style option tickers as used by the
// Polygon-compatible options feeds, e.g. "O:SPY251219C00650000".
package occ

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OptionKind distinguishes calls from puts.
type OptionKind string

const (
	// Call is a call option.
	Call OptionKind = "call"
	// Put is a put option.
	Put OptionKind = "put"
)

// ErrMalformedSymbol is returned when a ticker cannot be parsed as an OCC
// option symbol.
var ErrMalformedSymbol = errors.New("malformed option symbol")

// strikeDigits is the fixed width of the OCC strike field (strike * 1000).
const strikeDigits = 8

// dateDigits is the fixed width of the OCC expiration field (YYMMDD).
const dateDigits = 6

// Contract is the immutable identity of an option series.
type Contract struct {
	Underlying string
	Strike     float64
	Expiration time.Time // midnight, local civil calendar
	Kind       OptionKind
}

// Symbol renders the contract in canonical OCC form:
// "O:" + underlying + YYMMDD + C|P + strike*1000 zero-padded to 8 digits.
func (c Contract) Symbol() string {
	kind := "C"
	if c.Kind == Put {
		kind = "P"
	}
	return fmt.Sprintf("O:%s%s%s%08d",
		strings.ToUpper(c.Underlying),
		c.Expiration.Format("060102"),
		kind,
		int64(c.Strike*1000+0.5),
	)
}

// Parse decodes an OCC option symbol. Both "O:" and "O." prefixes are
// accepted, as is a bare symbol with no prefix.
//
// The terminating 8-digit strike anchors the parse: the last 'C' or 'P'
// followed by exactly eight digits splits the symbol into ticker, date,
// and strike fields.
func Parse(symbol string) (Contract, error) {
	s := strings.TrimSpace(symbol)
	s = strings.TrimPrefix(s, "O:")
	s = strings.TrimPrefix(s, "O.")
	s = strings.ToUpper(s)

	if len(s) < dateDigits+1+strikeDigits+1 {
		return Contract{}, fmt.Errorf("%w: %q too short", ErrMalformedSymbol, symbol)
	}

	// The trailing 8 digits are the strike; the character before them
	// must be the kind marker.
	anchor := len(s) - strikeDigits - 1
	if anchor < dateDigits || (s[anchor] != 'C' && s[anchor] != 'P') || !allDigits(s[anchor+1:]) {
		return Contract{}, fmt.Errorf("%w: %q has no strike anchor", ErrMalformedSymbol, symbol)
	}

	dateStr := s[anchor-dateDigits : anchor]
	ticker := s[:anchor-dateDigits]
	strikeStr := s[anchor+1:]

	if ticker == "" || !allLetters(ticker) {
		return Contract{}, fmt.Errorf("%w: %q has invalid underlying", ErrMalformedSymbol, symbol)
	}
	if !allDigits(dateStr) {
		return Contract{}, fmt.Errorf("%w: %q has invalid expiration", ErrMalformedSymbol, symbol)
	}

	exp, err := time.ParseInLocation("060102", dateStr, time.Local)
	if err != nil {
		return Contract{}, fmt.Errorf("%w: %q expiration: %v", ErrMalformedSymbol, symbol, err)
	}

	raw, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil || raw <= 0 {
		return Contract{}, fmt.Errorf("%w: %q has invalid strike", ErrMalformedSymbol, symbol)
	}

	kind := Call
	if s[anchor] == 'P' {
		kind = Put
	}

	return Contract{
		Underlying: ticker,
		Strike:     float64(raw) / 1000,
		Expiration: exp,
		Kind:       kind,
	}, nil
}

// DTE returns whole days from local midnight today until the contract's
// expiration. Negative values mean the contract has expired.
func (c Contract) DTE(now time.Time) int {
	return DaysUntil(c.Expiration, now)
}

// DaysUntil computes calendar days between local midnight of now and
// local midnight of the expiration date.
func DaysUntil(expiration, now time.Time) int {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	ey, em, ed := expiration.Date()
	exp := time.Date(ey, em, ed, 0, 0, 0, 0, now.Location())
	// Rounding absorbs the odd-length days around DST transitions.
	return int(math.Round(exp.Sub(today).Hours() / 24))
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func allLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return len(s) > 0
}
