package occ

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		underlying string
		strike     float64
		expiry     string
		kind       OptionKind
	}{
		{
			name:       "standard SPY call",
			symbol:     "O:SPY251219C00650000",
			underlying: "SPY",
			strike:     650.0,
			expiry:     "2025-12-19",
			kind:       Call,
		},
		{
			name:       "dot prefix",
			symbol:     "O.AAPL260116P00180000",
			underlying: "AAPL",
			strike:     180.0,
			expiry:     "2026-01-16",
			kind:       Put,
		},
		{
			name:       "no prefix",
			symbol:     "TSLA250919C00250000",
			underlying: "TSLA",
			strike:     250.0,
			expiry:     "2025-09-19",
			kind:       Call,
		},
		{
			name:       "fractional strike",
			symbol:     "O:QQQ251121P00447500",
			underlying: "QQQ",
			strike:     447.5,
			expiry:     "2025-11-21",
			kind:       Put,
		},
		{
			name:       "ticker containing C and P",
			symbol:     "O:PCAR251219C00105000",
			underlying: "PCAR",
			strike:     105.0,
			expiry:     "2025-12-19",
			kind:       Call,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse(tt.symbol)
			require.NoError(t, err)
			assert.Equal(t, tt.underlying, c.Underlying)
			assert.InDelta(t, tt.strike, c.Strike, 1e-9)
			assert.Equal(t, tt.expiry, c.Expiration.Format("2006-01-02"))
			assert.Equal(t, tt.kind, c.Kind)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	bad := []string{
		"",
		"O:",
		"SPY",
		"O:SPY251219C0065000",   // 7-digit strike
		"O:SPY251219X00650000",  // bad kind marker
		"O:SPY2512C00650000",    // short date
		"O:251219C00650000",     // missing underlying
		"O:SPY251219C0065000A",  // non-digit strike
		"O:SP9Y251219C00650000", // digit in underlying
	}

	for _, symbol := range bad {
		_, err := Parse(symbol)
		assert.Truef(t, errors.Is(err, ErrMalformedSymbol), "expected ErrMalformedSymbol for %q, got %v", symbol, err)
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	tests := []Contract{
		{Underlying: "SPY", Strike: 650, Expiration: time.Date(2025, 12, 19, 0, 0, 0, 0, time.Local), Kind: Call},
		{Underlying: "AAPL", Strike: 182.5, Expiration: time.Date(2026, 1, 16, 0, 0, 0, 0, time.Local), Kind: Put},
		{Underlying: "NVDA", Strike: 1207.375, Expiration: time.Date(2025, 9, 5, 0, 0, 0, 0, time.Local), Kind: Call},
		{Underlying: "IWM", Strike: 0.5, Expiration: time.Date(2025, 10, 17, 0, 0, 0, 0, time.Local), Kind: Put},
	}

	for _, want := range tests {
		got, err := Parse(want.Symbol())
		require.NoError(t, err, "symbol %s", want.Symbol())
		assert.Equal(t, want.Underlying, got.Underlying)
		assert.Equal(t, want.Kind, got.Kind)
		assert.InDelta(t, want.Strike, got.Strike, 0.001)
		assert.True(t, want.Expiration.Equal(got.Expiration))
	}
}

func TestDaysUntil(t *testing.T) {
	now := time.Date(2025, 8, 26, 14, 30, 0, 0, time.Local)

	tests := []struct {
		name   string
		expiry time.Time
		want   int
	}{
		{"same day", time.Date(2025, 8, 26, 0, 0, 0, 0, time.Local), 0},
		{"tomorrow", time.Date(2025, 8, 27, 0, 0, 0, 0, time.Local), 1},
		{"next month", time.Date(2025, 9, 26, 0, 0, 0, 0, time.Local), 31},
		{"expired", time.Date(2025, 8, 25, 0, 0, 0, 0, time.Local), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysUntil(tt.expiry, now))
		})
	}
}
