package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormCDF(t *testing.T) {
	tests := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.0, 0.8413447},
		{-1.0, 0.1586553},
		{1.96, 0.9750021},
		{-1.96, 0.0249979},
		{3.5, 0.9997674},
	}

	for _, tt := range tests {
		assert.InDeltaf(t, tt.want, normCDF(tt.x), 1e-6, "normCDF(%v)", tt.x)
	}
}

func TestPricePutCallParity(t *testing.T) {
	// C - P = S - K*exp(-rT) must hold for any sigma.
	spot, strike, tt := 450.0, 460.0, 45.0/DaysPerYear
	for _, sigma := range []float64{0.1, 0.25, 0.6, 1.5} {
		call := Price(true, spot, strike, tt, sigma)
		put := Price(false, spot, strike, tt, sigma)
		parity := spot - strike*math.Exp(-RiskFreeRate*tt)
		assert.InDeltaf(t, parity, call-put, 1e-3, "sigma=%v", sigma)
	}
}

func TestPriceIntrinsicFallback(t *testing.T) {
	assert.Equal(t, 10.0, Price(true, 110, 100, 0, 0.3))
	assert.Equal(t, 0.0, Price(true, 90, 100, 0, 0.3))
	assert.Equal(t, 10.0, Price(false, 90, 100, 0, 0.3))
	assert.Equal(t, 0.0, Price(false, 110, 100, -1, 0.3))
}

func TestGreeksSanity(t *testing.T) {
	spot, strike, tt, sigma := 500.0, 500.0, 30.0/DaysPerYear, 0.25

	callDelta := Delta(true, spot, strike, tt, sigma)
	putDelta := Delta(false, spot, strike, tt, sigma)
	assert.InDelta(t, 0.5, callDelta, 0.1, "ATM call delta near 0.5")
	assert.InDelta(t, callDelta-1, putDelta, 1e-12, "put-call delta relation")

	assert.Greater(t, Gamma(spot, strike, tt, sigma), 0.0)
	assert.Greater(t, Vega(spot, strike, tt, sigma), 0.0)

	// Gamma decays away from the money.
	assert.Greater(t,
		Gamma(spot, strike, tt, sigma),
		Gamma(spot, strike*1.5, tt, sigma))
}

func TestImpliedVolRoundTrip(t *testing.T) {
	spot, strike := 500.0, 520.0
	dte := 45

	for _, sigma := range []float64{0.05, 0.15, 0.30, 0.80, 1.5, 3.0} {
		price := Price(true, spot, strike, float64(dte)/DaysPerYear, sigma)
		got, err := ImpliedVol(true, price, spot, strike, dte)
		if err != nil {
			// Deep OTM at tiny vol can legitimately underflow vega.
			assert.ErrorIs(t, err, ErrNotAvailable)
			continue
		}
		assert.InDeltaf(t, sigma, got, 1e-3, "sigma=%v", sigma)
	}
}

func TestImpliedVolDegenerateInputs(t *testing.T) {
	tests := []struct {
		name                string
		price, spot, strike float64
		dte                 int
	}{
		{"zero price", 0, 500, 520, 30},
		{"zero spot", 2.5, 0, 520, 30},
		{"zero strike", 2.5, 500, 0, 30},
		{"expired", 2.5, 500, 520, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ImpliedVol(true, tt.price, tt.spot, tt.strike, tt.dte)
			require.ErrorIs(t, err, ErrNotAvailable)
		})
	}
}

func TestFormatIV(t *testing.T) {
	assert.Equal(t, "32.40%", FormatIV(0.324))
	assert.Equal(t, "5.00%", FormatIV(0.05))
	// Already-percent inputs are normalized.
	assert.Equal(t, "32.40%", FormatIV(32.4))
}

func TestParseIV(t *testing.T) {
	assert.InDelta(t, 0.324, ParseIV("32.40%"), 1e-9)
	assert.InDelta(t, 0, ParseIV(""), 1e-9)
	assert.InDelta(t, 0, ParseIV("n/a"), 1e-9)
}
