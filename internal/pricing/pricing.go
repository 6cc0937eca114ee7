// Package pricing implements a Black–Scholes kernel for European options on
// a non-dividend-paying underlying: price, Greeks, and implied-volatility
// inversion via Newton–Raphson.
package pricing

import (
	"errors"
	"fmt"
	"math"
)

// RiskFreeRate is the annualized risk-free rate used across the process.
const RiskFreeRate = 0.045

// DaysPerYear converts DTE to a year fraction.
const DaysPerYear = 365.25

// ErrNotAvailable means an implied volatility could not be recovered from
// the market price.
var ErrNotAvailable = errors.New("implied volatility not available")

const sqrt2Pi = 2.5066282746310002

// normPDF is the standard normal probability density at x.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / sqrt2Pi
}

// normCDF approximates the standard normal cumulative distribution with the
// Abramowitz & Stegun 5-term polynomial (formula 26.2.17, |ε| < 7.5e-8).
func normCDF(x float64) float64 {
	if x < 0 {
		return 1 - normCDF(-x)
	}
	k := 1.0 / (1.0 + 0.2316419*x)
	poly := k * (0.319381530 + k*(-0.356563782+k*(1.781477937+k*(-1.821255978+k*1.330274429))))
	return 1 - normPDF(x)*poly
}

func d1d2(spot, strike, t, sigma float64) (float64, float64) {
	d1 := (math.Log(spot/strike) + (RiskFreeRate+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
	return d1, d1 - sigma*math.Sqrt(t)
}

// Price returns the Black–Scholes value of the option. Non-positive time or
// volatility collapses to intrinsic value.
func Price(isCall bool, spot, strike, t, sigma float64) float64 {
	if t <= 0 || sigma <= 0 {
		if isCall {
			return math.Max(0, spot-strike)
		}
		return math.Max(0, strike-spot)
	}

	d1, d2 := d1d2(spot, strike, t, sigma)
	disc := math.Exp(-RiskFreeRate * t)
	if isCall {
		return spot*normCDF(d1) - strike*disc*normCDF(d2)
	}
	return strike*disc*normCDF(-d2) - spot*normCDF(-d1)
}

// Delta returns the option's sensitivity to the underlying price.
func Delta(isCall bool, spot, strike, t, sigma float64) float64 {
	if t <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(spot, strike, t, sigma)
	if isCall {
		return normCDF(d1)
	}
	return normCDF(d1) - 1
}

// Gamma returns the option's delta sensitivity to the underlying price.
// Calls and puts share the same gamma.
func Gamma(spot, strike, t, sigma float64) float64 {
	if t <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(spot, strike, t, sigma)
	return normPDF(d1) / (spot * sigma * math.Sqrt(t))
}

// Vega returns the option's sensitivity to volatility.
func Vega(spot, strike, t, sigma float64) float64 {
	if t <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(spot, strike, t, sigma)
	return spot * normPDF(d1) * math.Sqrt(t)
}

// Implied-vol solver parameters.
const (
	ivInitialGuess = 0.30
	ivMaxIter      = 100
	ivTolerance    = 1e-4
	ivVegaFloor    = 1e-4
	ivSigmaMin     = 0.01
	ivSigmaMax     = 5.0
)

// ImpliedVol inverts Black–Scholes for volatility via Newton–Raphson.
// dte is days to expiration. Returns ErrNotAvailable when the solver
// fails to converge, vega underfows, or inputs are degenerate.
func ImpliedVol(isCall bool, marketPrice, spot, strike float64, dte int) (float64, error) {
	if marketPrice <= 0 || spot <= 0 || strike <= 0 || dte <= 0 {
		return 0, ErrNotAvailable
	}

	t := float64(dte) / DaysPerYear
	sigma := ivInitialGuess
	converged := false

	for i := 0; i < ivMaxIter; i++ {
		price := Price(isCall, spot, strike, t, sigma)
		diff := marketPrice - price
		if math.Abs(diff) < ivTolerance {
			converged = true
			break
		}

		vega := Vega(spot, strike, t, sigma)
		if vega < ivVegaFloor {
			break
		}

		sigma += diff / vega
		if sigma < ivSigmaMin {
			sigma = ivSigmaMin
		} else if sigma > ivSigmaMax {
			sigma = ivSigmaMax
		}
	}

	if !converged || sigma <= 0 || sigma >= ivSigmaMax || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return 0, ErrNotAvailable
	}
	return sigma, nil
}

// FormatIV renders a volatility as a percent string with two decimals,
// e.g. 0.324 -> "32.40%". Values above 1 are treated as already-percent
// and normalized first.
func FormatIV(sigma float64) string {
	if sigma > 1 {
		sigma /= 100
	}
	return fmt.Sprintf("%.2f%%", sigma*100)
}

// ParseIV recovers a volatility fraction from a rendered percent string.
// Returns 0 when the string is empty or unparseable.
func ParseIV(s string) float64 {
	var pct float64
	if _, err := fmt.Sscanf(s, "%f%%", &pct); err != nil {
		return 0
	}
	return pct / 100
}
