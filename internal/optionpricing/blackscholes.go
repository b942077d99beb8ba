// Package optionpricing implements the option-pricing capability the margin
// engine consumes: Black-Scholes valuation of European options and the
// implied volatility that reconciles it with an observed price.
//
// All inputs and outputs are float64. Callers convert to and from
// shopspring/decimal at the boundary.
package optionpricing

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDegenerateInput is returned for non-positive spot, strike, time to
	// expiry or volatility, and for non-finite inputs.
	ErrDegenerateInput = errors.New("optionpricing: degenerate input")

	// ErrPriceOutOfBounds is returned when an observed price violates the
	// no-arbitrage bounds, so no volatility can reproduce it.
	ErrPriceOutOfBounds = errors.New("optionpricing: observed price outside no-arbitrage bounds")

	// ErrNoConvergence is returned when the implied volatility solver
	// exhausts its iteration budget.
	ErrNoConvergence = errors.New("optionpricing: implied volatility did not converge")
)

// Solver defaults.
const (
	DefaultTolerance     = 1e-8
	DefaultMaxIterations = 200
	MinVolatility        = 1e-6
	MaxVolatility        = 100.0
)

// BlackScholes prices European options under constant volatility and rate.
// It is stateless and safe for concurrent use.
type BlackScholes struct {
	Tolerance     float64 // absolute price tolerance of the IV solver
	MaxIterations int
}

// NewBlackScholes returns a model with the default solver settings.
func NewBlackScholes() *BlackScholes {
	return &BlackScholes{
		Tolerance:     DefaultTolerance,
		MaxIterations: DefaultMaxIterations,
	}
}

// Price returns the Black-Scholes value of a call (isCall) or put.
func (m *BlackScholes) Price(spot, strike, years, vol, rate float64, isCall bool) (float64, error) {
	if err := validate(spot, strike, years, rate); err != nil {
		return 0, err
	}
	if !(vol > 0) || math.IsInf(vol, 0) {
		return 0, fmt.Errorf("%w: volatility %g", ErrDegenerateInput, vol)
	}
	return price(spot, strike, years, vol, rate, isCall), nil
}

// ImpliedVolatility solves price(vol) = observed with a safeguarded Newton
// iteration: Newton steps on vega, falling back to bisection whenever a step
// would leave the current bracket.
func (m *BlackScholes) ImpliedVolatility(observed, spot, strike, years, rate float64, isCall bool) (float64, error) {
	if err := validate(spot, strike, years, rate); err != nil {
		return 0, err
	}
	if math.IsNaN(observed) || math.IsInf(observed, 0) {
		return 0, fmt.Errorf("%w: observed price %g", ErrDegenerateInput, observed)
	}

	discStrike := strike * math.Exp(-rate*years)
	lower, upper := math.Max(0, spot-discStrike), spot
	if !isCall {
		lower, upper = math.Max(0, discStrike-spot), discStrike
	}
	if observed < lower-m.tolerance() || observed >= upper {
		return 0, fmt.Errorf("%w: %g not in [%g, %g)", ErrPriceOutOfBounds, observed, lower, upper)
	}

	lo, hi := MinVolatility, MaxVolatility
	if observed <= price(spot, strike, years, lo, rate, isCall) {
		return lo, nil
	}
	if observed >= price(spot, strike, years, hi, rate, isCall) {
		return 0, fmt.Errorf("%w: observed price %g needs volatility above %g", ErrNoConvergence, observed, hi)
	}

	// Brenner-Subrahmanyam starting point.
	vol := math.Sqrt(2*math.Pi/years) * observed / spot
	if vol <= lo || vol >= hi {
		vol = (lo + hi) / 2
	}

	for i := 0; i < m.maxIterations(); i++ {
		diff := price(spot, strike, years, vol, rate, isCall) - observed
		if math.Abs(diff) < m.tolerance() {
			return vol, nil
		}
		if diff > 0 {
			hi = vol
		} else {
			lo = vol
		}

		next := vol - diff/vega(spot, strike, years, vol, rate)
		if math.IsNaN(next) || next <= lo || next >= hi {
			next = (lo + hi) / 2
		}
		vol = next
	}
	return 0, fmt.Errorf("%w: after %d iterations", ErrNoConvergence, m.maxIterations())
}

func (m *BlackScholes) tolerance() float64 {
	if m.Tolerance > 0 {
		return m.Tolerance
	}
	return DefaultTolerance
}

func (m *BlackScholes) maxIterations() int {
	if m.MaxIterations > 0 {
		return m.MaxIterations
	}
	return DefaultMaxIterations
}

func validate(spot, strike, years, rate float64) error {
	switch {
	case !(spot > 0) || math.IsInf(spot, 0):
		return fmt.Errorf("%w: spot %g", ErrDegenerateInput, spot)
	case !(strike > 0) || math.IsInf(strike, 0):
		return fmt.Errorf("%w: strike %g", ErrDegenerateInput, strike)
	case !(years > 0) || math.IsInf(years, 0):
		return fmt.Errorf("%w: time to expiry %g years", ErrDegenerateInput, years)
	case math.IsNaN(rate) || math.IsInf(rate, 0):
		return fmt.Errorf("%w: rate %g", ErrDegenerateInput, rate)
	}
	return nil
}

func d1d2(spot, strike, years, vol, rate float64) (float64, float64) {
	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*years) / (vol * sqrtT)
	return d1, d1 - vol*sqrtT
}

func price(spot, strike, years, vol, rate float64, isCall bool) float64 {
	d1, d2 := d1d2(spot, strike, years, vol, rate)
	discStrike := strike * math.Exp(-rate*years)
	if isCall {
		return spot*normCDF(d1) - discStrike*normCDF(d2)
	}
	return discStrike*normCDF(-d2) - spot*normCDF(-d1)
}

// vega is identical for calls and puts.
func vega(spot, strike, years, vol, rate float64) float64 {
	d1, _ := d1d2(spot, strike, years, vol, rate)
	return spot * math.Sqrt(years) * normPDF(d1)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
