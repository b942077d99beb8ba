// Package margin computes vault margin requirements two ways: a closed-form
// per-position formula (Simple) and a stress-scenario simulation
// (Portfolio). The vault evaluator posts the lesser of the two.
package margin

import (
	"errors"
	"fmt"
)

var (
	// ErrPricing wraps every failure of the option-pricing capability.
	ErrPricing = errors.New("margin: option pricing failed")

	// ErrExpiredUnsettled is returned when an option is past its expiry
	// instant but has no settlement price yet. Such a position should have
	// been settled upstream.
	ErrExpiredUnsettled = fmt.Errorf("%w: option expired without a settlement price", ErrPricing)
)

// OptionPricer is the option-pricing capability the portfolio simulation
// consumes. Implementations must be pure and safe for concurrent use.
type OptionPricer interface {
	Price(spot, strike, years, vol, rate float64, isCall bool) (float64, error)
	ImpliedVolatility(observed, spot, strike, years, rate float64, isCall bool) (float64, error)
}
