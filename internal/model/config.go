package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrConfigMissing is returned when a position references an underlying
// with no AssetConfig.
var ErrConfigMissing = errors.New("model: asset config missing")

// AssetConfig is the operator-set risk policy for one underlying. The
// engine never caches it; every evaluation uses the config passed in.
type AssetConfig struct {
	FutureVariableMarginDivisor decimal.Decimal `json:"future_variable_margin_divisor"`
	FutureInitialMarginPct      decimal.Decimal `json:"future_initial_margin_pct"`
	FutureMaintenanceMarginPct  decimal.Decimal `json:"future_maintenance_margin_pct"`
	OptionInitialMarginPct      decimal.Decimal `json:"option_initial_margin_pct"`
	OptionMaintenanceMarginPct  decimal.Decimal `json:"option_maintenance_margin_pct"`
	SpotStressPct               decimal.Decimal `json:"spot_stress_pct"`
	VolStressAbs                decimal.Decimal `json:"vol_stress_abs"`
	RiskFreeRate                decimal.Decimal `json:"risk_free_rate"`
}

// FixedFuturePct returns the fixed perpetual/future margin ratio for mt.
func (c AssetConfig) FixedFuturePct(mt MarginType) decimal.Decimal {
	if mt == MarginInitial {
		return c.FutureInitialMarginPct
	}
	return c.FutureMaintenanceMarginPct
}

// FixedOptionPct returns the fixed short-option margin ratio for mt.
func (c AssetConfig) FixedOptionPct(mt MarginType) decimal.Decimal {
	if mt == MarginInitial {
		return c.OptionInitialMarginPct
	}
	return c.OptionMaintenanceMarginPct
}

// Validate rejects configs the simple-margin formula cannot use.
func (c AssetConfig) Validate() error {
	if !c.FutureVariableMarginDivisor.IsPositive() {
		return fmt.Errorf("model: future_variable_margin_divisor must be positive")
	}
	for name, v := range map[string]decimal.Decimal{
		"future_initial_margin_pct":     c.FutureInitialMarginPct,
		"future_maintenance_margin_pct": c.FutureMaintenanceMarginPct,
		"option_initial_margin_pct":     c.OptionInitialMarginPct,
		"option_maintenance_margin_pct": c.OptionMaintenanceMarginPct,
		"spot_stress_pct":               c.SpotStressPct,
		"vol_stress_abs":                c.VolStressAbs,
	} {
		if v.IsNegative() {
			return fmt.Errorf("model: %s must not be negative", name)
		}
	}
	// A downward shock of 100% or more would leave no spot to reprice at.
	if c.SpotStressPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("model: spot_stress_pct must be below 1")
	}
	return nil
}

// AssetConfigs maps each underlying to its policy.
type AssetConfigs map[Asset]AssetConfig

// For returns the config for a, or ErrConfigMissing.
func (c AssetConfigs) For(a Asset) (AssetConfig, error) {
	cfg, ok := c[a]
	if !ok {
		return AssetConfig{}, fmt.Errorf("%w: %s", ErrConfigMissing, a)
	}
	return cfg, nil
}
