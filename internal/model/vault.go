package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrDuplicatePosition is returned when a vault holds two positions on the
// same derivative.
var ErrDuplicatePosition = errors.New("model: duplicate position")

// Position is a signed holding of one derivative.
type Position struct {
	AssetID string          `json:"asset_id"` // encoded derivative identity
	Size    decimal.Decimal `json:"size"`     // signed: +long, -short
	// CarryValue is the cached funding index (perpetuals) or realized entry
	// price (futures). Balance and margin are pure mark-to-market and do
	// not read it.
	CarryValue decimal.Decimal `json:"carry_value"`
}

// IsLong reports whether the position is a net long.
func (p Position) IsLong() bool {
	return p.Size.IsPositive()
}

// Vault is a margin account: collateral plus derivative positions.
// Collateral and sizes are quantized integers in the settlement tier; the
// engine works on the unscaled values.
type Vault struct {
	Owner             string          `json:"owner"`
	Collateral        Asset           `json:"collateral,omitempty"`
	CollateralBalance decimal.Decimal `json:"collateral_balance"`
	Positions         []Position      `json:"positions"`
}

// Validate rejects vaults holding more than one position per derivative.
func (v Vault) Validate() error {
	seen := make(map[string]struct{}, len(v.Positions))
	for _, p := range v.Positions {
		if _, ok := seen[p.AssetID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePosition, p.AssetID)
		}
		seen[p.AssetID] = struct{}{}
	}
	return nil
}

// Clone returns a copy that shares no slice storage with v.
func (v Vault) Clone() Vault {
	out := v
	out.Positions = append([]Position(nil), v.Positions...)
	return out
}
