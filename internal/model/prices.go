package model

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSet is one atomic snapshot of every price source. Market and
// MovingAverage are keyed by an encoded asset or an encoded derivative.
type PriceSet struct {
	// OracleIndex is the cross-venue spot index, assumed present for every
	// underlying.
	OracleIndex map[Asset]decimal.Decimal `json:"oracle_index"`
	// Market holds operator-quoted prices (best bid/ask mid).
	Market map[string]decimal.Decimal `json:"market"`
	// MovingAverage holds trade-derived prices; sparse in illiquid markets.
	MovingAverage map[string]decimal.Decimal `json:"moving_average"`
	// Settled holds final settlement prices, one per underlying and expiry.
	Settled map[SettlementKey]decimal.Decimal `json:"settled"`
	TakenAt time.Time                         `json:"taken_at"`
}

// NewPriceSet returns an empty snapshot with all maps allocated.
func NewPriceSet() *PriceSet {
	return &PriceSet{
		OracleIndex:   make(map[Asset]decimal.Decimal),
		Market:        make(map[string]decimal.Decimal),
		MovingAverage: make(map[string]decimal.Decimal),
		Settled:       make(map[SettlementKey]decimal.Decimal),
	}
}

// Clone returns a deep copy so a stored snapshot cannot be mutated through
// a reader's reference.
func (p *PriceSet) Clone() *PriceSet {
	if p == nil {
		return NewPriceSet()
	}
	out := &PriceSet{
		OracleIndex:   maps.Clone(p.OracleIndex),
		Market:        maps.Clone(p.Market),
		MovingAverage: maps.Clone(p.MovingAverage),
		Settled:       maps.Clone(p.Settled),
		TakenAt:       p.TakenAt,
	}
	if out.OracleIndex == nil {
		out.OracleIndex = make(map[Asset]decimal.Decimal)
	}
	if out.Market == nil {
		out.Market = make(map[string]decimal.Decimal)
	}
	if out.MovingAverage == nil {
		out.MovingAverage = make(map[string]decimal.Decimal)
	}
	if out.Settled == nil {
		out.Settled = make(map[SettlementKey]decimal.Decimal)
	}
	return out
}
