// Package pricing resolves mark prices from a PriceSet snapshot: the spot
// mark of an underlying, the settled value of an expired derivative, and
// the mark price of any derivative.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/contract"
	"github.com/atmx/margin-engine/internal/model"
)

var (
	// ErrNoPriceSource is returned when a non-settled derivative has no
	// usable price. It never defaults to zero.
	ErrNoPriceSource = errors.New("pricing: no price source")

	// ErrOracleMissing is returned when an underlying has no oracle index.
	// Spot is assumed always quoted, so this is a broken snapshot.
	ErrOracleMissing = fmt.Errorf("%w: oracle index missing", ErrNoPriceSource)
)

// Source names a price map contributing to a mark price.
type Source string

const (
	SourceOracle        Source = "oracle_index"
	SourceMarket        Source = "market"
	SourceMovingAverage Source = "moving_average"
	SourceSettled       Source = "settled"
)

// Quote is a resolved price plus the sources that produced it.
type Quote struct {
	Price   decimal.Decimal `json:"price"`
	Sources []Source        `json:"sources"`
	Settled bool            `json:"settled"`
}

// Aggregator reads one PriceSet snapshot. It never mutates it.
type Aggregator struct {
	prices *model.PriceSet
}

// NewAggregator wraps a snapshot. A nil snapshot behaves as an empty one.
func NewAggregator(prices *model.PriceSet) *Aggregator {
	if prices == nil {
		prices = model.NewPriceSet()
	}
	return &Aggregator{prices: prices}
}

// Snapshot returns the underlying PriceSet.
func (a *Aggregator) Snapshot() *model.PriceSet {
	return a.prices
}

// SpotMarkPrice averages the oracle index with the market and moving
// average quotes for asset, whichever are present.
func (a *Aggregator) SpotMarkPrice(asset model.Asset) (decimal.Decimal, error) {
	q, err := a.spot(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

func (a *Aggregator) spot(asset model.Asset) (Quote, error) {
	oracle, ok := a.prices.OracleIndex[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrOracleMissing, asset)
	}
	key := contract.EncodeAsset(asset)
	values := []decimal.Decimal{oracle}
	sources := []Source{SourceOracle}
	if p, ok := a.prices.Market[key]; ok {
		values = append(values, p)
		sources = append(sources, SourceMarket)
	}
	if p, ok := a.prices.MovingAverage[key]; ok {
		values = append(values, p)
		sources = append(sources, SourceMovingAverage)
	}
	return Quote{Price: mean(values), Sources: sources}, nil
}

// SettledPrice returns the settlement value of id and true when a
// settlement price exists for its underlying and expiry. Futures settle at
// the settlement price; calls pay max(0, S-K) and puts max(0, K-S).
// Perpetuals never settle.
func (a *Aggregator) SettledPrice(id string) (decimal.Decimal, bool, error) {
	d, err := contract.Decode(id)
	if err != nil {
		return decimal.Zero, false, err
	}
	return a.settled(d)
}

func (a *Aggregator) settled(d model.Derivative) (decimal.Decimal, bool, error) {
	switch d.Instrument {
	case model.InstrumentPerpetual:
		return decimal.Zero, false, nil
	case model.InstrumentFuture, model.InstrumentCall, model.InstrumentPut:
	default:
		return decimal.Zero, false, fmt.Errorf("%w: %d", model.ErrUnknownInstrument, d.Instrument)
	}

	s, ok := a.prices.Settled[d.SettlementKey()]
	if !ok {
		return decimal.Zero, false, nil
	}
	strike := decimal.NewFromInt(int64(d.Strike))

	switch d.Instrument {
	case model.InstrumentCall:
		return decimal.Max(decimal.Zero, s.Sub(strike)), true, nil
	case model.InstrumentPut:
		return decimal.Max(decimal.Zero, strike.Sub(s)), true, nil
	default:
		return s, true, nil
	}
}

// MarkPrice returns the settled value of id when settled. Otherwise it
// averages the oracle index (perpetuals and futures only) with market and
// moving average quotes keyed by id.
func (a *Aggregator) MarkPrice(id string) (decimal.Decimal, error) {
	q, err := a.Sources(id)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// Sources resolves the mark price of id and reports which price maps
// contributed to it.
func (a *Aggregator) Sources(id string) (Quote, error) {
	d, err := contract.Decode(id)
	if err != nil {
		return Quote{}, err
	}
	return a.Mark(id, d)
}

// Mark is MarkPrice for an identity the caller has already decoded.
func (a *Aggregator) Mark(id string, d model.Derivative) (Quote, error) {
	if p, ok, err := a.settled(d); err != nil {
		return Quote{}, err
	} else if ok {
		return Quote{Price: p, Sources: []Source{SourceSettled}, Settled: true}, nil
	}

	var values []decimal.Decimal
	var sources []Source

	switch d.Instrument {
	case model.InstrumentPerpetual, model.InstrumentFuture:
		oracle, ok := a.prices.OracleIndex[d.Underlying]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s for %s", ErrOracleMissing, d.Underlying, id)
		}
		values = append(values, oracle)
		sources = append(sources, SourceOracle)
	case model.InstrumentCall, model.InstrumentPut:
	default:
		return Quote{}, fmt.Errorf("%w: %d", model.ErrUnknownInstrument, d.Instrument)
	}

	if p, ok := a.prices.Market[id]; ok {
		values = append(values, p)
		sources = append(sources, SourceMarket)
	}
	if p, ok := a.prices.MovingAverage[id]; ok {
		values = append(values, p)
		sources = append(sources, SourceMovingAverage)
	}
	if len(values) == 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoPriceSource, id)
	}
	return Quote{Price: mean(values), Sources: sources}, nil
}

// IsSettled reports whether d has a settlement price.
func (a *Aggregator) IsSettled(d model.Derivative) (bool, error) {
	_, ok, err := a.settled(d)
	return ok, err
}

// mean divides with decimal.DivisionPrecision digits; a single value is
// returned unchanged.
func mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 1 {
		return values[0]
	}
	return decimal.Avg(values[0], values[1:]...)
}
