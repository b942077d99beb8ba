// Package vault is the entry point of the margin engine. An Evaluator
// answers, for one vault against one price snapshot: its mark-to-market
// balance, its required margin, and whether it is within risk limits.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/contract"
	"github.com/atmx/margin-engine/internal/margin"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

// FundingApplier settles accrued perpetual funding into a vault before
// settlement runs. Funding computation lives outside the engine.
type FundingApplier interface {
	ApplyFunding(v model.Vault, prices *model.PriceSet) (model.Vault, error)
}

// NoFunding is the pass-through FundingApplier.
type NoFunding struct{}

func (NoFunding) ApplyFunding(v model.Vault, _ *model.PriceSet) (model.Vault, error) {
	return v, nil
}

// Evaluator computes balances and margins. It holds no per-vault state and
// is safe for concurrent use.
type Evaluator struct {
	pricer      margin.OptionPricer
	now         func() time.Time
	funding     FundingApplier
	parallelism int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the clock used for option time to expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithFunding sets the funding collaborator used by ApplySettlement.
func WithFunding(f FundingApplier) Option {
	return func(e *Evaluator) { e.funding = f }
}

// WithParallelism bounds how many underlyings the portfolio simulation
// runs at once.
func WithParallelism(n int) Option {
	return func(e *Evaluator) { e.parallelism = n }
}

// New returns an Evaluator that reprices options with pricer.
func New(pricer margin.OptionPricer, opts ...Option) *Evaluator {
	e := &Evaluator{
		pricer:  pricer,
		now:     time.Now,
		funding: NoFunding{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// At returns a copy of e whose clock is fixed at now.
func (e *Evaluator) At(now time.Time) *Evaluator {
	c := *e
	c.now = func() time.Time { return now }
	return &c
}

func (e *Evaluator) portfolioOptions(now time.Time) margin.PortfolioOptions {
	return margin.PortfolioOptions{Now: now, Parallelism: e.parallelism, Pricer: e.pricer}
}

// Margin is the lesser of the simple and portfolio requirements.
func (e *Evaluator) Margin(ctx context.Context, v model.Vault, prices *model.PriceSet, configs model.AssetConfigs, mt model.MarginType) (decimal.Decimal, error) {
	if err := v.Validate(); err != nil {
		return decimal.Zero, err
	}
	agg := pricing.NewAggregator(prices)

	simple, err := margin.Simple(v, agg, configs, mt)
	if err != nil {
		return decimal.Zero, err
	}
	portfolio, err := margin.Portfolio(ctx, v, agg, configs, mt, e.portfolioOptions(e.now()))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Min(simple, portfolio.Margin), nil
}

// Balance is collateral plus the clamped mark-to-market value of every
// position. Settled positions are valued at their settlement value.
func (e *Evaluator) Balance(v model.Vault, prices *model.PriceSet) (decimal.Decimal, error) {
	if err := v.Validate(); err != nil {
		return decimal.Zero, err
	}
	agg := pricing.NewAggregator(prices)

	balance := v.CollateralBalance
	for _, p := range v.Positions {
		pv, err := value(p, agg)
		if err != nil {
			return decimal.Zero, err
		}
		balance = balance.Add(pv.Value)
	}
	return balance, nil
}

// FreeCollateral is balance minus maintenance margin. Negative means the
// vault is liquidatable.
func (e *Evaluator) FreeCollateral(ctx context.Context, v model.Vault, prices *model.PriceSet, configs model.AssetConfigs) (decimal.Decimal, error) {
	balance, err := e.Balance(v, prices)
	if err != nil {
		return decimal.Zero, err
	}
	m, err := e.Margin(ctx, v, prices, configs, model.MarginMaintenance)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Sub(m), nil
}

// Status reports whether the vault's balance covers its maintenance
// margin. False means liquidatable.
func (e *Evaluator) Status(ctx context.Context, v model.Vault, prices *model.PriceSet, configs model.AssetConfigs) (bool, error) {
	free, err := e.FreeCollateral(ctx, v, prices, configs)
	if err != nil {
		return false, err
	}
	return !free.IsNegative(), nil
}

// ApplySettlement runs the funding collaborator, then removes every settled
// position and credits size times its settlement value (futures at the
// settlement price, options at their non-negative payout) to the collateral
// balance. The input vault is not modified. Applying it twice is the same as
// applying it once.
func (e *Evaluator) ApplySettlement(v model.Vault, prices *model.PriceSet) (model.Vault, error) {
	if err := v.Validate(); err != nil {
		return model.Vault{}, err
	}
	funded, err := e.funding.ApplyFunding(v.Clone(), prices)
	if err != nil {
		return model.Vault{}, fmt.Errorf("vault: apply funding: %w", err)
	}
	agg := pricing.NewAggregator(prices)

	out := funded.Clone()
	out.Positions = out.Positions[:0]
	for _, p := range funded.Positions {
		settlement, settled, err := agg.SettledPrice(p.AssetID)
		if err != nil {
			return model.Vault{}, err
		}
		if !settled {
			out.Positions = append(out.Positions, p)
			continue
		}
		out.CollateralBalance = out.CollateralBalance.Add(p.Size.Mul(settlement))
	}
	return out, nil
}

// PositionValue is one position's contribution to balance.
type PositionValue struct {
	AssetID    string           `json:"asset_id"`
	Derivative model.Derivative `json:"derivative"`
	Size       decimal.Decimal  `json:"size"`
	Mark       decimal.Decimal  `json:"mark"`
	Value      decimal.Decimal  `json:"value"`
	Settled    bool             `json:"settled"`
	Sources    []pricing.Source `json:"sources"`
}

// value marks p to market. Options take the same side/type clamp as the
// portfolio simulation.
func value(p model.Position, agg *pricing.Aggregator) (PositionValue, error) {
	d, err := contract.Decode(p.AssetID)
	if err != nil {
		return PositionValue{}, err
	}
	q, err := agg.Mark(p.AssetID, d)
	if err != nil {
		return PositionValue{}, err
	}

	pv := PositionValue{
		AssetID:    p.AssetID,
		Derivative: d,
		Size:       p.Size,
		Mark:       q.Price,
		Value:      p.Size.Mul(q.Price),
		Settled:    q.Settled,
		Sources:    q.Sources,
	}
	switch d.Instrument {
	case model.InstrumentPerpetual, model.InstrumentFuture:
	case model.InstrumentCall, model.InstrumentPut:
		if pv.Value, err = margin.ClampOption(d.Instrument, p.Size, pv.Value); err != nil {
			return PositionValue{}, err
		}
	default:
		return PositionValue{}, fmt.Errorf("%w: %d", model.ErrUnknownInstrument, d.Instrument)
	}
	return pv, nil
}
