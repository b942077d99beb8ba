package margin

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/margin-engine/internal/contract"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

const (
	// DaysPerYear converts time to expiry into a year fraction.
	DaysPerYear = 365.25

	// MinShockedVolatility floors baseline IV plus a negative vol shock.
	MinShockedVolatility = 1e-4

	// pricePlaces is the precision float64 option prices are rounded to
	// before re-entering decimal arithmetic.
	pricePlaces = 8
)

// InitialMarginMultiplier buffers the simulated max loss for initial margin
// only. Maintenance margin uses the raw max loss.
var InitialMarginMultiplier = decimal.RequireFromString("1.3")

// PortfolioOptions tunes one portfolio simulation.
type PortfolioOptions struct {
	// Now is the evaluation instant used for time to expiry. Zero means
	// time.Now().
	Now time.Time
	// Parallelism bounds concurrently simulated underlyings. Zero or
	// negative means unbounded.
	Parallelism int
	// Pricer is required when the vault holds unsettled options.
	Pricer OptionPricer
}

// Scenario is one stress point and the vault PnL it produces for an
// underlying.
type Scenario struct {
	SpotShock decimal.Decimal `json:"spot_shock"`
	VolShock  decimal.Decimal `json:"vol_shock"`
	PnL       decimal.Decimal `json:"pnl"`
}

// PortfolioResult is the outcome of a portfolio simulation.
type PortfolioResult struct {
	Margin decimal.Decimal `json:"margin"`
	// MaxLoss is the summed worst-case PnL across underlyings (<= 0).
	MaxLoss             decimal.Decimal                 `json:"max_loss"`
	MaxLossByUnderlying map[model.Asset]decimal.Decimal `json:"max_loss_by_underlying"`
	Scenarios           map[model.Asset][]Scenario      `json:"scenarios"`
	// IVSolves counts implied-volatility solves: one per unsettled option.
	IVSolves int `json:"iv_solves"`
}

// leg is a decoded unsettled position with everything the scenarios need.
type leg struct {
	id   string
	d    model.Derivative
	size decimal.Decimal

	// options only
	mark   decimal.Decimal
	years  float64
	strike float64
	iv     float64
}

type underlyingRun struct {
	asset     model.Asset
	legs      []*leg
	maxLoss   decimal.Decimal
	scenarios []Scenario
	ivSolves  int
}

// Portfolio bounds the vault's worst-case loss under four spot/vol stress
// scenarios per underlying, assuming zero correlation between underlyings:
// each underlying's worst scenario is found independently and the losses
// are summed. Underlyings are simulated concurrently; the first failure
// cancels the rest and fails the whole evaluation.
func Portfolio(ctx context.Context, v model.Vault, agg *pricing.Aggregator, configs model.AssetConfigs, mt model.MarginType, opts PortfolioOptions) (PortfolioResult, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	runs, err := partition(v, agg, configs)
	if err != nil {
		return PortfolioResult{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for _, run := range runs {
		run := run
		g.Go(func() error {
			return run.simulate(gctx, agg, configs[run.asset], opts)
		})
	}
	if err := g.Wait(); err != nil {
		return PortfolioResult{}, err
	}

	res := PortfolioResult{
		MaxLoss:             decimal.Zero,
		MaxLossByUnderlying: make(map[model.Asset]decimal.Decimal, len(runs)),
		Scenarios:           make(map[model.Asset][]Scenario, len(runs)),
	}
	for _, run := range runs {
		res.MaxLoss = res.MaxLoss.Add(run.maxLoss)
		res.MaxLossByUnderlying[run.asset] = run.maxLoss
		res.Scenarios[run.asset] = run.scenarios
		res.IVSolves += run.ivSolves
	}

	res.Margin = res.MaxLoss.Abs()
	if mt == model.MarginInitial {
		res.Margin = res.Margin.Mul(InitialMarginMultiplier)
	}
	return res, nil
}

// partition decodes every position, drops settled ones and groups the rest
// by underlying in first-seen order. Missing configs fail here, before any
// goroutine starts.
func partition(v model.Vault, agg *pricing.Aggregator, configs model.AssetConfigs) ([]*underlyingRun, error) {
	byAsset := make(map[model.Asset]*underlyingRun)
	var runs []*underlyingRun

	for _, p := range v.Positions {
		d, err := contract.Decode(p.AssetID)
		if err != nil {
			return nil, err
		}
		settled, err := agg.IsSettled(d)
		if err != nil {
			return nil, err
		}
		if settled {
			continue
		}
		if _, err := configs.For(d.Underlying); err != nil {
			return nil, err
		}

		run, ok := byAsset[d.Underlying]
		if !ok {
			run = &underlyingRun{asset: d.Underlying}
			byAsset[d.Underlying] = run
			runs = append(runs, run)
		}
		run.legs = append(run.legs, &leg{id: p.AssetID, d: d, size: p.Size})
	}

	slices.SortFunc(runs, func(a, b *underlyingRun) int { return int(a.asset) - int(b.asset) })
	return runs, nil
}

// shocks returns the four scenarios in fixed order:
// (+s,+v), (+s,-v), (-s,+v), (-s,-v).
func shocks(cfg model.AssetConfig) [][2]decimal.Decimal {
	s, v := cfg.SpotStressPct, cfg.VolStressAbs
	return [][2]decimal.Decimal{
		{s, v},
		{s, v.Neg()},
		{s.Neg(), v},
		{s.Neg(), v.Neg()},
	}
}

func (r *underlyingRun) simulate(ctx context.Context, agg *pricing.Aggregator, cfg model.AssetConfig, opts PortfolioOptions) error {
	spot, err := agg.SpotMarkPrice(r.asset)
	if err != nil {
		return err
	}
	rate := cfg.RiskFreeRate.InexactFloat64()

	// Baseline IVs are solved once per identity before any scenario runs.
	ivCache := make(map[string]float64)
	for _, l := range r.legs {
		if err := r.prepare(l, agg, spot, rate, ivCache, opts); err != nil {
			return err
		}
	}

	r.maxLoss = decimal.Zero
	for _, shock := range shocks(cfg) {
		if err := ctx.Err(); err != nil {
			return err
		}
		spotShock, volShock := shock[0], shock[1]
		shockedSpot := spot.Mul(decimal.NewFromInt(1).Add(spotShock))

		pnl := decimal.Zero
		for _, l := range r.legs {
			lp, err := l.pnl(spot, shockedSpot, volShock.InexactFloat64(), rate, opts.Pricer)
			if err != nil {
				return err
			}
			pnl = pnl.Add(lp)
		}

		r.scenarios = append(r.scenarios, Scenario{SpotShock: spotShock, VolShock: volShock, PnL: pnl})
		r.maxLoss = decimal.Min(r.maxLoss, pnl)
	}
	return nil
}

func (r *underlyingRun) prepare(l *leg, agg *pricing.Aggregator, spot decimal.Decimal, rate float64, ivCache map[string]float64, opts PortfolioOptions) error {
	switch l.d.Instrument {
	case model.InstrumentPerpetual, model.InstrumentFuture:
		return nil
	case model.InstrumentCall, model.InstrumentPut:
	default:
		return fmt.Errorf("%w: %d", model.ErrUnknownInstrument, l.d.Instrument)
	}

	if opts.Pricer == nil {
		return fmt.Errorf("%w: no option pricer configured for %s", ErrPricing, l.id)
	}
	q, err := agg.Mark(l.id, l.d)
	if err != nil {
		return err
	}
	l.mark = q.Price
	l.strike = float64(l.d.Strike)

	remaining := l.d.ExpiresAt().Sub(opts.Now)
	if remaining <= 0 {
		return fmt.Errorf("%w: %s expired at %s", ErrExpiredUnsettled, l.id, l.d.ExpiresAt().Format(time.RFC3339))
	}
	l.years = remaining.Seconds() / (DaysPerYear * 86400)

	if iv, ok := ivCache[l.id]; ok {
		l.iv = iv
		return nil
	}
	iv, err := opts.Pricer.ImpliedVolatility(l.mark.InexactFloat64(), spot.InexactFloat64(), l.strike, l.years, rate, l.d.Instrument == model.InstrumentCall)
	if err != nil {
		return fmt.Errorf("%w: %s: implied volatility: %w", ErrPricing, l.id, err)
	}
	ivCache[l.id] = iv
	r.ivSolves++
	l.iv = iv
	return nil
}

// pnl is the leg's signed PnL against the unshocked baseline. Linear legs
// move one-for-one with spot. Options are repriced at the shocked spot and
// volatility and clamped by side: a long call keeps only gains, a short
// call only losses, and puts take the negated clamp.
func (l *leg) pnl(spot, shockedSpot decimal.Decimal, volShock, rate float64, pricer OptionPricer) (decimal.Decimal, error) {
	switch l.d.Instrument {
	case model.InstrumentPerpetual, model.InstrumentFuture:
		return l.size.Mul(shockedSpot.Sub(spot)), nil

	case model.InstrumentCall, model.InstrumentPut:
		isCall := l.d.Instrument == model.InstrumentCall
		vol := max(l.iv+volShock, MinShockedVolatility)
		price, err := pricer.Price(shockedSpot.InexactFloat64(), l.strike, l.years, vol, rate, isCall)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s: reprice: %w", ErrPricing, l.id, err)
		}
		value := l.size.Mul(decimal.NewFromFloat(price).Round(pricePlaces).Sub(l.mark))
		return ClampOption(l.d.Instrument, l.size, value)

	default:
		return decimal.Zero, fmt.Errorf("%w: %d", model.ErrUnknownInstrument, l.d.Instrument)
	}
}

// ClampOption applies the side/type clamp to an option value: calls keep
// max(0, value) when long and min(0, value) when short; puts negate that.
// Balance valuation uses the same rule.
func ClampOption(instrument model.Instrument, size, value decimal.Decimal) (decimal.Decimal, error) {
	var clamped decimal.Decimal
	if size.IsPositive() {
		clamped = decimal.Max(decimal.Zero, value)
	} else {
		clamped = decimal.Min(decimal.Zero, value)
	}

	switch instrument {
	case model.InstrumentCall:
		return clamped, nil
	case model.InstrumentPut:
		return clamped.Neg(), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s is not an option", model.ErrUnknownInstrument, instrument)
	}
}
