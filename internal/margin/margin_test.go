package margin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/contract"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/optionpricing"
	"github.com/atmx/margin-engine/internal/pricing"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// countingPricer wraps Black-Scholes and counts calls.
type countingPricer struct {
	inner    *optionpricing.BlackScholes
	ivCalls  atomic.Int64
	pxCalls  atomic.Int64
	failWith error
}

func newCountingPricer() *countingPricer {
	return &countingPricer{inner: optionpricing.NewBlackScholes()}
}

func (p *countingPricer) Price(spot, strike, years, vol, rate float64, isCall bool) (float64, error) {
	p.pxCalls.Add(1)
	return p.inner.Price(spot, strike, years, vol, rate, isCall)
}

func (p *countingPricer) ImpliedVolatility(observed, spot, strike, years, rate float64, isCall bool) (float64, error) {
	p.ivCalls.Add(1)
	if p.failWith != nil {
		return 0, p.failWith
	}
	return p.inner.ImpliedVolatility(observed, spot, strike, years, rate, isCall)
}

const expiry = 19355

var (
	ethPerp = contract.MustEncode(model.Derivative{Instrument: model.InstrumentPerpetual, Underlying: model.AssetETH, Resolution: 4})
	btcPerp = contract.MustEncode(model.Derivative{Instrument: model.InstrumentPerpetual, Underlying: model.AssetBTC, Resolution: 4})
	ethFut  = contract.MustEncode(model.Derivative{Instrument: model.InstrumentFuture, Underlying: model.AssetETH, Resolution: 4, Expiration: expiry})
	ethCall = contract.MustEncode(model.Derivative{Instrument: model.InstrumentCall, Underlying: model.AssetETH, Resolution: 4, Expiration: expiry, Strike: 1200})
	ethPut  = contract.MustEncode(model.Derivative{Instrument: model.InstrumentPut, Underlying: model.AssetETH, Resolution: 4, Expiration: expiry, Strike: 1100})

	// tenDaysOut is ten days before the 08:00 UTC settlement of expiry.
	tenDaysOut = time.Unix(expiry*86400, 0).UTC().Add(model.SettlementOffset).Add(-10 * 24 * time.Hour)
)

func assetConfig() model.AssetConfig {
	return model.AssetConfig{
		FutureVariableMarginDivisor: d("50000"),
		FutureInitialMarginPct:      d("0.02"),
		FutureMaintenanceMarginPct:  d("0.01"),
		OptionInitialMarginPct:      d("0.10"),
		OptionMaintenanceMarginPct:  d("0.05"),
		SpotStressPct:               d("0.2"),
		VolStressAbs:                d("0.45"),
		RiskFreeRate:                decimal.Zero,
	}
}

func configs() model.AssetConfigs {
	return model.AssetConfigs{model.AssetETH: assetConfig(), model.AssetBTC: assetConfig()}
}

func prices() *model.PriceSet {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1182.42")
	ps.OracleIndex[model.AssetBTC] = d("16000")
	ps.Market[ethCall] = d("848.23")
	ps.Market[ethPut] = d("45.5")
	return ps
}

func vaultOf(positions ...model.Position) model.Vault {
	return model.Vault{Owner: "0xabc", Collateral: model.AssetUSDC, CollateralBalance: d("1000000"), Positions: positions}
}

func pos(id, size string) model.Position {
	return model.Position{AssetID: id, Size: d(size)}
}

func TestSimple_ShortPerpetualExample(t *testing.T) {
	v := vaultOf(pos(ethPerp, "-500"))

	got, err := Simple(v, pricing.NewAggregator(prices()), configs(), model.MarginMaintenance)
	require.NoError(t, err)
	require.True(t, got.Equal(d("591210")), "got %s", got)
}

func TestSimple_SmallPerpetualUsesVariableRatio(t *testing.T) {
	// notional 1182.42; variable floor3(1182.42/50000) = 0.023
	v := vaultOf(pos(ethPerp, "1"))
	agg := pricing.NewAggregator(prices())

	maint, err := Simple(v, agg, configs(), model.MarginMaintenance)
	require.NoError(t, err)
	require.True(t, maint.Equal(d("1182.42").Mul(d("0.033"))), "maintenance got %s", maint)

	initial, err := Simple(v, agg, configs(), model.MarginInitial)
	require.NoError(t, err)
	require.True(t, initial.Equal(d("1182.42").Mul(d("0.043"))), "initial got %s", initial)
}

func TestSimple_Options(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1000")
	ps.Market[ethCall] = d("50")
	agg := pricing.NewAggregator(ps)

	short, err := Simple(vaultOf(pos(ethCall, "-2")), agg, configs(), model.MarginMaintenance)
	require.NoError(t, err)
	require.True(t, short.Equal(d("200")), "short got %s", short)

	long, err := Simple(vaultOf(pos(ethCall, "2")), agg, configs(), model.MarginMaintenance)
	require.NoError(t, err)
	require.True(t, long.IsZero(), "long got %s", long)
}

func TestSimple_SkipsSettled(t *testing.T) {
	ps := prices()
	ps.Settled[model.SettlementKey{Underlying: model.AssetETH, Expiration: expiry}] = d("1250")

	got, err := Simple(vaultOf(pos(ethFut, "-10"), pos(ethCall, "-3")), pricing.NewAggregator(ps), configs(), model.MarginInitial)
	require.NoError(t, err)
	require.True(t, got.IsZero(), "got %s", got)
}

func TestSimple_Errors(t *testing.T) {
	agg := pricing.NewAggregator(prices())

	_, err := Simple(vaultOf(pos("9:9:9", "1")), agg, configs(), model.MarginMaintenance)
	require.ErrorIs(t, err, contract.ErrMalformedIdentity)

	_, err = Simple(vaultOf(pos(btcPerp, "1")), agg, model.AssetConfigs{model.AssetETH: assetConfig()}, model.MarginMaintenance)
	require.ErrorIs(t, err, model.ErrConfigMissing)

	noQuote := contract.MustEncode(model.Derivative{Instrument: model.InstrumentPut, Underlying: model.AssetETH, Resolution: 4, Expiration: expiry, Strike: 900})
	_, err = Simple(vaultOf(pos(noQuote, "-1")), agg, configs(), model.MarginMaintenance)
	require.ErrorIs(t, err, pricing.ErrNoPriceSource)
}

func TestSimple_Monotonic(t *testing.T) {
	agg := pricing.NewAggregator(prices())
	for _, id := range []string{ethPerp, ethCall, ethPut} {
		for _, sign := range []string{"1", "-1"} {
			prev := decimal.Zero
			for _, size := range []string{"0.01", "1", "10", "42.5", "500", "5000"} {
				s := d(size).Mul(d(sign))
				got, err := Simple(vaultOf(model.Position{AssetID: id, Size: s}), agg, configs(), model.MarginMaintenance)
				require.NoError(t, err)
				require.True(t, got.GreaterThanOrEqual(prev), "%s size %s: %s < %s", id, s, got, prev)
				prev = got
			}
		}
	}
}

func TestPortfolio_LinearScenarios(t *testing.T) {
	v := vaultOf(pos(ethPerp, "-500"))
	agg := pricing.NewAggregator(prices())

	res, err := Portfolio(context.Background(), v, agg, configs(), model.MarginMaintenance, PortfolioOptions{Now: tenDaysOut})
	require.NoError(t, err)
	require.True(t, res.Margin.Equal(d("118242")), "got %s", res.Margin)
	require.True(t, res.MaxLossByUnderlying[model.AssetETH].Equal(d("-118242")))
	require.Zero(t, res.IVSolves)

	sc := res.Scenarios[model.AssetETH]
	require.Len(t, sc, 4)
	require.True(t, sc[0].SpotShock.Equal(d("0.2")) && sc[0].VolShock.Equal(d("0.45")))
	require.True(t, sc[1].SpotShock.Equal(d("0.2")) && sc[1].VolShock.Equal(d("-0.45")))
	require.True(t, sc[2].SpotShock.Equal(d("-0.2")) && sc[2].VolShock.Equal(d("0.45")))
	require.True(t, sc[3].SpotShock.Equal(d("-0.2")) && sc[3].VolShock.Equal(d("-0.45")))
	require.True(t, sc[0].PnL.Equal(d("-118242")))
	require.True(t, sc[3].PnL.Equal(d("118242")))

	initial, err := Portfolio(context.Background(), v, agg, configs(), model.MarginInitial, PortfolioOptions{Now: tenDaysOut})
	require.NoError(t, err)
	require.True(t, initial.Margin.Equal(d("153714.6")), "got %s", initial.Margin)
}

func TestPortfolio_SumsUnderlyings(t *testing.T) {
	v := vaultOf(pos(ethPerp, "-500"), pos(btcPerp, "1"))
	agg := pricing.NewAggregator(prices())

	for _, parallelism := range []int{0, 1, 4} {
		res, err := Portfolio(context.Background(), v, agg, configs(), model.MarginMaintenance, PortfolioOptions{Now: tenDaysOut, Parallelism: parallelism})
		require.NoError(t, err)
		require.True(t, res.MaxLossByUnderlying[model.AssetBTC].Equal(d("-3200")))
		require.True(t, res.MaxLoss.Equal(d("-121442")), "parallelism %d got %s", parallelism, res.MaxLoss)
		require.True(t, res.Margin.Equal(d("121442")))
	}
}

func TestPortfolio_SolvesImpliedVolatilityOncePerOption(t *testing.T) {
	pricer := newCountingPricer()
	v := vaultOf(pos(ethCall, "1"))

	res, err := Portfolio(context.Background(), v, pricing.NewAggregator(prices()), configs(), model.MarginMaintenance,
		PortfolioOptions{Now: tenDaysOut, Pricer: pricer})
	require.NoError(t, err)
	require.EqualValues(t, 1, pricer.ivCalls.Load())
	require.EqualValues(t, 4, pricer.pxCalls.Load())
	require.Equal(t, 1, res.IVSolves)

	// A long call keeps only gains, so it never adds to the max loss.
	require.True(t, res.Margin.IsZero(), "got %s", res.Margin)
}

// fixedPricer quotes one implied volatility and one option price for every
// input, and records the volatilities it was asked to price at.
type fixedPricer struct {
	iv    float64
	price float64

	mu   sync.Mutex
	vols []float64
}

func (p *fixedPricer) Price(_, _, _, vol, _ float64, _ bool) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vols = append(p.vols, vol)
	return p.price, nil
}

func (p *fixedPricer) ImpliedVolatility(_, _, _, _, _ float64, _ bool) (float64, error) {
	return p.iv, nil
}

func TestPortfolio_GainsDoNotOffsetOtherUnderlyings(t *testing.T) {
	// The long call reprices at 2000 against a mark of 848.23 in every
	// scenario, so ETH gains everywhere and contributes no loss.
	pricer := &fixedPricer{iv: 0.8, price: 2000}
	v := vaultOf(pos(ethCall, "1"), pos(btcPerp, "-1"))

	res, err := Portfolio(context.Background(), v, pricing.NewAggregator(prices()), configs(), model.MarginMaintenance,
		PortfolioOptions{Now: tenDaysOut, Pricer: pricer})
	require.NoError(t, err)
	for _, s := range res.Scenarios[model.AssetETH] {
		require.True(t, s.PnL.Equal(d("1151.77")), "scenario %+v", s)
	}
	require.True(t, res.MaxLossByUnderlying[model.AssetETH].IsZero())
	require.True(t, res.MaxLoss.Equal(d("-3200")), "got %s", res.MaxLoss)
	require.True(t, res.Margin.Equal(d("3200")), "got %s", res.Margin)
}

func TestPortfolio_FloorsShockedVolatility(t *testing.T) {
	pricer := &fixedPricer{iv: 0.3, price: 848.23}
	cfg := assetConfig()
	cfg.VolStressAbs = d("0.9")

	_, err := Portfolio(context.Background(), vaultOf(pos(ethCall, "-1")), pricing.NewAggregator(prices()),
		model.AssetConfigs{model.AssetETH: cfg}, model.MarginMaintenance,
		PortfolioOptions{Now: tenDaysOut, Pricer: pricer})
	require.NoError(t, err)
	require.Len(t, pricer.vols, 4)
	require.InDelta(t, 1.2, pricer.vols[0], 1e-12)
	require.Equal(t, MinShockedVolatility, pricer.vols[1])
	require.InDelta(t, 1.2, pricer.vols[2], 1e-12)
	require.Equal(t, MinShockedVolatility, pricer.vols[3])
}

func TestPortfolio_ShortOptionsLose(t *testing.T) {
	pricer := newCountingPricer()
	v := vaultOf(pos(ethCall, "-1"), pos(ethPut, "1"))

	res, err := Portfolio(context.Background(), v, pricing.NewAggregator(prices()), configs(), model.MarginMaintenance,
		PortfolioOptions{Now: tenDaysOut, Pricer: pricer})
	require.NoError(t, err)
	require.EqualValues(t, 2, pricer.ivCalls.Load())
	require.EqualValues(t, 8, pricer.pxCalls.Load())
	require.True(t, res.Margin.IsPositive(), "got %s", res.Margin)
	for _, s := range res.Scenarios[model.AssetETH] {
		require.True(t, s.PnL.LessThanOrEqual(decimal.Zero), "scenario %+v", s)
	}
}

func TestPortfolio_SkipsSettled(t *testing.T) {
	ps := prices()
	ps.Settled[model.SettlementKey{Underlying: model.AssetETH, Expiration: expiry}] = d("1250")
	pricer := newCountingPricer()

	res, err := Portfolio(context.Background(), vaultOf(pos(ethCall, "-1"), pos(ethFut, "3")), pricing.NewAggregator(ps), configs(), model.MarginInitial,
		PortfolioOptions{Now: tenDaysOut.Add(30 * 24 * time.Hour), Pricer: pricer})
	require.NoError(t, err)
	require.True(t, res.Margin.IsZero())
	require.Zero(t, pricer.ivCalls.Load())
	require.Empty(t, res.Scenarios)
}

func TestPortfolio_Errors(t *testing.T) {
	agg := pricing.NewAggregator(prices())

	t.Run("expired unsettled", func(t *testing.T) {
		_, err := Portfolio(context.Background(), vaultOf(pos(ethCall, "1")), agg, configs(), model.MarginMaintenance,
			PortfolioOptions{Now: tenDaysOut.Add(11 * 24 * time.Hour), Pricer: newCountingPricer()})
		require.ErrorIs(t, err, ErrExpiredUnsettled)
		require.ErrorIs(t, err, ErrPricing)
	})

	t.Run("pricer failure", func(t *testing.T) {
		pricer := newCountingPricer()
		pricer.failWith = optionpricing.ErrNoConvergence
		_, err := Portfolio(context.Background(), vaultOf(pos(ethPerp, "1"), pos(ethCall, "1")), agg, configs(), model.MarginMaintenance,
			PortfolioOptions{Now: tenDaysOut, Pricer: pricer})
		require.ErrorIs(t, err, ErrPricing)
		require.ErrorIs(t, err, optionpricing.ErrNoConvergence)
	})

	t.Run("no pricer", func(t *testing.T) {
		_, err := Portfolio(context.Background(), vaultOf(pos(ethPut, "1")), agg, configs(), model.MarginMaintenance,
			PortfolioOptions{Now: tenDaysOut})
		require.ErrorIs(t, err, ErrPricing)
	})

	t.Run("config missing", func(t *testing.T) {
		_, err := Portfolio(context.Background(), vaultOf(pos(btcPerp, "1")), agg, model.AssetConfigs{}, model.MarginMaintenance,
			PortfolioOptions{Now: tenDaysOut})
		require.ErrorIs(t, err, model.ErrConfigMissing)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Portfolio(ctx, vaultOf(pos(ethPerp, "1")), agg, configs(), model.MarginMaintenance,
			PortfolioOptions{Now: tenDaysOut})
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})
}

func TestMargins_NonNegative(t *testing.T) {
	agg := pricing.NewAggregator(prices())
	vaults := []model.Vault{
		vaultOf(),
		vaultOf(pos(ethPerp, "3")),
		vaultOf(pos(ethPerp, "-3"), pos(btcPerp, "0.5")),
		vaultOf(pos(ethCall, "-1"), pos(ethPut, "-2"), pos(ethPerp, "1")),
		vaultOf(pos(ethCall, "2"), pos(ethPut, "2")),
	}
	for i, v := range vaults {
		for _, mt := range []model.MarginType{model.MarginInitial, model.MarginMaintenance} {
			s, err := Simple(v, agg, configs(), mt)
			require.NoError(t, err)
			require.False(t, s.IsNegative(), "vault %d simple %s", i, s)

			p, err := Portfolio(context.Background(), v, agg, configs(), mt, PortfolioOptions{Now: tenDaysOut, Pricer: newCountingPricer()})
			require.NoError(t, err)
			require.False(t, p.Margin.IsNegative(), "vault %d portfolio %s", i, p.Margin)
		}
	}
}

func TestClampOption(t *testing.T) {
	tests := []struct {
		name       string
		instrument model.Instrument
		size       string
		value      string
		want       string
	}{
		{"long call gain", model.InstrumentCall, "1", "10", "10"},
		{"long call loss", model.InstrumentCall, "1", "-10", "0"},
		{"short call loss", model.InstrumentCall, "-1", "-10", "-10"},
		{"short call gain", model.InstrumentCall, "-1", "10", "0"},
		{"long put gain", model.InstrumentPut, "1", "10", "-10"},
		{"long put loss", model.InstrumentPut, "1", "-10", "0"},
		{"short put loss", model.InstrumentPut, "-1", "-10", "10"},
		{"short put gain", model.InstrumentPut, "-1", "10", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClampOption(tt.instrument, d(tt.size), d(tt.value))
			require.NoError(t, err)
			require.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}

	_, err := ClampOption(model.InstrumentFuture, d("1"), d("1"))
	require.ErrorIs(t, err, model.ErrUnknownInstrument)
}
