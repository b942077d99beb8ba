package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/contract"
	"github.com/atmx/margin-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	ethPerp   = contract.MustEncode(model.Derivative{Instrument: model.InstrumentPerpetual, Underlying: model.AssetETH, Resolution: 4})
	ethFuture = contract.MustEncode(model.Derivative{Instrument: model.InstrumentFuture, Underlying: model.AssetETH, Resolution: 4, Expiration: 19355})
	ethCall   = contract.MustEncode(model.Derivative{Instrument: model.InstrumentCall, Underlying: model.AssetETH, Resolution: 4, Expiration: 19355, Strike: 1200})
	ethPut    = contract.MustEncode(model.Derivative{Instrument: model.InstrumentPut, Underlying: model.AssetETH, Resolution: 4, Expiration: 19355, Strike: 1200})
)

func TestSpotMarkPrice_OracleOnly(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1182.42")

	got, err := NewAggregator(ps).SpotMarkPrice(model.AssetETH)
	require.NoError(t, err)
	require.True(t, got.Equal(d("1182.42")), "got %s", got)
}

func TestSpotMarkPrice_AveragesPresentSources(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1180")
	ps.Market[contract.EncodeAsset(model.AssetETH)] = d("1190")
	ps.MovingAverage[contract.EncodeAsset(model.AssetETH)] = d("1200")

	got, err := NewAggregator(ps).SpotMarkPrice(model.AssetETH)
	require.NoError(t, err)
	require.True(t, got.Equal(d("1190")), "got %s", got)

	delete(ps.MovingAverage, contract.EncodeAsset(model.AssetETH))
	got, err = NewAggregator(ps).SpotMarkPrice(model.AssetETH)
	require.NoError(t, err)
	require.True(t, got.Equal(d("1185")), "got %s", got)
}

func TestSpotMarkPrice_WithinSourceRange(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetBTC] = d("16000.1")
	ps.Market[contract.EncodeAsset(model.AssetBTC)] = d("15999.7")
	ps.MovingAverage[contract.EncodeAsset(model.AssetBTC)] = d("16003.3")

	got, err := NewAggregator(ps).SpotMarkPrice(model.AssetBTC)
	require.NoError(t, err)
	require.True(t, got.GreaterThanOrEqual(d("15999.7")))
	require.True(t, got.LessThanOrEqual(d("16003.3")))
}

func TestSpotMarkPrice_OracleMissing(t *testing.T) {
	ps := model.NewPriceSet()
	ps.Market[contract.EncodeAsset(model.AssetETH)] = d("1190")

	_, err := NewAggregator(ps).SpotMarkPrice(model.AssetETH)
	require.ErrorIs(t, err, ErrOracleMissing)
	require.ErrorIs(t, err, ErrNoPriceSource)
}

func TestSettledPrice(t *testing.T) {
	ps := model.NewPriceSet()
	ps.Settled[model.SettlementKey{Underlying: model.AssetETH, Expiration: 19355}] = d("1250")
	agg := NewAggregator(ps)

	tests := []struct {
		name string
		id   string
		want string
		ok   bool
	}{
		{"perpetual never settles", ethPerp, "0", false},
		{"future settles at price", ethFuture, "1250", true},
		{"call in the money", ethCall, "50", true},
		{"put out of the money", ethPut, "0", true},
		{"other expiry unsettled", contract.MustEncode(model.Derivative{Instrument: model.InstrumentFuture, Underlying: model.AssetETH, Resolution: 4, Expiration: 19356}), "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := agg.SettledPrice(tt.id)
			require.NoError(t, err)
			require.Equal(t, tt.ok, ok)
			require.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestSettledPrice_PutInTheMoney(t *testing.T) {
	ps := model.NewPriceSet()
	ps.Settled[model.SettlementKey{Underlying: model.AssetETH, Expiration: 19355}] = d("1100")

	got, ok, err := NewAggregator(ps).SettledPrice(ethPut)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(d("100")), "got %s", got)
}

func TestSettledPrice_Malformed(t *testing.T) {
	_, _, err := NewAggregator(nil).SettledPrice("1:2")
	require.ErrorIs(t, err, contract.ErrMalformedIdentity)
}

func TestMarkPrice(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1182.42")
	ps.Market[ethFuture] = d("1190.42")
	ps.Market[ethCall] = d("848.23")
	ps.MovingAverage[ethCall] = d("850.23")
	agg := NewAggregator(ps)

	got, err := agg.MarkPrice(ethPerp)
	require.NoError(t, err)
	require.True(t, got.Equal(d("1182.42")), "perp got %s", got)

	got, err = agg.MarkPrice(ethFuture)
	require.NoError(t, err)
	require.True(t, got.Equal(d("1186.42")), "future got %s", got)

	// Options never fall back to the oracle.
	got, err = agg.MarkPrice(ethCall)
	require.NoError(t, err)
	require.True(t, got.Equal(d("849.23")), "call got %s", got)
}

func TestMarkPrice_OptionWithoutQuotes(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1182.42")

	_, err := NewAggregator(ps).MarkPrice(ethPut)
	require.ErrorIs(t, err, ErrNoPriceSource)
}

func TestMarkPrice_SettledWins(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1182.42")
	ps.Market[ethCall] = d("848.23")
	ps.Settled[model.SettlementKey{Underlying: model.AssetETH, Expiration: 19355}] = d("1300")

	q, err := NewAggregator(ps).Sources(ethCall)
	require.NoError(t, err)
	require.True(t, q.Settled)
	require.Equal(t, []Source{SourceSettled}, q.Sources)
	require.True(t, q.Price.Equal(d("100")), "got %s", q.Price)
}

func TestSources_ReportsContributors(t *testing.T) {
	ps := model.NewPriceSet()
	ps.OracleIndex[model.AssetETH] = d("1182.42")
	ps.MovingAverage[ethPerp] = d("1184.42")

	q, err := NewAggregator(ps).Sources(ethPerp)
	require.NoError(t, err)
	require.False(t, q.Settled)
	require.Equal(t, []Source{SourceOracle, SourceMovingAverage}, q.Sources)
	require.True(t, q.Price.Equal(d("1183.42")), "got %s", q.Price)
}
