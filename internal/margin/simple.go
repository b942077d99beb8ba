package margin

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/contract"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

// variableMarginPlaces is the precision the size-dependent margin ratio is
// floored to (0.1%).
const variableMarginPlaces = 3

// Simple sums the per-position margin of every unsettled position.
//
// Perpetuals and futures post |notional × ratio| where
// ratio = min(1, fixed + floor3(|notional| / divisor)), so larger positions
// need proportionally more margin. Short options post
// |size × spot × fixed + size × mark|. Long options post nothing.
func Simple(v model.Vault, agg *pricing.Aggregator, configs model.AssetConfigs, mt model.MarginType) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range v.Positions {
		c, err := simpleContribution(p, agg, configs, mt)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(c)
	}
	return total, nil
}

func simpleContribution(p model.Position, agg *pricing.Aggregator, configs model.AssetConfigs, mt model.MarginType) (decimal.Decimal, error) {
	d, err := contract.Decode(p.AssetID)
	if err != nil {
		return decimal.Zero, err
	}
	settled, err := agg.IsSettled(d)
	if err != nil || settled {
		return decimal.Zero, err
	}
	cfg, err := configs.For(d.Underlying)
	if err != nil {
		return decimal.Zero, err
	}

	switch d.Instrument {
	case model.InstrumentPerpetual, model.InstrumentFuture:
		q, err := agg.Mark(p.AssetID, d)
		if err != nil {
			return decimal.Zero, err
		}
		notional := p.Size.Mul(q.Price)
		variable := notional.Abs().Div(cfg.FutureVariableMarginDivisor).RoundDown(variableMarginPlaces)
		ratio := decimal.Min(decimal.NewFromInt(1), cfg.FixedFuturePct(mt).Add(variable))
		return notional.Mul(ratio).Abs(), nil

	case model.InstrumentCall, model.InstrumentPut:
		if !p.Size.IsNegative() {
			return decimal.Zero, nil
		}
		q, err := agg.Mark(p.AssetID, d)
		if err != nil {
			return decimal.Zero, err
		}
		spot, err := agg.SpotMarkPrice(d.Underlying)
		if err != nil {
			return decimal.Zero, err
		}
		spotNotional := p.Size.Mul(spot)
		notional := p.Size.Mul(q.Price)
		return spotNotional.Mul(cfg.FixedOptionPct(mt)).Add(notional).Abs(), nil

	default:
		return decimal.Zero, fmt.Errorf("%w: %d", model.ErrUnknownInstrument, d.Instrument)
	}
}
