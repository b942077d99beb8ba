package vault

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/margin"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

// MarginBreakdown shows both requirements and which one is posted.
type MarginBreakdown struct {
	Required  decimal.Decimal `json:"required"`
	Simple    decimal.Decimal `json:"simple"`
	Portfolio decimal.Decimal `json:"portfolio"`
}

// Report is the result of one atomic evaluation.
type Report struct {
	ID             uuid.UUID       `json:"id"`
	Owner          string          `json:"owner"`
	EvaluatedAt    time.Time       `json:"evaluated_at"`
	PricesTakenAt  time.Time       `json:"prices_taken_at"`
	Balance        decimal.Decimal `json:"balance"`
	Initial        MarginBreakdown `json:"initial"`
	Maintenance    MarginBreakdown `json:"maintenance"`
	FreeCollateral decimal.Decimal `json:"free_collateral"`
	Healthy        bool            `json:"healthy"`
	Positions      []PositionValue `json:"positions"`

	MaxLossByUnderlying map[model.Asset]decimal.Decimal   `json:"max_loss_by_underlying"`
	Scenarios           map[model.Asset][]margin.Scenario `json:"scenarios"`
	IVSolves            int                               `json:"iv_solves"`
}

// Evaluate computes balance, both margins, free collateral and health in
// one pass. Scenario PnL does not depend on the margin type, so the
// portfolio simulation runs once and both requirements derive from it.
// Either everything succeeds or an error is returned.
func (e *Evaluator) Evaluate(ctx context.Context, v model.Vault, prices *model.PriceSet, configs model.AssetConfigs) (*Report, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	now := e.now()
	agg := pricing.NewAggregator(prices)

	r := &Report{
		ID:            uuid.New(),
		Owner:         v.Owner,
		EvaluatedAt:   now.UTC(),
		PricesTakenAt: agg.Snapshot().TakenAt,
		Balance:       v.CollateralBalance,
		Positions:     make([]PositionValue, 0, len(v.Positions)),
	}
	for _, p := range v.Positions {
		pv, err := value(p, agg)
		if err != nil {
			return nil, err
		}
		r.Balance = r.Balance.Add(pv.Value)
		r.Positions = append(r.Positions, pv)
	}

	portfolio, err := margin.Portfolio(ctx, v, agg, configs, model.MarginMaintenance, e.portfolioOptions(now))
	if err != nil {
		return nil, err
	}
	r.MaxLossByUnderlying = portfolio.MaxLossByUnderlying
	r.Scenarios = portfolio.Scenarios
	r.IVSolves = portfolio.IVSolves

	for _, b := range []struct {
		mt  model.MarginType
		out *MarginBreakdown
	}{
		{model.MarginInitial, &r.Initial},
		{model.MarginMaintenance, &r.Maintenance},
	} {
		simple, err := margin.Simple(v, agg, configs, b.mt)
		if err != nil {
			return nil, err
		}
		pm := portfolio.Margin
		if b.mt == model.MarginInitial {
			pm = pm.Mul(margin.InitialMarginMultiplier)
		}
		*b.out = MarginBreakdown{Required: decimal.Min(simple, pm), Simple: simple, Portfolio: pm}
	}

	r.FreeCollateral = r.Balance.Sub(r.Maintenance.Required)
	r.Healthy = !r.FreeCollateral.IsNegative()
	return r, nil
}
