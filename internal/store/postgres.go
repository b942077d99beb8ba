package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// Schema creates the tables PostgresStore uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS asset_configs (
	asset                          SMALLINT PRIMARY KEY,
	future_variable_margin_divisor NUMERIC NOT NULL,
	future_initial_margin_pct      NUMERIC NOT NULL,
	future_maintenance_margin_pct  NUMERIC NOT NULL,
	option_initial_margin_pct      NUMERIC NOT NULL,
	option_maintenance_margin_pct  NUMERIC NOT NULL,
	spot_stress_pct                NUMERIC NOT NULL,
	vol_stress_abs                 NUMERIC NOT NULL,
	risk_free_rate                 NUMERIC NOT NULL,
	updated_at                     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	id       BIGSERIAL PRIMARY KEY,
	taken_at TIMESTAMPTZ NOT NULL,
	snapshot JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS price_snapshots_taken_at_idx ON price_snapshots (taken_at DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// price snapshots are stored whole as JSONB with decimals as strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutAssetConfig(ctx context.Context, asset model.Asset, c model.AssetConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO asset_configs (asset,
		        future_variable_margin_divisor, future_initial_margin_pct, future_maintenance_margin_pct,
		        option_initial_margin_pct, option_maintenance_margin_pct,
		        spot_stress_pct, vol_stress_abs, risk_free_rate, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, now())
		 ON CONFLICT (asset) DO UPDATE SET
		        future_variable_margin_divisor = EXCLUDED.future_variable_margin_divisor,
		        future_initial_margin_pct      = EXCLUDED.future_initial_margin_pct,
		        future_maintenance_margin_pct  = EXCLUDED.future_maintenance_margin_pct,
		        option_initial_margin_pct      = EXCLUDED.option_initial_margin_pct,
		        option_maintenance_margin_pct  = EXCLUDED.option_maintenance_margin_pct,
		        spot_stress_pct                = EXCLUDED.spot_stress_pct,
		        vol_stress_abs                 = EXCLUDED.vol_stress_abs,
		        risk_free_rate                 = EXCLUDED.risk_free_rate,
		        updated_at                     = now()`,
		int(asset),
		c.FutureVariableMarginDivisor.String(), c.FutureInitialMarginPct.String(), c.FutureMaintenanceMarginPct.String(),
		c.OptionInitialMarginPct.String(), c.OptionMaintenanceMarginPct.String(),
		c.SpotStressPct.String(), c.VolStressAbs.String(), c.RiskFreeRate.String(),
	)
	if err != nil {
		return fmt.Errorf("put asset config %s: %w", asset, err)
	}
	return nil
}

func (s *PostgresStore) GetAssetConfigs(ctx context.Context) (model.AssetConfigs, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset,
		        future_variable_margin_divisor::TEXT, future_initial_margin_pct::TEXT, future_maintenance_margin_pct::TEXT,
		        option_initial_margin_pct::TEXT, option_maintenance_margin_pct::TEXT,
		        spot_stress_pct::TEXT, vol_stress_abs::TEXT, risk_free_rate::TEXT
		 FROM asset_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(model.AssetConfigs)
	for rows.Next() {
		var asset int
		var fields [8]string
		if err := rows.Scan(&asset,
			&fields[0], &fields[1], &fields[2], &fields[3],
			&fields[4], &fields[5], &fields[6], &fields[7]); err != nil {
			return nil, err
		}

		var vals [8]decimal.Decimal
		for i, f := range fields {
			if vals[i], err = decimal.NewFromString(f); err != nil {
				return nil, fmt.Errorf("asset config %d: %w", asset, err)
			}
		}
		configs[model.Asset(asset)] = model.AssetConfig{
			FutureVariableMarginDivisor: vals[0],
			FutureInitialMarginPct:      vals[1],
			FutureMaintenanceMarginPct:  vals[2],
			OptionInitialMarginPct:      vals[3],
			OptionMaintenanceMarginPct:  vals[4],
			SpotStressPct:               vals[5],
			VolStressAbs:                vals[6],
			RiskFreeRate:                vals[7],
		}
	}
	return configs, rows.Err()
}

func (s *PostgresStore) PutPriceSet(ctx context.Context, ps *model.PriceSet) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encode price snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (taken_at, snapshot) VALUES ($1, $2::JSONB)`,
		ps.TakenAt, string(data),
	)
	return err
}

func (s *PostgresStore) GetLatestPriceSet(ctx context.Context) (*model.PriceSet, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM price_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest price snapshot: %w", err)
	}
	return decodePriceSet(data)
}

func decodePriceSet(data []byte) (*model.PriceSet, error) {
	ps := model.NewPriceSet()
	if err := json.Unmarshal(data, ps); err != nil {
		return nil, fmt.Errorf("decode price snapshot: %w", err)
	}
	// Absent maps decode as nil; Clone restores empty ones.
	return ps.Clone(), nil
}
