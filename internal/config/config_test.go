package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/model"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Redis.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, 200, cfg.Engine.IVMaxIterations)

	assets, err := cfg.AssetConfigs()
	require.NoError(t, err)
	require.Len(t, assets, 2)
	eth := assets[model.AssetETH]
	assert.True(t, eth.FutureVariableMarginDivisor.Equal(decimal.NewFromInt(50000)))
	assert.True(t, eth.OptionInitialMarginPct.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, eth.VolStressAbs.Equal(decimal.RequireFromString("0.45")))
	assert.True(t, eth.RiskFreeRate.IsZero())
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MARGIN_SERVER_PORT", "9090")
	t.Setenv("MARGIN_LOGGING_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://localhost/margin")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "postgres://localhost/margin", cfg.Database.URL)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
server:
  port: 7070
redis:
  url: redis://localhost:6379/0
  ttl: 5s
engine:
  parallelism: 4
assets:
  eth:
    spot_stress_pct: "0.15"
    vol_stress_abs: "0.3"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Redis.TTL)
	assert.Equal(t, 4, cfg.Engine.Parallelism)

	assets, err := cfg.AssetConfigs()
	require.NoError(t, err)
	eth := assets[model.AssetETH]
	assert.True(t, eth.SpotStressPct.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, eth.VolStressAbs.Equal(decimal.RequireFromString("0.3")))
	// Keys the file leaves out keep their defaults.
	assert.True(t, eth.FutureInitialMarginPct.Equal(decimal.RequireFromString("0.02")))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "assets:\n  eth:\n    spot_stress_pct: \"1.5\"\n"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "assets:\n  eth:\n    vol_stress_abs: \"lots\"\n"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "assets:\n  doge:\n    future_variable_margin_divisor: \"1\"\n"))
	require.ErrorIs(t, err, model.ErrUnknownAsset)
}
