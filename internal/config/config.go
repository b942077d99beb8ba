// Package config handles configuration loading for the margin engine.
// It supports a YAML config file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/margin-engine/internal/model"
)

// Config represents the complete service configuration.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Database DatabaseConfig           `mapstructure:"database"`
	Redis    RedisConfig              `mapstructure:"redis"`
	Logging  LoggingConfig            `mapstructure:"logging"`
	Engine   EngineConfig             `mapstructure:"engine"`
	Assets   map[string]AssetSettings `mapstructure:"assets"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig holds cache settings. An empty URL disables caching.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`       // "debug", "info", "warn", "error"
	Development bool   `mapstructure:"development"` // console encoder with colors
}

// EngineConfig tunes the evaluator and the Black-Scholes solver.
type EngineConfig struct {
	Parallelism     int     `mapstructure:"parallelism"` // underlyings simulated at once, 0 = unbounded
	IVTolerance     float64 `mapstructure:"iv_tolerance"`
	IVMaxIterations int     `mapstructure:"iv_max_iterations"`
	SeedAssets      bool    `mapstructure:"seed_assets"` // write Assets to the store at startup
}

// AssetSettings is the file form of model.AssetConfig. Values are decimal
// strings so no precision is lost on the way in.
type AssetSettings struct {
	FutureVariableMarginDivisor string `mapstructure:"future_variable_margin_divisor"`
	FutureInitialMarginPct      string `mapstructure:"future_initial_margin_pct"`
	FutureMaintenanceMarginPct  string `mapstructure:"future_maintenance_margin_pct"`
	OptionInitialMarginPct      string `mapstructure:"option_initial_margin_pct"`
	OptionMaintenanceMarginPct  string `mapstructure:"option_maintenance_margin_pct"`
	SpotStressPct               string `mapstructure:"spot_stress_pct"`
	VolStressAbs                string `mapstructure:"vol_stress_abs"`
	RiskFreeRate                string `mapstructure:"risk_free_rate"`
}

// Load reads the configuration from file and environment variables.
// With an empty path it looks for config.yaml in ./config and the working
// directory; a missing file is not an error.
//
// Environment variables override config file values.
// Format: MARGIN_<SECTION>_<KEY>, e.g. MARGIN_SERVER_PORT. DATABASE_URL,
// REDIS_URL and PORT are honoured as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MARGIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "MARGIN_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "MARGIN_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("server.port", "MARGIN_SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults + env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, err := cfg.AssetConfigs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	// Storage
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Engine
	v.SetDefault("engine.parallelism", 0)
	v.SetDefault("engine.iv_tolerance", 1e-8)
	v.SetDefault("engine.iv_max_iterations", 200)
	v.SetDefault("engine.seed_assets", true)

	// Default policy for the crypto underlyings.
	for _, asset := range []string{"eth", "btc"} {
		prefix := "assets." + asset + "."
		v.SetDefault(prefix+"future_variable_margin_divisor", "50000")
		v.SetDefault(prefix+"future_initial_margin_pct", "0.02")
		v.SetDefault(prefix+"future_maintenance_margin_pct", "0.01")
		v.SetDefault(prefix+"option_initial_margin_pct", "0.10")
		v.SetDefault(prefix+"option_maintenance_margin_pct", "0.05")
		v.SetDefault(prefix+"spot_stress_pct", "0.2")
		v.SetDefault(prefix+"vol_stress_abs", "0.45")
		v.SetDefault(prefix+"risk_free_rate", "0")
	}
}

// AssetConfigs converts the configured assets into validated engine
// configs. Keys are asset symbols or codes.
func (c *Config) AssetConfigs() (model.AssetConfigs, error) {
	out := make(model.AssetConfigs, len(c.Assets))
	for key, s := range c.Assets {
		asset, err := model.ParseAsset(key)
		if err != nil {
			return nil, fmt.Errorf("config: assets.%s: %w", key, err)
		}
		cfg, err := s.toModel()
		if err != nil {
			return nil, fmt.Errorf("config: assets.%s: %w", key, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: assets.%s: %w", key, err)
		}
		out[asset] = cfg
	}
	return out, nil
}

func (s AssetSettings) toModel() (model.AssetConfig, error) {
	var cfg model.AssetConfig
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"future_variable_margin_divisor", s.FutureVariableMarginDivisor, &cfg.FutureVariableMarginDivisor},
		{"future_initial_margin_pct", s.FutureInitialMarginPct, &cfg.FutureInitialMarginPct},
		{"future_maintenance_margin_pct", s.FutureMaintenanceMarginPct, &cfg.FutureMaintenanceMarginPct},
		{"option_initial_margin_pct", s.OptionInitialMarginPct, &cfg.OptionInitialMarginPct},
		{"option_maintenance_margin_pct", s.OptionMaintenanceMarginPct, &cfg.OptionMaintenanceMarginPct},
		{"spot_stress_pct", s.SpotStressPct, &cfg.SpotStressPct},
		{"vol_stress_abs", s.VolStressAbs, &cfg.VolStressAbs},
		{"risk_free_rate", s.RiskFreeRate, &cfg.RiskFreeRate},
	} {
		if f.raw == "" {
			f.raw = "0"
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return model.AssetConfig{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return cfg, nil
}
