// Package logger builds the process logger: slog call sites backed by zap.
package logger

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/atmx/margin-engine/internal/config"
)

// New returns a slog logger writing through zap and the zap Sync func the
// caller should defer. Production uses the JSON encoder.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: %w", err)
		}
		level = l
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zc.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return slog.New(zapslog.NewHandler(zapLogger.Core())), zapLogger.Sync, nil
}
