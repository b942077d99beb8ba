package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/config"
)

func TestNew(t *testing.T) {
	log, sync, err := New(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, sync)
	require.False(t, log.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, log.Enabled(context.Background(), slog.LevelError))

	log, _, err = New(config.LoggingConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	require.True(t, log.Enabled(context.Background(), slog.LevelDebug))

	_, _, err = New(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}
