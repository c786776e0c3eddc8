package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, logger.file)
		assert.NoError(t, logger.Close())
	})

	t.Run("no outputs discards", func(t *testing.T) {
		logger, err := New(Config{Level: "debug"})
		require.NoError(t, err)
		logger.Info().Msg("dropped")
		assert.NoError(t, logger.Close())
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "walletagent.log")

		logger, err := New(Config{Level: "debug", File: logFile, MaxSize: 1})
		require.NoError(t, err)
		require.NotNil(t, logger.file)

		logger.Info().Str("plugin", "trading").Msg("Plugin loaded")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "Plugin loaded")
		assert.Contains(t, string(data), `"plugin":"trading"`)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")

		logger, err := New(Config{Level: "loud", File: logFile})
		require.NoError(t, err)

		z := logger.Zerolog()
		z.Debug().Msg("hidden")
		z.Info().Msg("shown")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hidden")
		assert.Contains(t, string(data), "shown")
	})
}

func TestNew_Redaction(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
	require.NoError(t, err)
	require.NotNil(t, logger.redactor)

	logger.Info().Str("auth", "Bearer abc.def.ghi").Msg("Dialing agent")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abc.def.ghi")
	assert.Contains(t, string(data), redacted)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.False(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Greater(t, cfg.MaxSize, 0)
}

func TestLogger_TrackSecret(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
	require.NoError(t, err)

	logger.TrackSecret("acp-live-token")
	logger.Info().Str("result", "acp-live-token").Msg("Tool finished")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "acp-live-token")

	plain, err := New(Config{Level: "info"})
	require.NoError(t, err)
	plain.TrackSecret("acp-live-token")
}
