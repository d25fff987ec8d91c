package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "devrel.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)
		defer l.Close()

		l.Info().Str("session_id", "s1").Msg("queued")

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"session_id":"s1"`)
		assert.Contains(t, string(data), "queued")
	})

	t.Run("redaction applied to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "devrel.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		defer l.Close()

		l.Info().Msg("key sk-ant-REDACTED")

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), redacted)
		assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz")
	})
}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	assert.Equal(t, zerolog.DebugLevel, SetLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	assert.Equal(t, zerolog.InfoLevel, SetLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, SetLevel(""))
}

func TestSetLevelFiltersExistingLoggers(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := zerolog.New(&buf)

	SetLevel("warn")
	l.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	SetLevel("debug")
	l.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "devrel.log")
	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)
	defer l.Close()

	c := l.Component("workqueue")
	c.Info().Msg("started")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"workqueue"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
