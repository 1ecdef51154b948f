package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eliteGoblin/focusd/buddy/internal/config"
	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "buddy.log")

	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("spawned child", zap.String("role", "backend"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"spawned child"`)
	assert.Contains(t, string(data), `"role":"backend"`)
	assert.Contains(t, string(data), `"time":`)
}

func TestNewLogger_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buddy.log")

	logger, err := NewLogger(config.LoggingConfig{Level: "warn", File: path})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestZapLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapLogSink(zap.New(core))

	sink.Log(domain.RoleBackend, `{"type": "log", "payload": "loaded"}`)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "child", entries[0].LoggerName)
	assert.Equal(t, `{"type": "log", "payload": "loaded"}`, entries[0].Message)
	assert.Equal(t, "backend", entries[0].ContextMap()["role"])
}
