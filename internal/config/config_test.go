package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerDefaultsWithoutFile(t *testing.T) {
	m, err := NewManager("")
	require.NoError(t, err)
	cfg := m.Get()

	assert.Equal(t, 10, cfg.Leverage)
	assert.Equal(t, 5, cfg.MaxPositions)
	assert.Equal(t, "fixed", cfg.MarginMode)
	assert.Equal(t, 18.0, cfg.StopLossPct)
	assert.False(t, cfg.Enable2hEarlyStop)
	assert.Equal(t, 15*time.Second, cfg.PendingPoolDelay())
	assert.Equal(t, 60*time.Second, cfg.MonitorInterval())
	assert.Equal(t, time.Hour, cfg.ScanInterval())
}

func TestNewManagerMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 10, m.Get().Leverage)
}

func TestNewManagerOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body, err := json.Marshal(map[string]any{
		"leverage":      25,
		"max_positions": 8,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	cfg := m.Get()
	assert.Equal(t, 25, cfg.Leverage)
	assert.Equal(t, 8, cfg.MaxPositions)
}

func TestManagerSetAppliesRuntimeOverride(t *testing.T) {
	m, err := NewManager("")
	require.NoError(t, err)

	m.Set(func(c *Config) { c.MaxPositions = 1 })
	assert.Equal(t, 1, m.Get().MaxPositions)
}

func TestLoadSecretsReadsEnvironment(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "123")

	secrets := LoadSecrets()
	assert.Equal(t, "k", secrets.BinanceAPIKey)
	assert.Equal(t, "s", secrets.BinanceAPISecret)
	assert.Equal(t, "tok", secrets.TelegramToken)
	assert.Equal(t, "123", secrets.TelegramChatID)
}
