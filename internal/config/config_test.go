package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malekhnovich/kalshi-arb/internal/arbitrage"
	"github.com/malekhnovich/kalshi-arb/internal/replay"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SYMBOLS", "KALSHI_SERIES", "TELEGRAM_CHAT_ID", "TELEGRAM_BOT_TOKEN", "KALSHI_API_KEY_ID", "KALSHI_PRIVATE_KEY_PATH", "MOMENTUM_WINDOW", "TREND_SUBWINDOW"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 60, cfg.MomentumWindow)
	assert.Equal(t, 10, cfg.TrendSubWindow)
	assert.True(t, cfg.UseWebSockets)
	assert.False(t, cfg.Authenticated())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYMBOLS", " btcusdt, ,solusdt ")
	t.Setenv("SPOT_POLL_INTERVAL", "2s")
	t.Setenv("USE_WEBSOCKETS", "0")
	t.Setenv("MOMENTUM_WINDOW", "30")
	t.Setenv("TREND_SUBWINDOW", "5")
	t.Setenv("KALSHI_RATE_LIMIT", "4.5")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001")
	t.Setenv("KALSHI_API_KEY_ID", "key")
	t.Setenv("KALSHI_PRIVATE_KEY_PATH", "/keys/kalshi.pem")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, 2*time.Second, cfg.SpotPollInterval)
	assert.False(t, cfg.UseWebSockets)
	assert.Equal(t, 30, cfg.MomentumWindow)
	assert.Equal(t, 4.5, cfg.KalshiRateLimit)
	assert.Equal(t, int64(-1001), cfg.TelegramChatID)
	assert.True(t, cfg.Authenticated())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad chat id", map[string]string{"TELEGRAM_CHAT_ID": "abc"}},
		{"token without chat", map[string]string{"TELEGRAM_BOT_TOKEN": "token", "TELEGRAM_CHAT_ID": ""}},
		{"subwindow larger than window", map[string]string{"MOMENTUM_WINDOW": "10", "TREND_SUBWINDOW": "11"}},
		{"key id without key", map[string]string{"KALSHI_API_KEY_ID": "key", "KALSHI_PRIVATE_KEY_PATH": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadStrategyOverridesDefaults(t *testing.T) {
	path := writeFile(t, "strategy.yaml", `
strategy:
  upper_threshold: 72
  volatility_filter: true
  fair_horizon: 30m
window:
  window_size: 90
risk:
  max_open: 2
execution:
  stake: 50
settlement_fallback: momentum
`)

	cfg, err := LoadStrategy(path)
	require.NoError(t, err)

	def := replay.DefaultConfig()
	assert.Equal(t, 72.0, cfg.Strategy.UpperThreshold)
	assert.Equal(t, def.Strategy.LowerThreshold, cfg.Strategy.LowerThreshold, "absent keys keep defaults")
	assert.True(t, cfg.Strategy.Enabled(arbitrage.GateVolatility))
	assert.Equal(t, 30*time.Minute, cfg.Strategy.FairHorizon)
	assert.Equal(t, 90, cfg.Window.WindowSize)
	assert.Equal(t, def.Window.TrendSubWindow, cfg.Window.TrendSubWindow)
	assert.Equal(t, 2, cfg.Risk.MaxOpen)
	assert.Equal(t, 50.0, cfg.Execution.Stake)
	assert.Equal(t, def.Execution.HoldDuration, cfg.Execution.HoldDuration)
	assert.Equal(t, replay.FallbackMomentum, cfg.Fallback)
}

func TestLoadStrategyEmptyPath(t *testing.T) {
	cfg, err := LoadStrategy("")
	require.NoError(t, err)
	assert.Equal(t, replay.DefaultConfig(), cfg)
}

func TestLoadStrategyInvalid(t *testing.T) {
	path := writeFile(t, "strategy.yaml", `
strategy:
  upper_threshold: 20
  lower_threshold: 40
`)
	_, err := LoadStrategy(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, arbitrage.ErrInvalidConfig))

	path = writeFile(t, "fallback.yaml", "settlement_fallback: coin_flip\n")
	_, err = LoadStrategy(path)
	assert.True(t, errors.Is(err, replay.ErrInvalidConfig))

	_, err = LoadStrategy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
