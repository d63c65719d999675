package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the live pipeline and the tools
type Config struct {
	// Binance
	BinanceAPIURL string
	BinanceWSURL  string

	// Kalshi
	KalshiAPIURL         string
	KalshiWSURL          string
	KalshiAPIKeyID       string
	KalshiPrivateKeyPath string
	KalshiRateLimit      float64
	KalshiSeries         []string

	// Monitors
	Symbols          []string
	SpotInterval     string
	SpotPollInterval time.Duration
	OddsPollInterval time.Duration
	OddsResubscribe  time.Duration
	UseWebSockets    bool

	// Rolling window
	MomentumWindow int
	TrendSubWindow int

	// Storage
	CacheDSN string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	MetricsAddr  string
	StrategyFile string
	Debug        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Binance
		BinanceAPIURL: getEnv("BINANCE_API_URL", "https://api.binance.com"),
		BinanceWSURL:  getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443"),

		// Kalshi
		KalshiAPIURL:         getEnv("KALSHI_API_URL", "https://api.elections.kalshi.com/trade-api/v2"),
		KalshiWSURL:          getEnv("KALSHI_WS_URL", "wss://api.elections.kalshi.com/trade-api/ws/v2"),
		KalshiAPIKeyID:       os.Getenv("KALSHI_API_KEY_ID"),
		KalshiPrivateKeyPath: os.Getenv("KALSHI_PRIVATE_KEY_PATH"),
		KalshiRateLimit:      getEnvFloat("KALSHI_RATE_LIMIT", 10),
		KalshiSeries:         getEnvList("KALSHI_SERIES", []string{"KXBTCD", "KXETHD"}),

		// Monitors
		Symbols:          getEnvList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
		SpotInterval:     getEnv("SPOT_INTERVAL", "1m"),
		SpotPollInterval: getEnvDuration("SPOT_POLL_INTERVAL", 5*time.Second),
		OddsPollInterval: getEnvDuration("ODDS_POLL_INTERVAL", 10*time.Second),
		OddsResubscribe:  getEnvDuration("ODDS_RESUBSCRIBE", 15*time.Minute),
		UseWebSockets:    getEnvBool("USE_WEBSOCKETS", true),

		// Rolling window
		MomentumWindow: getEnvInt("MOMENTUM_WINDOW", 60),
		TrendSubWindow: getEnvInt("TREND_SUBWINDOW", 10),

		// Storage
		CacheDSN: getEnv("CACHE_DSN", "data/kalshi-arb.db"),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		MetricsAddr:  getEnv("METRICS_ADDR", ":9102"),
		StrategyFile: os.Getenv("STRATEGY_FILE"),
		Debug:        getEnvBool("DEBUG", false),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("SYMBOLS must name at least one instrument")
	}
	if cfg.MomentumWindow < 2 {
		return nil, fmt.Errorf("MOMENTUM_WINDOW must be at least 2, got %d", cfg.MomentumWindow)
	}
	if cfg.TrendSubWindow < 1 || cfg.TrendSubWindow > cfg.MomentumWindow {
		return nil, fmt.Errorf("TREND_SUBWINDOW must be in [1, %d], got %d", cfg.MomentumWindow, cfg.TrendSubWindow)
	}
	if (cfg.KalshiAPIKeyID == "") != (cfg.KalshiPrivateKeyPath == "") {
		return nil, fmt.Errorf("KALSHI_API_KEY_ID and KALSHI_PRIVATE_KEY_PATH must be set together")
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}

	return cfg, nil
}

// Authenticated reports whether Kalshi credentials are configured
func (c *Config) Authenticated() bool {
	return c.KalshiAPIKeyID != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma list, dropping blanks and upper-casing entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
