package market

import (
	"github.com/malekhnovich/kalshi-arb/internal/indicators"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Config sizes the rolling windows
type Config struct {
	WindowSize     int `mapstructure:"window_size"`
	TrendSubWindow int `mapstructure:"trend_subwindow"`
}

// DefaultConfig is a 60 candle window with 10 candle trend halves
func DefaultConfig() Config {
	return Config{WindowSize: 60, TrendSubWindow: 10}
}

// Update is a freshly annotated sample and the window it was computed over.
// It is the payload of PRICE_UPDATE events.
type Update struct {
	Sample types.PriceSample
	Window Snapshot
}

// Tracker owns one window per instrument and annotates each appended sample
// with momentum, trend and volatility. Not safe for concurrent use.
type Tracker struct {
	cfg     Config
	windows map[string]*Window
}

// NewTracker creates a tracker
func NewTracker(cfg Config) *Tracker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.TrendSubWindow <= 0 {
		cfg.TrendSubWindow = DefaultConfig().TrendSubWindow
	}
	return &Tracker{cfg: cfg, windows: make(map[string]*Window)}
}

// Append validates ordering, annotates s over the window including s, and stores it
func (t *Tracker) Append(s types.PriceSample) (Update, error) {
	w, ok := t.windows[s.Instrument]
	if !ok {
		w = NewWindow(t.cfg.WindowSize)
		t.windows[s.Instrument] = w
	}
	if err := w.Check(s); err != nil {
		return Update{}, err
	}

	candles := w.Snapshot().samples
	if len(candles) == w.Cap() {
		candles = candles[1:]
	}
	candles = append(candles, s)

	s.Momentum = indicators.Momentum(candles)
	s.Trend = indicators.Trend(candles, t.cfg.TrendSubWindow)
	s.TrendConfirmed = s.Trend != ""
	s.Volatility = indicators.Volatility(candles)
	s.Candles = len(candles)

	if err := w.Append(s); err != nil {
		return Update{}, err
	}
	return Update{Sample: s, Window: w.Snapshot()}, nil
}
