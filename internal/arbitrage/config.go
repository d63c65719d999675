package arbitrage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid strategy config")

// Gate identifies one toggleable decision filter
type Gate string

const (
	GateStrikeDistance       Gate = "strike_distance"
	GateMomentumStrength     Gate = "momentum_strength"
	GateMomentumAcceleration Gate = "momentum_acceleration"
	GateNeutralOdds          Gate = "neutral_odds"
	GateDynamicNeutralRange  Gate = "dynamic_neutral_range"
	GateSpread               Gate = "spread"
	GateTightSpread          Gate = "tight_spread"
	GateFairProbability      Gate = "fair_probability"
	GateVolatility           Gate = "volatility_filter"
	GatePullback             Gate = "pullback_entry"
	GateTradingHours         Gate = "time_filter"
	GateCorrelation          Gate = "correlation_check"
	GateMultiTimeframe       Gate = "multiframe_confirmation"
	GateTrendConfirmation    Gate = "trend_confirmation"
	GateImprovedConfidence   Gate = "improved_confidence"
)

// AllGates in evaluation order
var AllGates = []Gate{
	GateStrikeDistance,
	GateMomentumStrength,
	GateMomentumAcceleration,
	GateNeutralOdds,
	GateDynamicNeutralRange,
	GateSpread,
	GateTightSpread,
	GateFairProbability,
	GateVolatility,
	GatePullback,
	GateTradingHours,
	GateCorrelation,
	GateMultiTimeframe,
	GateTrendConfirmation,
	GateImprovedConfidence,
}

// SweepGates are the strategy toggles swept by the permutation runner
var SweepGates = []Gate{
	GateMomentumAcceleration,
	GateTrendConfirmation,
	GateDynamicNeutralRange,
	GateImprovedConfidence,
	GateVolatility,
	GatePullback,
	GateTightSpread,
	GateCorrelation,
	GateTradingHours,
	GateMultiTimeframe,
}

// ParseGate resolves a gate name
func ParseGate(name string) (Gate, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, g := range AllGates {
		if string(g) == n {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: unknown gate %q", ErrInvalidConfig, name)
}

// StrategyConfig is an immutable snapshot of every toggle and threshold.
// Pass it by value; With returns a modified copy.
type StrategyConfig struct {
	StrikeDistance    bool    `mapstructure:"strike_distance"`
	MaxStrikeDistance float64 `mapstructure:"max_strike_distance"` // fraction of spot

	MomentumStrength bool    `mapstructure:"momentum_strength"`
	UpperThreshold   float64 `mapstructure:"upper_threshold"`
	LowerThreshold   float64 `mapstructure:"lower_threshold"`
	// 15 minute markets
	ShortUpperThreshold float64 `mapstructure:"short_upper_threshold"`
	ShortLowerThreshold float64 `mapstructure:"short_lower_threshold"`

	MomentumAcceleration bool `mapstructure:"momentum_acceleration"`
	AccelerationLookback int  `mapstructure:"acceleration_lookback"`

	NeutralOdds         bool    `mapstructure:"neutral_odds"`
	NeutralLow          float64 `mapstructure:"neutral_low"`
	NeutralHigh         float64 `mapstructure:"neutral_high"`
	DynamicNeutralRange bool    `mapstructure:"dynamic_neutral_range"`

	Spread            bool    `mapstructure:"spread"`
	MinSpread         float64 `mapstructure:"min_spread"`
	TightSpreadFilter bool    `mapstructure:"tight_spread_filter"`
	TightMinSpread    float64 `mapstructure:"tight_min_spread"`

	FairProbability bool          `mapstructure:"fair_probability"`
	FairHorizon     time.Duration `mapstructure:"fair_horizon"`
	CandleInterval  time.Duration `mapstructure:"candle_interval"`

	VolatilityFilter bool    `mapstructure:"volatility_filter"`
	MaxVolatility    float64 `mapstructure:"max_volatility"` // stdev of % returns

	PullbackEntry     bool    `mapstructure:"pullback_entry"`
	PullbackThreshold float64 `mapstructure:"pullback_threshold"` // percent

	TimeFilter       bool `mapstructure:"time_filter"`
	TradingHourStart int  `mapstructure:"trading_hour_start"` // UTC, inclusive
	TradingHourEnd   int  `mapstructure:"trading_hour_end"`   // UTC, exclusive

	CorrelationCheck bool `mapstructure:"correlation_check"`

	MultiTimeframe          bool    `mapstructure:"multiframe_confirmation"`
	MultiTimeframeThreshold float64 `mapstructure:"multiframe_threshold"`
	MultiTimeframeFactor    int     `mapstructure:"multiframe_factor"`

	TrendConfirmation  bool `mapstructure:"trend_confirmation"`
	ImprovedConfidence bool `mapstructure:"improved_confidence"`

	MinSamples   int           `mapstructure:"min_samples"`
	SignalBucket time.Duration `mapstructure:"signal_bucket"`
}

// DefaultStrategyConfig returns the production defaults
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		StrikeDistance:    true,
		MaxStrikeDistance: 0.02,

		MomentumStrength:    true,
		UpperThreshold:      70,
		LowerThreshold:      30,
		ShortUpperThreshold: 65,
		ShortLowerThreshold: 35,

		MomentumAcceleration: false,
		AccelerationLookback: 3,

		NeutralOdds:         true,
		NeutralLow:          40,
		NeutralHigh:         60,
		DynamicNeutralRange: true,

		Spread:            true,
		MinSpread:         10,
		TightSpreadFilter: false,
		TightMinSpread:    15,

		FairProbability: false,
		FairHorizon:     time.Hour,
		CandleInterval:  time.Minute,

		VolatilityFilter: true,
		MaxVolatility:    1.5,

		PullbackEntry:     true,
		PullbackThreshold: 0.3,

		TimeFilter:       true,
		TradingHourStart: 14,
		TradingHourEnd:   22,

		CorrelationCheck: true,

		MultiTimeframe:          true,
		MultiTimeframeThreshold: 55,
		MultiTimeframeFactor:    5,

		TrendConfirmation:  true,
		ImprovedConfidence: true,

		MinSamples:   20,
		SignalBucket: 15 * time.Minute,
	}
}

// Validate rejects contradictory or out-of-range settings
func (c StrategyConfig) Validate() error {
	var problems []string
	bad := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	pct := func(name string, v float64) {
		if v < 0 || v > 100 {
			bad("%s %.2f outside [0,100]", name, v)
		}
	}
	pct("upper_threshold", c.UpperThreshold)
	pct("lower_threshold", c.LowerThreshold)
	pct("short_upper_threshold", c.ShortUpperThreshold)
	pct("short_lower_threshold", c.ShortLowerThreshold)
	pct("neutral_low", c.NeutralLow)
	pct("neutral_high", c.NeutralHigh)
	pct("multiframe_threshold", c.MultiTimeframeThreshold)
	pct("min_spread", c.MinSpread)
	pct("tight_min_spread", c.TightMinSpread)

	if c.LowerThreshold >= c.UpperThreshold {
		bad("lower_threshold %.2f must be below upper_threshold %.2f", c.LowerThreshold, c.UpperThreshold)
	}
	if c.ShortLowerThreshold >= c.ShortUpperThreshold {
		bad("short_lower_threshold %.2f must be below short_upper_threshold %.2f", c.ShortLowerThreshold, c.ShortUpperThreshold)
	}
	if c.NeutralLow > c.NeutralHigh {
		bad("neutral_low %.2f above neutral_high %.2f", c.NeutralLow, c.NeutralHigh)
	}
	if c.MaxStrikeDistance < 0 {
		bad("max_strike_distance must not be negative")
	}
	if c.MaxVolatility < 0 {
		bad("max_volatility must not be negative")
	}
	if c.PullbackThreshold < 0 {
		bad("pullback_threshold must not be negative")
	}
	if c.AccelerationLookback < 2 {
		bad("acceleration_lookback must be at least 2")
	}
	if c.MultiTimeframeFactor < 2 {
		bad("multiframe_factor must be at least 2")
	}
	if c.TradingHourStart < 0 || c.TradingHourStart > 23 || c.TradingHourEnd < 0 || c.TradingHourEnd > 24 {
		bad("trading hours %d-%d outside 0-24", c.TradingHourStart, c.TradingHourEnd)
	}
	if c.MinSamples < 1 {
		bad("min_samples must be positive")
	}
	if c.SignalBucket <= 0 {
		bad("signal_bucket must be positive")
	}
	if c.FairHorizon <= 0 || c.CandleInterval <= 0 {
		bad("fair_horizon and candle_interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Enabled reports whether gate g is on
func (c StrategyConfig) Enabled(g Gate) bool {
	switch g {
	case GateStrikeDistance:
		return c.StrikeDistance
	case GateMomentumStrength:
		return c.MomentumStrength
	case GateMomentumAcceleration:
		return c.MomentumAcceleration
	case GateNeutralOdds:
		return c.NeutralOdds
	case GateDynamicNeutralRange:
		return c.DynamicNeutralRange
	case GateSpread:
		return c.Spread
	case GateTightSpread:
		return c.TightSpreadFilter
	case GateFairProbability:
		return c.FairProbability
	case GateVolatility:
		return c.VolatilityFilter
	case GatePullback:
		return c.PullbackEntry
	case GateTradingHours:
		return c.TimeFilter
	case GateCorrelation:
		return c.CorrelationCheck
	case GateMultiTimeframe:
		return c.MultiTimeframe
	case GateTrendConfirmation:
		return c.TrendConfirmation
	case GateImprovedConfidence:
		return c.ImprovedConfidence
	}
	return false
}

// With returns a copy with gate g switched on or off
func (c StrategyConfig) With(g Gate, on bool) StrategyConfig {
	switch g {
	case GateStrikeDistance:
		c.StrikeDistance = on
	case GateMomentumStrength:
		c.MomentumStrength = on
	case GateMomentumAcceleration:
		c.MomentumAcceleration = on
	case GateNeutralOdds:
		c.NeutralOdds = on
	case GateDynamicNeutralRange:
		c.DynamicNeutralRange = on
	case GateSpread:
		c.Spread = on
	case GateTightSpread:
		c.TightSpreadFilter = on
	case GateFairProbability:
		c.FairProbability = on
	case GateVolatility:
		c.VolatilityFilter = on
	case GatePullback:
		c.PullbackEntry = on
	case GateTradingHours:
		c.TimeFilter = on
	case GateCorrelation:
		c.CorrelationCheck = on
	case GateMultiTimeframe:
		c.MultiTimeframe = on
	case GateTrendConfirmation:
		c.TrendConfirmation = on
	case GateImprovedConfidence:
		c.ImprovedConfidence = on
	}
	return c
}

// EnabledGates lists the gates that are on, sorted by name
func (c StrategyConfig) EnabledGates() []string {
	var out []string
	for _, g := range AllGates {
		if c.Enabled(g) {
			out = append(out, string(g))
		}
	}
	sort.Strings(out)
	return out
}

// thresholds returns the momentum pair for the market's duration class
func (c StrategyConfig) thresholds(marketID string) (upper, lower float64) {
	if IsShortMarket(marketID) {
		return c.ShortUpperThreshold, c.ShortLowerThreshold
	}
	return c.UpperThreshold, c.LowerThreshold
}

// IsShortMarket reports whether the ticker marks a 15 minute series
func IsShortMarket(marketID string) bool {
	t := strings.ToUpper(marketID)
	return strings.Contains(t, "15M")
}
