package arbitrage

import (
	"fmt"
	"math"
	"time"

	"github.com/malekhnovich/kalshi-arb/internal/indicators"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ARBITRAGE ENGINE - Temporal lag detection between spot momentum and odds
// ═══════════════════════════════════════════════════════════════════════════════

// History is a read-only view of an instrument's rolling window, oldest-first
type History interface {
	Len() int
	Samples() []types.PriceSample
	// Momenta returns up to k of the newest momentum readings
	Momenta(k int) []float64
}

// PositionBook answers the correlation check
type PositionBook interface {
	HasOpenPosition(instrument string) bool
}

// Input is everything one decision looks at
type Input struct {
	Price     types.PriceSample
	Odds      *types.OddsSample
	History   History
	Positions PositionBook
}

// Decision is the engine's verdict. Signal is nil when rejected.
type Decision struct {
	Signal   *types.Signal
	Passed   []Gate
	Rejected Gate
	Reason   string
}

// Engine is a pure decision function over a fixed StrategyConfig
type Engine struct {
	cfg StrategyConfig
}

// NewEngine validates cfg and returns an engine bound to it
func NewEngine(cfg StrategyConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's strategy snapshot
func (e *Engine) Config() StrategyConfig { return e.cfg }

// Evaluate runs the gates in order and stops at the first rejection.
// Malformed or incomplete input is rejected, never an error.
func (e *Engine) Evaluate(in Input) Decision {
	cfg := e.cfg
	d := Decision{}
	reject := func(g Gate, format string, args ...interface{}) Decision {
		d.Rejected = g
		d.Reason = fmt.Sprintf(format, args...)
		return d
	}
	pass := func(g Gate) {
		d.Passed = append(d.Passed, g)
	}

	if in.Odds == nil {
		return reject("", "no odds sample")
	}
	if in.History == nil || in.History.Len() < cfg.MinSamples {
		n := 0
		if in.History != nil {
			n = in.History.Len()
		}
		return reject("", "insufficient samples %d < %d", n, cfg.MinSamples)
	}
	spot := in.Price.Close
	if spot <= 0 || math.IsNaN(spot) {
		return reject("", "invalid spot price")
	}
	samples := in.History.Samples()
	if indicators.TotalVolume(samples) <= 0 {
		return reject("", "zero volume window")
	}

	odds := *in.Odds
	yes := odds.YesPrice
	no := odds.NoPrice
	if no <= 0 {
		no = 100 - yes
	}
	if yes < 0 || yes > 100 || no < 0 || no > 100 || math.IsNaN(yes) {
		return reject("", "odds outside [0,100]")
	}

	m := in.Price.Momentum
	var dir types.Direction
	switch {
	case m > 50:
		dir = types.Up
	case m < 50:
		dir = types.Down
	default:
		return reject("", "neutral momentum")
	}

	var reasons []string
	note := func(format string, args ...interface{}) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	// 1. Strike distance
	if cfg.StrikeDistance {
		if odds.Strike <= 0 {
			return reject(GateStrikeDistance, "unknown strike")
		}
		dist := math.Abs(spot-odds.Strike) / spot
		if dist > cfg.MaxStrikeDistance {
			return reject(GateStrikeDistance, "strike %.2f is %.2f%% from spot", odds.Strike, dist*100)
		}
		pass(GateStrikeDistance)
		note("strike %.2f within %.2f%% of spot %.2f", odds.Strike, dist*100, spot)
	}

	// 2. Momentum strength
	if cfg.MomentumStrength {
		upper, lower := cfg.thresholds(odds.MarketID)
		if (dir == types.Up && m < upper) || (dir == types.Down && m > lower) {
			return reject(GateMomentumStrength, "momentum %.1f inside (%.0f,%.0f)", m, lower, upper)
		}
		pass(GateMomentumStrength)
		note("momentum %.1f %s", m, dir)
	}

	// 3. Momentum acceleration
	if cfg.MomentumAcceleration {
		if peaked(in.History.Momenta(cfg.AccelerationLookback), dir) {
			return reject(GateMomentumAcceleration, "momentum fading over last %d readings", cfg.AccelerationLookback)
		}
		pass(GateMomentumAcceleration)
	}

	// direction-side probabilities in cents
	expected, marketPrice := m, yes
	fair := FairProbability(spot, odds.Strike, in.Price.Volatility, cfg.candlesToExpiry(in.Price.Timestamp, odds.Expiry))
	fairSide := fair
	if dir == types.Down {
		expected, marketPrice, fairSide = 100-m, no, 100-fair
	}
	spread := math.Abs(expected - marketPrice)
	if cfg.FairProbability {
		spread = math.Min(spread, math.Abs(fairSide-marketPrice))
	}

	// 4. Neutral odds
	if cfg.NeutralOdds {
		lo, hi := cfg.NeutralLow, cfg.NeutralHigh
		if cfg.DynamicNeutralRange {
			tlo, thi := dynamicBand(spread)
			lo, hi = math.Max(lo, tlo), math.Min(hi, thi)
		}
		if yes < lo || yes > hi {
			return reject(GateNeutralOdds, "yes %.1f outside neutral band [%.0f,%.0f]", yes, lo, hi)
		}
		pass(GateNeutralOdds)
		if cfg.DynamicNeutralRange {
			pass(GateDynamicNeutralRange)
		}
		note("odds %.1f not yet repriced [%.0f,%.0f]", yes, lo, hi)
	}

	// 5. Spread, optionally confirmed by the fair estimate
	if cfg.Spread {
		minSpread := cfg.MinSpread
		if cfg.TightSpreadFilter {
			minSpread = math.Max(minSpread, cfg.TightMinSpread)
		}
		if spread < minSpread {
			return reject(GateSpread, "spread %.1f below %.1f", spread, minSpread)
		}
		pass(GateSpread)
		if cfg.TightSpreadFilter {
			pass(GateTightSpread)
		}
	}
	if cfg.FairProbability {
		if fairSide < 50 {
			return reject(GateFairProbability, "fair probability %.1f disagrees with %s", fair, dir)
		}
		pass(GateFairProbability)
	}
	note("spread %.1f (expected %.1f vs market %.1f, fair %.1f)", spread, expected, marketPrice, fair)

	// 6. Optional gates
	if cfg.VolatilityFilter {
		if in.Price.Volatility > cfg.MaxVolatility {
			return reject(GateVolatility, "volatility %.3f above %.3f", in.Price.Volatility, cfg.MaxVolatility)
		}
		pass(GateVolatility)
	}

	if cfg.PullbackEntry {
		pb := pullback(samples, spot, dir)
		if pb < cfg.PullbackThreshold {
			return reject(GatePullback, "pullback %.3f%% below %.3f%%", pb, cfg.PullbackThreshold)
		}
		pass(GatePullback)
		note("pullback %.2f%% from extreme", pb)
	}

	if cfg.TimeFilter {
		h := in.Price.Timestamp.UTC().Hour()
		if !inHours(h, cfg.TradingHourStart, cfg.TradingHourEnd) {
			return reject(GateTradingHours, "hour %d outside %d-%d UTC", h, cfg.TradingHourStart, cfg.TradingHourEnd)
		}
		pass(GateTradingHours)
	}

	if cfg.CorrelationCheck {
		if in.Positions != nil && in.Positions.HasOpenPosition(in.Price.Instrument) {
			return reject(GateCorrelation, "position already open on %s", in.Price.Instrument)
		}
		pass(GateCorrelation)
	}

	if cfg.MultiTimeframe {
		agg := indicators.Aggregate(samples, cfg.MultiTimeframeFactor)
		if len(agg) < 2 {
			return reject(GateMultiTimeframe, "not enough candles for %dx timeframe", cfg.MultiTimeframeFactor)
		}
		hm := indicators.Momentum(agg)
		if (dir == types.Up && hm < cfg.MultiTimeframeThreshold) || (dir == types.Down && hm > 100-cfg.MultiTimeframeThreshold) {
			return reject(GateMultiTimeframe, "higher timeframe momentum %.1f disagrees", hm)
		}
		pass(GateMultiTimeframe)
		note("higher timeframe momentum %.1f agrees", hm)
	}

	if cfg.TrendConfirmation {
		if in.Price.Trend != dir {
			return reject(GateTrendConfirmation, "trend %q does not confirm %s", in.Price.Trend, dir)
		}
		pass(GateTrendConfirmation)
	}

	// 7. Confidence
	base := expected
	confidence := base
	if cfg.ImprovedConfidence {
		spreadBonus := math.Min(spread/30*10, 10)
		neutralityBonus := math.Max(0, (5-math.Abs(yes-50))/5*5)
		trendBonus := 0.0
		if in.Price.Trend == dir {
			trendBonus = 5
		}
		confidence += spreadBonus + neutralityBonus + trendBonus
		pass(GateImprovedConfidence)
	}
	confidence = math.Max(0, math.Min(100, confidence))

	sig := &types.Signal{
		Instrument:          in.Price.Instrument,
		MarketID:            odds.MarketID,
		Direction:           dir,
		Confidence:          round2(confidence),
		FairProbability:     round2(fair),
		ExpectedProbability: round2(expected),
		Spread:              round2(spread),
		Momentum:            m,
		SpotPrice:           spot,
		Strike:              odds.Strike,
		YesPrice:            yes,
		NoPrice:             no,
		Timestamp:           latest(in.Price, odds),
		Reasoning:           reasons,
	}
	for _, g := range d.Passed {
		sig.Gates = append(sig.Gates, string(g))
	}
	sig.Recommendation = recommendation(sig)
	d.Signal = sig
	return d
}

// dynamicBand widens the neutral band as the spread grows
func dynamicBand(spread float64) (float64, float64) {
	switch {
	case spread >= 25:
		return 40, 60
	case spread >= 15:
		return 45, 55
	}
	return 47, 53
}

// peaked reports momentum strictly retreating toward neutral on every step
func peaked(readings []float64, dir types.Direction) bool {
	if len(readings) < 2 {
		return false
	}
	for i := 1; i < len(readings); i++ {
		if dir == types.Up && readings[i] >= readings[i-1] {
			return false
		}
		if dir == types.Down && readings[i] <= readings[i-1] {
			return false
		}
	}
	return true
}

// pullback is the percent retracement from the window's close extreme
// against the signal direction
func pullback(samples []types.PriceSample, spot float64, dir types.Direction) float64 {
	if len(samples) == 0 {
		return 0
	}
	closes := indicators.Closes(samples)
	if dir == types.Up {
		peak := closes[0]
		for _, c := range closes {
			peak = math.Max(peak, c)
		}
		if peak <= 0 || spot >= peak {
			return 0
		}
		return (peak - spot) / peak * 100
	}
	trough := closes[0]
	for _, c := range closes {
		trough = math.Min(trough, c)
	}
	if trough <= 0 || spot <= trough {
		return 0
	}
	return (spot - trough) / trough * 100
}

func inHours(h, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return h >= start && h < end
	}
	return h >= start || h < end
}

func recommendation(s *types.Signal) string {
	return fmt.Sprintf("BUY %s on %s: momentum %.1f%% vs %s at %.0f¢, spread %.1f¢, confidence %.1f",
		s.Side(), s.MarketID, s.Momentum, s.Side(), sidePrice(s), s.Spread, s.Confidence)
}

func sidePrice(s *types.Signal) float64 {
	if s.Direction == types.Down {
		return s.NoPrice
	}
	return s.YesPrice
}

func latest(p types.PriceSample, o types.OddsSample) time.Time {
	if o.Timestamp.After(p.Timestamp) {
		return o.Timestamp
	}
	return p.Timestamp
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
