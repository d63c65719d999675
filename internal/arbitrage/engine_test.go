package arbitrage

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malekhnovich/kalshi-arb/internal/market"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

var t0 = time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)

// permissive config: only the core gates, no optional filters
func coreConfig() StrategyConfig {
	cfg := DefaultStrategyConfig()
	for _, g := range AllGates {
		cfg = cfg.With(g, false)
	}
	cfg.MinSamples = 1
	return cfg
}

func history(n int, close float64) market.Snapshot {
	samples := make([]types.PriceSample, n)
	for i := range samples {
		samples[i] = types.PriceSample{
			Instrument: "BTCUSDT",
			Timestamp:  t0.Add(time.Duration(i-n+1) * time.Minute),
			Open:       close - 10,
			High:       close,
			Low:        close - 10,
			Close:      close,
			Volume:     5,
			Momentum:   80,
		}
	}
	return market.NewSnapshot(samples)
}

func priceAt(momentum, close float64) types.PriceSample {
	return types.PriceSample{
		Instrument: "BTCUSDT",
		Timestamp:  t0,
		Open:       close - 10,
		High:       close,
		Low:        close - 10,
		Close:      close,
		Volume:     5,
		Momentum:   momentum,
	}
}

func oddsAt(yes, strike float64) *types.OddsSample {
	return &types.OddsSample{
		MarketID:   "KXBTC-25MAR0416-T100000",
		Instrument: "BTCUSDT",
		Strike:     strike,
		Timestamp:  t0,
		YesPrice:   yes,
		NoPrice:    100 - yes,
		Volume:     10,
	}
}

func mustEngine(t *testing.T, cfg StrategyConfig) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func TestStrongMomentumAgainstCheapOdds(t *testing.T) {
	cfg := coreConfig()
	cfg.MomentumStrength = true
	cfg.NeutralOdds = true
	cfg.NeutralLow, cfg.NeutralHigh = 0, 100
	cfg.Spread = true
	cfg.MinSpread = 0
	cfg.ImprovedConfidence = true

	d := mustEngine(t, cfg).Evaluate(Input{
		Price:   priceAt(96, 100000),
		Odds:    oddsAt(3, 100000),
		History: history(30, 100000),
	})

	require.NotNil(t, d.Signal, d.Reason)
	assert.Equal(t, types.Up, d.Signal.Direction)
	assert.GreaterOrEqual(t, d.Signal.Confidence, 96.0)
	assert.LessOrEqual(t, d.Signal.Confidence, 100.0)
	assert.GreaterOrEqual(t, d.Signal.FairProbability, 0.0)
	assert.LessOrEqual(t, d.Signal.FairProbability, 100.0)
	assert.InDelta(t, 93, d.Signal.Spread, 1e-9)
	assert.Contains(t, d.Signal.Gates, string(GateMomentumStrength))
	assert.Contains(t, d.Signal.Gates, string(GateSpread))
	assert.Equal(t, "YES", d.Signal.Side())
}

func TestRejectableInputYieldsNoSignal(t *testing.T) {
	e := mustEngine(t, DefaultStrategyConfig())

	tests := []struct {
		name string
		in   Input
	}{
		{"missing odds", Input{Price: priceAt(90, 100), History: history(30, 100)}},
		{"nil history", Input{Price: priceAt(90, 100), Odds: oddsAt(50, 100)}},
		{"too few samples", Input{Price: priceAt(90, 100), Odds: oddsAt(50, 100), History: history(19, 100)}},
		{"empty window", Input{Price: priceAt(90, 100), Odds: oddsAt(50, 100), History: market.NewSnapshot(nil)}},
		{"zero spot", Input{Price: priceAt(90, 0), Odds: oddsAt(50, 100), History: history(30, 100)}},
		{"odds out of range", Input{Price: priceAt(90, 100), Odds: oddsAt(150, 100), History: history(30, 100)}},
		{"neutral momentum", Input{Price: priceAt(50, 100), Odds: oddsAt(50, 100), History: history(30, 100)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decision
			assert.NotPanics(t, func() { d = e.Evaluate(tt.in) })
			assert.Nil(t, d.Signal)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestZeroVolumeWindow(t *testing.T) {
	h := history(30, 100)
	samples := h.Samples()
	for i := range samples {
		samples[i].Volume = 0
	}
	d := mustEngine(t, coreConfig()).Evaluate(Input{
		Price:   priceAt(96, 100),
		Odds:    oddsAt(3, 100),
		History: market.NewSnapshot(samples),
	})
	assert.Nil(t, d.Signal)
	assert.Equal(t, "zero volume window", d.Reason)
}

func TestStrikeDistanceIsNeverExceeded(t *testing.T) {
	cfg := coreConfig()
	cfg.StrikeDistance = true
	cfg.MaxStrikeDistance = 0.01
	e := mustEngine(t, cfg)

	spot := 100000.0
	for _, strike := range []float64{0, 50000, 98999, 101001, 150000} {
		for m := 0.0; m <= 100; m += 2.5 {
			for yes := 0.0; yes <= 100; yes += 5 {
				d := e.Evaluate(Input{Price: priceAt(m, spot), Odds: oddsAt(yes, strike), History: history(5, spot)})
				assert.Nil(t, d.Signal, "strike %.0f momentum %.1f yes %.0f", strike, m, yes)
			}
		}
	}

	d := e.Evaluate(Input{Price: priceAt(90, spot), Odds: oddsAt(40, 99000), History: history(5, spot)})
	require.NotNil(t, d.Signal, "exactly at the threshold passes")
}

func TestMomentumThresholdsByDurationClass(t *testing.T) {
	cfg := coreConfig()
	cfg.MomentumStrength = true
	e := mustEngine(t, cfg)

	hourly := oddsAt(40, 100)
	short := oddsAt(40, 100)
	short.MarketID = "KXBTC15M-25MAR041515-15"

	for _, tt := range []struct {
		m          float64
		odds       *types.OddsSample
		wantSignal bool
	}{
		{67, hourly, false},
		{67, short, true},
		{70, hourly, true},
		{33, short, true},
		{33, hourly, false},
		{30, hourly, true},
	} {
		d := e.Evaluate(Input{Price: priceAt(tt.m, 100), Odds: tt.odds, History: history(5, 100)})
		assert.Equal(t, tt.wantSignal, d.Signal != nil, "momentum %.0f market %s", tt.m, tt.odds.MarketID)
	}
}

func TestDynamicNeutralBandTiers(t *testing.T) {
	cfg := coreConfig()
	cfg.NeutralOdds = true
	cfg.DynamicNeutralRange = true
	cfg.NeutralLow, cfg.NeutralHigh = 0, 100
	e := mustEngine(t, cfg)

	for _, tt := range []struct {
		m, yes float64
		want   bool
	}{
		{90, 58, true},  // spread 32 -> (40,60)
		{90, 61, false}, // spread 29 -> (40,60)
		{72, 54, true},  // spread 18 -> (45,55)
		{72, 56, false}, // spread 16 -> (45,55)
		{62, 53, true},  // spread 9 -> (47,53)
		{62, 54, false}, // spread 8 -> (47,53)
	} {
		d := e.Evaluate(Input{Price: priceAt(tt.m, 100), Odds: oddsAt(tt.yes, 100), History: history(5, 100)})
		assert.Equal(t, tt.want, d.Signal != nil, "momentum %.0f yes %.0f: %s", tt.m, tt.yes, d.Reason)
	}
}

func TestMomentumAccelerationRejectsPeak(t *testing.T) {
	cfg := coreConfig()
	cfg.MomentumAcceleration = true
	cfg.AccelerationLookback = 3
	e := mustEngine(t, cfg)

	withMomenta := func(ms ...float64) market.Snapshot {
		samples := history(len(ms), 100).Samples()
		for i, m := range ms {
			samples[i].Momentum = m
		}
		return market.NewSnapshot(samples)
	}

	d := e.Evaluate(Input{Price: priceAt(80, 100), Odds: oddsAt(50, 100), History: withMomenta(60, 90, 85, 80)})
	assert.Nil(t, d.Signal)
	assert.Equal(t, GateMomentumAcceleration, d.Rejected)

	d = e.Evaluate(Input{Price: priceAt(80, 100), Odds: oddsAt(50, 100), History: withMomenta(90, 85, 85, 80)})
	assert.NotNil(t, d.Signal, "a flat step is not a peak")

	d = e.Evaluate(Input{Price: priceAt(20, 100), Odds: oddsAt(50, 100), History: withMomenta(10, 15, 20)})
	assert.Nil(t, d.Signal, "bearish momentum rising toward 50 has peaked")
}

func TestTradingHoursWrap(t *testing.T) {
	assert.True(t, inHours(14, 14, 22))
	assert.False(t, inHours(22, 14, 22))
	assert.True(t, inHours(23, 22, 2))
	assert.True(t, inHours(1, 22, 2))
	assert.False(t, inHours(2, 22, 2))
	assert.True(t, inHours(5, 0, 0))
}

func TestPullback(t *testing.T) {
	samples := []types.PriceSample{{Close: 100}, {Close: 110}, {Close: 105}}
	assert.InDelta(t, (110.0-104.5)/110*100, pullback(samples, 104.5, types.Up), 1e-9)
	assert.InDelta(t, 0, pullback(samples, 111, types.Up), 1e-9)
	assert.InDelta(t, 1.0, pullback(samples, 101, types.Down), 1e-9)
}

func TestFairProbabilityBounds(t *testing.T) {
	assert.Equal(t, 100.0, FairProbability(101, 100, 0, 60))
	assert.Equal(t, 0.0, FairProbability(99, 100, 0, 60))
	assert.Equal(t, 50.0, FairProbability(100, 0, 0.1, 60))
	assert.InDelta(t, 50, FairProbability(100, 100, 0.1, 60), 1e-9)
	p := FairProbability(100500, 100000, 0.05, 60)
	assert.Greater(t, p, 50.0)
	assert.LessOrEqual(t, p, 100.0)
}

func TestFairProbabilityGateNarrowsSpread(t *testing.T) {
	cfg := coreConfig()
	cfg.Spread = true
	cfg.MinSpread = 10

	// spot below strike with low vol: fair YES probability near 0
	price := priceAt(90, 99000)
	price.Volatility = 0.01
	odds := oddsAt(50, 100000)
	odds.Expiry = t0.Add(30 * time.Minute)

	d := mustEngine(t, cfg).Evaluate(Input{Price: price, Odds: odds, History: history(5, 99000)})
	require.NotNil(t, d.Signal)

	cfg.FairProbability = true
	d = mustEngine(t, cfg).Evaluate(Input{Price: price, Odds: odds, History: history(5, 99000)})
	assert.Nil(t, d.Signal)
}

func TestConfidenceBonusesAndClip(t *testing.T) {
	cfg := coreConfig()
	cfg.ImprovedConfidence = true
	e := mustEngine(t, cfg)

	price := priceAt(80, 100)
	price.Trend = types.Up
	d := e.Evaluate(Input{Price: price, Odds: oddsAt(50, 100), History: history(5, 100)})
	require.NotNil(t, d.Signal)
	// 80 + min(30/30*10,10) + 5 + 5
	assert.InDelta(t, 100, d.Signal.Confidence, 1e-9)

	price.Trend = ""
	d = e.Evaluate(Input{Price: price, Odds: oddsAt(52, 100), History: history(5, 100)})
	require.NotNil(t, d.Signal)
	// 80 + 28/3 + 3
	assert.InDelta(t, 80+28.0/3+3, d.Signal.Confidence, 0.01)

	d = mustEngine(t, coreConfig()).Evaluate(Input{Price: price, Odds: oddsAt(52, 100), History: history(5, 100)})
	require.NotNil(t, d.Signal)
	assert.Equal(t, 80.0, d.Signal.Confidence)
}

func TestCorrelationGate(t *testing.T) {
	cfg := coreConfig()
	cfg.CorrelationCheck = true
	e := mustEngine(t, cfg)

	book := openBook{"BTCUSDT": true}
	d := e.Evaluate(Input{Price: priceAt(80, 100), Odds: oddsAt(50, 100), History: history(5, 100), Positions: book})
	assert.Equal(t, GateCorrelation, d.Rejected)

	d = e.Evaluate(Input{Price: priceAt(80, 100), Odds: oddsAt(50, 100), History: history(5, 100), Positions: openBook{}})
	assert.NotNil(t, d.Signal)
}

type openBook map[string]bool

func (b openBook) HasOpenPosition(instrument string) bool { return b[instrument] }

// Every gate is a conjunctive filter: switching one on never adds a signal.
func TestGatesAreMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	type point struct {
		price types.PriceSample
		odds  *types.OddsSample
		hist  market.Snapshot
	}
	var points []point
	for i := 0; i < 400; i++ {
		n := 10 + rng.Intn(40)
		samples := make([]types.PriceSample, n)
		c := 100000.0
		for j := range samples {
			o := c
			c *= 1 + (rng.Float64()-0.5)*0.004
			samples[j] = types.PriceSample{
				Instrument: "BTCUSDT",
				Timestamp:  t0.Add(time.Duration(j) * time.Minute),
				Open:       o, Close: c, High: max(o, c), Low: min(o, c),
				Volume:   rng.Float64() * 10,
				Momentum: rng.Float64() * 100,
			}
		}
		price := samples[n-1]
		price.Timestamp = t0.Add(time.Duration(rng.Intn(24)) * time.Hour)
		price.Volatility = rng.Float64()
		if rng.Intn(2) == 0 {
			price.Trend = types.Up
		} else {
			price.Trend = types.Down
		}
		odds := oddsAt(float64(rng.Intn(101)), c*(1+(rng.Float64()-0.5)*0.03))
		points = append(points, point{price, odds, market.NewSnapshot(samples)})
	}

	count := func(cfg StrategyConfig) int {
		e := mustEngine(t, cfg)
		n := 0
		for _, p := range points {
			if e.Evaluate(Input{Price: p.price, Odds: p.odds, History: p.hist}).Signal != nil {
				n++
			}
		}
		return n
	}

	for trial := 0; trial < 25; trial++ {
		base := DefaultStrategyConfig()
		base.MinSamples = 5
		for _, g := range AllGates {
			base = base.With(g, rng.Intn(2) == 0)
		}
		for _, g := range AllGates {
			off := count(base.With(g, false))
			on := count(base.With(g, true))
			assert.LessOrEqual(t, on, off, "trial %d gate %s", trial, g)
		}
	}
}

func TestValidateRejectsContradictions(t *testing.T) {
	cfg := DefaultStrategyConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.LowerThreshold, bad.UpperThreshold = 70, 30
	_, err := NewEngine(bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = cfg
	bad.NeutralLow, bad.NeutralHigh = 60, 40
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.SignalBucket = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	_, err = ParseGate("nope")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	g, err := ParseGate(" Volatility_Filter ")
	require.NoError(t, err)
	assert.Equal(t, GateVolatility, g)
}

func TestWithReturnsCopy(t *testing.T) {
	base := DefaultStrategyConfig()
	changed := base.With(GateVolatility, false)
	assert.True(t, base.VolatilityFilter)
	assert.False(t, changed.VolatilityFilter)
	for _, g := range AllGates {
		assert.True(t, base.With(g, true).Enabled(g), g)
		assert.False(t, base.With(g, false).Enabled(g), g)
	}
}
