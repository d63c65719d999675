package permutation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malekhnovich/kalshi-arb/internal/arbitrage"
	"github.com/malekhnovich/kalshi-arb/internal/replay"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

var t0 = time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC)

func baseConfig() replay.Config {
	cfg := replay.DefaultConfig()
	for _, g := range arbitrage.AllGates {
		cfg.Strategy = cfg.Strategy.With(g, false)
	}
	cfg.Strategy.MomentumStrength = true
	cfg.Strategy.MinSamples = 5
	cfg.Strategy.SignalBucket = 5 * time.Minute
	cfg.Strategy.MaxVolatility = 0.05
	cfg.Strategy.PullbackThreshold = 0.05
	cfg.Strategy.TradingHourStart, cfg.Strategy.TradingHourEnd = 14, 15
	cfg.Window.WindowSize = 20
	cfg.Risk.MinConfidence = 0
	return cfg
}

// zig-zag trend: twenty minutes up, ten down, for three hours
func dataset() replay.Dataset {
	ds := replay.Dataset{Instrument: "BTCUSDT", Range: types.Range{Start: t0, End: t0.Add(3 * time.Hour)}}
	c := 100000.0
	for i := 0; i < 180; i++ {
		o := c
		step := 0.001
		if i%30 >= 20 {
			step = -0.0015
		}
		c = o * (1 + step + 0.0002*math.Sin(float64(i)))
		ds.Prices = append(ds.Prices, types.PriceSample{
			Instrument: "BTCUSDT",
			Timestamp:  t0.Add(time.Duration(i+1) * time.Minute),
			Open:       o, Close: c, High: math.Max(o, c), Low: math.Min(o, c),
			Volume: 2 + float64(i%7),
		})
		yes := 45 + float64(i%11)
		ds.Odds = append(ds.Odds, types.OddsSample{
			MarketID:   "KXBTCD-25MAR0416-T100000",
			Instrument: "BTCUSDT",
			Strike:     100000,
			Expiry:     t0.Add(3 * time.Hour),
			Timestamp:  t0.Add(time.Duration(i)*time.Minute + 30*time.Second),
			YesPrice:   yes,
			NoPrice:    100 - yes,
			Volume:     100,
		})
	}
	return ds
}

func threeGateRunner() *Runner {
	return &Runner{
		Base:    baseConfig(),
		Gates:   []arbitrage.Gate{arbitrage.GateVolatility, arbitrage.GatePullback, arbitrage.GateTradingHours},
		Workers: 3,
	}
}

func TestThreeGatesGiveEightRuns(t *testing.T) {
	r := threeGateRunner()
	outs, err := r.Run(context.Background(), dataset(), 0)
	require.NoError(t, err)
	require.Len(t, outs, 8)

	keys := map[string]bool{}
	for i, o := range outs {
		assert.Equal(t, i, o.Index)
		assert.Len(t, o.Key, 3)
		keys[o.Key] = true
	}
	assert.Len(t, keys, 8)

	off, on := outs[0], outs[7]
	assert.Equal(t, "000", off.Key)
	assert.Equal(t, "111", on.Key)
	assert.Greater(t, off.Metrics.Signals, 0)
	assert.LessOrEqual(t, on.Metrics.Signals, off.Metrics.Signals)
	assert.Contains(t, on.Enabled, string(arbitrage.GatePullback))
	assert.NotContains(t, off.Enabled, string(arbitrage.GatePullback))
}

func TestResumeSkipsEarlierAssignments(t *testing.T) {
	r := threeGateRunner()
	full, err := r.Run(context.Background(), dataset(), 0)
	require.NoError(t, err)

	var seen []string
	r.OnOutcome = func(o Outcome) { seen = append(seen, o.Key) }
	tail, err := r.Run(context.Background(), dataset(), 5)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Len(t, seen, 3)
	assert.Equal(t, full[5:], tail, "runs are stateless and deterministic")

	_, err = r.Run(context.Background(), dataset(), 8)
	assert.ErrorIs(t, err, ErrStartOutOfRange)
}

func TestLimitRestrictsToFirstGates(t *testing.T) {
	r := NewRunner(baseConfig())
	r.Limit = 2
	assert.Equal(t, 4, r.Count())
	assert.Equal(t, arbitrage.SweepGates[:2], r.Active())

	cfg := r.Assignment(2)
	assert.False(t, cfg.Strategy.Enabled(arbitrage.SweepGates[0]))
	assert.True(t, cfg.Strategy.Enabled(arbitrage.SweepGates[1]))
	assert.Equal(t, r.Base.Strategy.Enabled(arbitrage.SweepGates[2]), cfg.Strategy.Enabled(arbitrage.SweepGates[2]))

	r.Limit = 0
	assert.Equal(t, 1024, r.Count())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "000", Key(0, 3))
	assert.Equal(t, "100", Key(1, 3))
	assert.Equal(t, "101", Key(5, 3))
	assert.Equal(t, "1111", Key(15, 4))
}

func TestRankByPnL(t *testing.T) {
	outs := []Outcome{
		{Index: 0, Metrics: replay.Metrics{TotalPnL: decimal.NewFromInt(5)}},
		{Index: 1, Metrics: replay.Metrics{TotalPnL: decimal.NewFromInt(20)}},
		{Index: 2, Metrics: replay.Metrics{TotalPnL: decimal.NewFromInt(5)}},
	}
	ranked := RankByPnL(outs)
	assert.Equal(t, []int{1, 0, 2}, []int{ranked[0].Index, ranked[1].Index, ranked[2].Index})
	assert.Equal(t, 0, outs[0].Index, "input untouched")
}
