package replay

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malekhnovich/kalshi-arb/internal/risk"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

var t0 = time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)

const mkt = "KXBTCD-25MAR0415-T100000"

func exactExecution() Execution {
	return Execution{
		Stake:           100,
		FillProbability: 1,
		MinFillFraction: 1,
		MaxSlippage:     0,
		FeePerContract:  1,
		HoldDuration:    15 * time.Minute,
		Seed:            1,
	}
}

func openGate() *risk.Gate {
	return risk.NewGate(risk.Limits{MaxOpen: 10})
}

func upSignal(at time.Time, snapshotYes float64) types.Signal {
	return types.Signal{
		Instrument: "BTCUSDT",
		MarketID:   mkt,
		Direction:  types.Up,
		Confidence: 90,
		YesPrice:   snapshotYes,
		NoPrice:    100 - snapshotYes,
		Timestamp:  at,
	}
}

func trade(at time.Time, yes float64, volume int64) types.OddsSample {
	return types.OddsSample{
		MarketID:   mkt,
		Instrument: "BTCUSDT",
		Strike:     100000,
		Timestamp:  at,
		YesPrice:   yes,
		NoPrice:    100 - yes,
		Volume:     volume,
	}
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestEntryUsesNextTradeAndTimeExit(t *testing.T) {
	gate := openGate()
	sim := NewSimulator(exactExecution(), FallbackMarkToMarket, gate, nil, nil)

	require.True(t, sim.Enter(upSignal(t0, 3)))
	assert.True(t, gate.HasOpenPosition("BTCUSDT"), "pending entries hold the slot")

	sim.Advance(t0.Add(30 * time.Second))
	sim.OnOdds(trade(t0.Add(30*time.Second), 40, 1000))
	sim.OnOdds(trade(t0.Add(10*time.Minute), 60, 5))
	sim.Advance(t0.Add(16 * time.Minute))

	require.Len(t, sim.Trades(), 1)
	tr := sim.Trades()[0]
	assert.True(t, tr.EntryPrice.Equal(dec(40)), "entry at the next trade, not the 3¢ snapshot")
	assert.Equal(t, int64(250), tr.Size)
	assert.Equal(t, t0.Add(30*time.Second), tr.EntryTime)
	assert.Equal(t, t0.Add(15*time.Minute+30*time.Second), tr.ExitTime)
	assert.Equal(t, types.ExitTime, tr.ExitReason)
	assert.True(t, tr.ExitPrice.Equal(dec(60)))
	assert.True(t, tr.Fees.Equal(dec(5)), "entry and exit fee: %s", tr.Fees)
	assert.True(t, tr.PnL.Equal(dec(45)), "pnl %s", tr.PnL)
	assert.False(t, gate.HasOpenPosition("BTCUSDT"))
}

func TestFillCappedByTradeVolume(t *testing.T) {
	sim := NewSimulator(exactExecution(), FallbackMarkToMarket, openGate(), nil, nil)
	sim.Enter(upSignal(t0, 40))
	sim.OnOdds(trade(t0.Add(time.Second), 40, 100))
	sim.Finish(t0.Add(time.Hour))

	require.Len(t, sim.Trades(), 1)
	assert.Equal(t, int64(100), sim.Trades()[0].Size)
}

func TestEntryCapNeverGivesNegativeSlippage(t *testing.T) {
	exec := exactExecution()
	exec.MaxSlippage = 1
	sim := NewSimulator(exec, FallbackMarkToMarket, openGate(), nil, nil)
	sim.Enter(upSignal(t0, 40))
	sim.OnOdds(trade(t0.Add(time.Second), 99.5, 1000))
	sim.Finish(t0.Add(time.Hour))

	require.Len(t, sim.Trades(), 1)
	tr := sim.Trades()[0]
	assert.True(t, tr.EntryPrice.Equal(dec(99)), "entry %s", tr.EntryPrice)
	assert.True(t, tr.Slippage.IsZero(), "slippage %s", tr.Slippage)
}

func TestSettlementBeforeDeadline(t *testing.T) {
	settlement := types.Settlement{MarketID: mkt, Outcome: types.OutcomeYes, Timestamp: t0.Add(5 * time.Minute)}
	sim := NewSimulator(exactExecution(), FallbackMarkToMarket, openGate(), nil, []types.Settlement{settlement})

	sim.Enter(upSignal(t0, 40))
	sim.OnOdds(trade(t0.Add(time.Second), 40, 1000))
	sim.Advance(settlement.Timestamp)
	sim.OnSettlement(settlement)

	require.Len(t, sim.Trades(), 1)
	tr := sim.Trades()[0]
	assert.Equal(t, types.ExitSettlement, tr.ExitReason)
	assert.False(t, tr.Fallback)
	assert.True(t, tr.ExitPrice.Equal(dec(100)))
	assert.True(t, tr.PnL.Equal(dec(147.5)), "pnl %s", tr.PnL)
	assert.Equal(t, settlement.Timestamp, tr.ExitTime)
}

func TestDownTradeSettlesOnNo(t *testing.T) {
	settlement := types.Settlement{MarketID: mkt, Outcome: types.OutcomeYes, Timestamp: t0.Add(5 * time.Minute)}
	sim := NewSimulator(exactExecution(), FallbackMarkToMarket, openGate(), nil, []types.Settlement{settlement})

	sig := upSignal(t0, 40)
	sig.Direction = types.Down
	sim.Enter(sig)
	sim.OnOdds(trade(t0.Add(time.Second), 40, 1000))
	sim.OnSettlement(settlement)

	require.Len(t, sim.Trades(), 1)
	tr := sim.Trades()[0]
	assert.True(t, tr.EntryPrice.Equal(dec(60)), "bought NO at 100-yes")
	assert.True(t, tr.ExitPrice.IsZero())
	assert.True(t, tr.PnL.IsNegative())
}

func TestSettlementFallbacks(t *testing.T) {
	markets := []types.Market{{ID: mkt, Instrument: "BTCUSDT", Strike: 100000, Expiry: t0.Add(10 * time.Minute)}}

	run := func(fb SettlementFallback, settlements []types.Settlement) *Simulator {
		sim := NewSimulator(exactExecution(), fb, openGate(), markets, settlements)
		sim.OnPrice(types.PriceSample{Instrument: "BTCUSDT", Timestamp: t0, Close: 101000})
		sim.Enter(upSignal(t0, 40))
		sim.OnOdds(trade(t0.Add(time.Second), 40, 1000))
		sim.OnOdds(trade(t0.Add(9*time.Minute), 30, 5))
		sim.Advance(t0.Add(11 * time.Minute))
		sim.Finish(t0.Add(time.Hour))
		return sim
	}

	sim := run(FallbackMarkToMarket, nil)
	require.Len(t, sim.Trades(), 1)
	tr := sim.Trades()[0]
	assert.True(t, tr.Fallback)
	assert.Equal(t, types.ExitSettlement, tr.ExitReason)
	assert.Equal(t, t0.Add(10*time.Minute), tr.ExitTime)
	assert.True(t, tr.ExitPrice.Equal(dec(30)))

	sim = run(FallbackMomentum, nil)
	require.Len(t, sim.Trades(), 1)
	assert.True(t, sim.Trades()[0].Fallback)
	assert.True(t, sim.Trades()[0].ExitPrice.Equal(dec(100)), "spot above strike settles YES")

	sim = run(FallbackSkip, nil)
	assert.Empty(t, sim.Trades())
	assert.Len(t, sim.Unresolved(), 1)

	// a real settlement record disables the fallback even when it arrives late
	late := types.Settlement{MarketID: mkt, Outcome: types.OutcomeNo, Timestamp: t0.Add(2 * time.Hour)}
	for _, fb := range []SettlementFallback{FallbackMarkToMarket, FallbackMomentum, FallbackSkip} {
		sim = run(fb, []types.Settlement{late})
		require.Len(t, sim.Trades(), 1, fb)
		assert.False(t, sim.Trades()[0].Fallback, fb)
		assert.Equal(t, types.ExitTime, sim.Trades()[0].ExitReason, fb)
	}
}

func TestNoFillOutcomes(t *testing.T) {
	exec := exactExecution()
	exec.FillProbability = 0
	gate := openGate()
	sim := NewSimulator(exec, FallbackMarkToMarket, gate, nil, nil)
	sim.Enter(upSignal(t0, 40))
	sim.OnOdds(trade(t0.Add(time.Second), 40, 1000))
	require.Len(t, sim.NoFills(), 1)
	assert.Equal(t, types.NoFillMissed, sim.NoFills()[0].Reason)
	assert.Zero(t, gate.Open())

	sim = NewSimulator(exactExecution(), FallbackMarkToMarket, openGate(), nil, nil)
	sim.Enter(upSignal(t0, 40))
	sim.OnOdds(trade(t0.Add(time.Second), 100, 1000))
	sim.Enter(upSignal(t0.Add(time.Minute), 40))
	sim.OnOdds(trade(t0.Add(2*time.Minute), 40, 0))
	require.Len(t, sim.NoFills(), 2)
	assert.Equal(t, types.NoFillNoLiquidity, sim.NoFills()[0].Reason)
	assert.Equal(t, types.NoFillNoLiquidity, sim.NoFills()[1].Reason)

	exec = exactExecution()
	exec.Stake = 0.1
	sim = NewSimulator(exec, FallbackMarkToMarket, openGate(), nil, nil)
	sim.Enter(upSignal(t0, 40))
	sim.OnOdds(trade(t0.Add(time.Second), 40, 1000))
	require.Len(t, sim.NoFills(), 1)
	assert.Equal(t, types.NoFillZeroQuantity, sim.NoFills()[0].Reason)

	markets := []types.Market{{ID: mkt, Expiry: t0.Add(5 * time.Minute)}}
	sim = NewSimulator(exactExecution(), FallbackMarkToMarket, openGate(), markets, nil)
	sim.Enter(upSignal(t0, 40))
	sim.Advance(t0.Add(6 * time.Minute))
	require.Len(t, sim.NoFills(), 1)
	assert.Equal(t, types.NoFillNoPrice, sim.NoFills()[0].Reason)
	assert.Empty(t, sim.Trades())
}

func TestRiskRejectionDoesNotQueue(t *testing.T) {
	sim := NewSimulator(exactExecution(), FallbackMarkToMarket, risk.NewGate(risk.Limits{MinConfidence: 95, MaxOpen: 1}), nil, nil)
	assert.False(t, sim.Enter(upSignal(t0, 40)))
	assert.Zero(t, sim.OpenCount())
}
