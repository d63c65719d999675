package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/arbitrage"
	"github.com/malekhnovich/kalshi-arb/internal/market"
	"github.com/malekhnovich/kalshi-arb/internal/risk"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Dataset is everything one replay reads. Prices are raw candles; the engine
// annotates them with momentum, trend and volatility as it goes.
type Dataset struct {
	Instrument  string              `json:"instrument"`
	Range       types.Range         `json:"range"`
	Prices      []types.PriceSample `json:"prices"`
	Odds        []types.OddsSample  `json:"odds"`
	Markets     []types.Market      `json:"markets"`
	Settlements []types.Settlement  `json:"settlements"`
}

// Result is one run's full output: the config snapshot, every signal, the
// ledger and its metrics
type Result struct {
	Config     Config         `json:"config"`
	Gates      []string       `json:"gates"`
	Signals    []types.Signal `json:"signals"`
	Rejected   int            `json:"risk_rejected"`
	Trades     []types.Trade  `json:"trades"`
	NoFills    []types.NoFill `json:"no_fills"`
	Unresolved []types.Trade  `json:"unresolved"`
	Skipped    int            `json:"skipped_samples"`
	Metrics    Metrics        `json:"metrics"`
}

// Engine replays datasets under one fixed Config
type Engine struct {
	cfg Config
}

// New validates cfg and returns an engine
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the run configuration
func (e *Engine) Config() Config { return e.cfg }

// Run replays ds single-threaded. The same dataset and config always produce
// the same Result.
func (e *Engine) Run(ctx context.Context, ds Dataset) (Result, error) {
	engine, err := arbitrage.NewEngine(e.cfg.Strategy)
	if err != nil {
		return Result{}, err
	}
	gate := risk.NewGate(e.cfg.Risk)
	tracker := market.NewTracker(e.cfg.Window)
	det := arbitrage.NewDetector(engine, gate)
	sim := NewSimulator(e.cfg.Execution, e.cfg.Fallback, gate, ds.Markets, ds.Settlements)

	res := Result{Config: e.cfg, Gates: e.cfg.Strategy.EnabledGates()}
	events := Merge(ds.Prices, ds.Odds, ds.Settlements)

	var last time.Time
	for i, ev := range events {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		sim.Advance(ev.Time)
		last = ev.Time

		var signals []types.Signal
		switch ev.Kind {
		case KindPrice:
			u, err := tracker.Append(*ev.Price)
			if err != nil {
				if errors.Is(err, market.ErrDuplicate) || errors.Is(err, market.ErrOutOfOrder) {
					res.Skipped++
					continue
				}
				return Result{}, fmt.Errorf("replay price %s: %w", ev.Time, err)
			}
			sim.OnPrice(u.Sample)
			signals = det.OnPrice(u)
		case KindOdds:
			sim.OnOdds(*ev.Odds)
			signals = det.OnOdds(*ev.Odds)
		case KindSettlement:
			sim.OnSettlement(*ev.Settlement)
		}

		for _, sig := range signals {
			res.Signals = append(res.Signals, sig)
			if !sim.Enter(sig) {
				res.Rejected++
			}
		}
	}

	end := ds.Range.End
	if end.IsZero() || end.Before(last) {
		end = last
	}
	sim.Finish(end)

	res.Trades = sim.Trades()
	res.NoFills = sim.NoFills()
	res.Unresolved = sim.Unresolved()

	window := ds.Range
	if !window.Valid() && len(events) > 0 {
		window = types.Range{Start: events[0].Time, End: last}
	}
	res.Metrics = ComputeMetrics(res.Trades, res.NoFills, window)
	res.Metrics.Signals = len(res.Signals)
	res.Metrics.Unresolved = len(res.Unresolved)

	log.Debug().
		Str("instrument", ds.Instrument).
		Strs("gates", res.Gates).
		Int("events", len(events)).
		Int("signals", res.Metrics.Signals).
		Int("trades", res.Metrics.Trades).
		Int("no_fills", res.Metrics.NoFills).
		Str("pnl", res.Metrics.TotalPnL.StringFixed(2)).
		Interface("risk", gate.GetStats()).
		Msg("Replay finished")
	return res, nil
}
