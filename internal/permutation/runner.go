package permutation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/malekhnovich/kalshi-arb/internal/arbitrage"
	"github.com/malekhnovich/kalshi-arb/internal/replay"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERMUTATION RUNNER - One replay per gate assignment
// ═══════════════════════════════════════════════════════════════════════════════
//
// Assignment index i switches gate j on when bit j of i is set. The key is
// the same bits written gate by gate, so "101" means gates 0 and 2 are on.
//
// ═══════════════════════════════════════════════════════════════════════════════

var ErrStartOutOfRange = errors.New("start index out of range")

// maxGates keeps the assignment count inside an int
const maxGates = 20

// Outcome is one assignment's summary
type Outcome struct {
	Index   int            `json:"index"`
	Key     string         `json:"key"`
	Enabled []string       `json:"enabled"`
	Metrics replay.Metrics `json:"metrics"`
}

// Runner sweeps the gate assignments of a base config
type Runner struct {
	Base    replay.Config
	Gates   []arbitrage.Gate
	Limit   int // sweep only the first Limit gates; 0 sweeps all
	Workers int // 0 uses GOMAXPROCS

	// OnOutcome is called once per finished assignment, never concurrently
	OnOutcome func(Outcome)
}

// NewRunner sweeps the default gate set over base
func NewRunner(base replay.Config) *Runner {
	return &Runner{Base: base, Gates: arbitrage.SweepGates}
}

// Active returns the gates being swept
func (r *Runner) Active() []arbitrage.Gate {
	if r.Limit > 0 && r.Limit < len(r.Gates) {
		return r.Gates[:r.Limit]
	}
	return r.Gates
}

// Count is the number of assignments
func (r *Runner) Count() int {
	return 1 << len(r.Active())
}

// Key is the bit pattern of index over n gates
func Key(index, n int) string {
	var b strings.Builder
	for j := 0; j < n; j++ {
		if index>>j&1 == 1 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Assignment returns the config for index. Gates outside the swept set keep
// their base setting.
func (r *Runner) Assignment(index int) replay.Config {
	cfg := r.Base
	for j, g := range r.Active() {
		cfg.Strategy = cfg.Strategy.With(g, index>>j&1 == 1)
	}
	return cfg
}

// Run replays ds once per assignment from start to the last, in parallel.
// Each run owns its own engine state and only reads ds. Outcomes are sorted
// by index.
func (r *Runner) Run(ctx context.Context, ds replay.Dataset, start int) ([]Outcome, error) {
	gates := r.Active()
	if len(gates) > maxGates {
		return nil, fmt.Errorf("%d gates exceeds the %d gate limit", len(gates), maxGates)
	}
	total := r.Count()
	if start < 0 || start >= total {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrStartOutOfRange, start, total)
	}
	for i := start; i < total; i++ {
		if err := r.Assignment(i).Validate(); err != nil {
			return nil, fmt.Errorf("assignment %s: %w", Key(i, len(gates)), err)
		}
	}

	workers := r.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	log.Info().
		Int("gates", len(gates)).
		Int("runs", total-start).
		Int("start", start).
		Int("workers", workers).
		Msg("🔀 Permutation sweep starting")

	outcomes := make([]Outcome, total-start)
	var mu sync.Mutex
	done := 0

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i := start; i < total; i++ {
		index := i
		group.Go(func() error {
			out, err := r.runOne(gctx, ds, index, len(gates))
			if err != nil {
				return err
			}
			outcomes[index-start] = out

			mu.Lock()
			defer mu.Unlock()
			done++
			if r.OnOutcome != nil {
				r.OnOutcome(out)
			}
			log.Debug().
				Str("key", out.Key).
				Int("done", done).
				Int("runs", total-start).
				Int("signals", out.Metrics.Signals).
				Str("pnl", out.Metrics.TotalPnL.StringFixed(2)).
				Msg("Permutation finished")
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (r *Runner) runOne(ctx context.Context, ds replay.Dataset, index, n int) (Outcome, error) {
	cfg := r.Assignment(index)
	eng, err := replay.New(cfg)
	if err != nil {
		return Outcome{}, err
	}
	res, err := eng.Run(ctx, ds)
	if err != nil {
		return Outcome{}, fmt.Errorf("assignment %s: %w", Key(index, n), err)
	}
	return Outcome{
		Index:   index,
		Key:     Key(index, n),
		Enabled: cfg.Strategy.EnabledGates(),
		Metrics: res.Metrics,
	}, nil
}

// RankByPnL orders outcomes by total P&L, best first, ties by index
func RankByPnL(outcomes []Outcome) []Outcome {
	out := make([]Outcome, len(outcomes))
	copy(out, outcomes)
	sort.SliceStable(out, func(i, j int) bool {
		c := out[i].Metrics.TotalPnL.Cmp(out[j].Metrics.TotalPnL)
		if c != 0 {
			return c > 0
		}
		return out[i].Index < out[j].Index
	})
	return out
}
