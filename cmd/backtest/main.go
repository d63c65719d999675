// backtest replays a cached historical window through the arbitrage engine,
// either once under the strategy file or as a sweep over every on/off
// assignment of the strategy gates.
//
//	backtest -instrument BTCUSDT -days 7
//	backtest -instrument ETHUSDT -start 2025-03-01 -end 2025-03-08 -permutations -limit-gates 6 -workers 8
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/cache"
	"github.com/malekhnovich/kalshi-arb/internal/config"
	"github.com/malekhnovich/kalshi-arb/internal/history"
	"github.com/malekhnovich/kalshi-arb/internal/permutation"
	"github.com/malekhnovich/kalshi-arb/internal/replay"
)

func main() {
	var (
		instrument   = flag.String("instrument", "BTCUSDT", "spot instrument")
		series       = flag.String("series", "", "Kalshi series (default derived from the instrument)")
		start        = flag.String("start", "", "window start, date or RFC 3339")
		end          = flag.String("end", "", "window end, date or RFC 3339 (default: this hour)")
		days         = flag.Int("days", 7, "window length when -start is empty")
		strategyFile = flag.String("strategy", "", "strategy file (default: STRATEGY_FILE)")
		permutations = flag.Bool("permutations", false, "sweep every gate assignment")
		limitGates   = flag.Int("limit-gates", 0, "sweep only the first N gates")
		startIndex   = flag.Int("start-index", 0, "first assignment to run, for resuming a sweep")
		workers      = flag.Int("workers", 0, "parallel replays (default GOMAXPROCS)")
		top          = flag.Int("top", 10, "assignments to print after a sweep")
		save         = flag.Bool("save", true, "store run summaries in the cache database")
		out          = flag.String("out", "", "write the full result as JSON to this file")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *strategyFile == "" {
		*strategyFile = cfg.StrategyFile
	}
	if *series == "" {
		*series = history.DefaultSeries(*instrument)
	}

	base, err := config.LoadStrategy(*strategyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load strategy")
	}
	window, err := history.ParseRange(*start, *end, *days, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid window")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, store, err := history.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history")
	}
	defer store.Close()

	ds, err := loader.Dataset(ctx, strings.ToUpper(*instrument), *series, window)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load dataset")
	}

	batch := uuid.NewString()
	if *permutations {
		runner := permutation.NewRunner(base)
		runner.Limit = *limitGates
		runner.Workers = *workers
		if *save {
			runner.OnOutcome = func(o permutation.Outcome) {
				saveRun(ctx, store, batch, ds, o.Key, o.Enabled, o.Metrics)
			}
		}
		outcomes, err := runner.Run(ctx, ds, *startIndex)
		if err != nil {
			log.Fatal().Err(err).Msg("Permutation sweep failed")
		}
		printSweep(permutation.RankByPnL(outcomes), *top)
		writeJSON(*out, outcomes)
		return
	}

	eng, err := replay.New(base)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid replay config")
	}
	res, err := eng.Run(ctx, ds)
	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}
	if *save {
		saveRun(ctx, store, batch, ds, "base", res.Gates, res.Metrics)
	}
	printResult(ds, res)
	writeJSON(*out, res)
}

func saveRun(ctx context.Context, store *cache.Cache, batch string, ds replay.Dataset, key string, gates []string, m replay.Metrics) {
	rec := &cache.RunRecord{
		Batch:      batch,
		Instrument: ds.Instrument,
		Key:        key,
		Gates:      strings.Join(gates, ","),
		RangeStart: ds.Range.Start,
		RangeEnd:   ds.Range.End,
		Signals:    m.Signals,
		Trades:     m.Trades,
		TotalPnL:   m.TotalPnL.StringFixed(2),
	}
	if err := store.SaveRun(ctx, rec, m); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to save run")
	}
}

func printResult(ds replay.Dataset, res replay.Result) {
	m := res.Metrics
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Printf(" %s  %s → %s\n", ds.Instrument, ds.Range.Start.Format("Jan 2 15:04"), ds.Range.End.Format("Jan 2 15:04"))
	fmt.Printf(" Gates: %s\n", strings.Join(res.Gates, ", "))
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Println("│ TIME        │ MARKET                      │ DIR  │ ENTRY │ EXIT  │ P&L      │ EXIT REASON")
	for _, t := range res.Trades {
		fmt.Printf("│ %-11s │ %-27s │ %-4s │ %4s¢ │ %4s¢ │ %8s │ %s\n",
			t.EntryTime.Format("Jan 2 15:04"),
			t.MarketID,
			string(t.Direction),
			t.EntryPrice.StringFixed(0),
			t.ExitPrice.StringFixed(0),
			t.PnL.StringFixed(2),
			t.ExitReason,
		)
	}
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Printf("\n📈 SUMMARY:\n")
	fmt.Printf("   Signals: %d | Risk rejected: %d | Trades: %d | No-fills: %d | Unresolved: %d\n",
		m.Signals, res.Rejected, m.Trades, m.NoFills, m.Unresolved)
	fmt.Printf("   Wins: %d | Losses: %d | Win Rate: %.1f%%\n", m.Wins, m.Losses, m.WinRate)
	fmt.Printf("   Total P&L: $%s | Fees: $%s | Max Drawdown: $%s\n",
		m.TotalPnL.StringFixed(2), m.TotalFees.StringFixed(2), m.MaxDrawdown.StringFixed(2))
	fmt.Printf("   Profit Factor: %.2f | Return on Risk: %.2f | Trades/Day: %.2f\n",
		m.ProfitFactor, m.ReturnOnRisk, m.TradesPerDay)
}

func printSweep(ranked []permutation.Outcome, top int) {
	if top > len(ranked) {
		top = len(ranked)
	}
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Println("│ KEY          │ TRADES │ WIN %  │ P&L       │ DRAWDOWN │ GATES")
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	for _, o := range ranked[:top] {
		m := o.Metrics
		fmt.Printf("│ %-12s │ %6d │ %5.1f%% │ %9s │ %8s │ %s\n",
			o.Key, m.Trades, m.WinRate, m.TotalPnL.StringFixed(2), m.MaxDrawdown.StringFixed(2),
			strings.Join(o.Enabled, ","))
	}
	fmt.Printf("\n%d assignments replayed\n", len(ranked))
}

func writeJSON(path string, v interface{}) {
	if path == "" {
		return
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode result")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to write result")
	}
	log.Info().Str("file", path).Msg("💾 Result written")
}
