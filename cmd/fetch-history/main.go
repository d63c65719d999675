// fetch-history warms the historical cache for a window so later backtests
// replay offline. Every configured symbol is loaded with its daily series.
//
//	fetch-history -days 30
//	fetch-history -symbols BTCUSDT -series KXBTCD -start 2025-03-01 -end 2025-03-08
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/config"
	"github.com/malekhnovich/kalshi-arb/internal/history"
)

func main() {
	var (
		symbols = flag.String("symbols", "", "comma list of instruments (default: SYMBOLS)")
		series  = flag.String("series", "", "Kalshi series for every symbol (default derived per symbol)")
		start   = flag.String("start", "", "window start, date or RFC 3339")
		end     = flag.String("end", "", "window end, date or RFC 3339 (default: this hour)")
		days    = flag.Int("days", 7, "window length when -start is empty")
		workers = flag.Int("workers", 4, "concurrent market fetches")
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

	instruments := cfg.Symbols
	if *symbols != "" {
		instruments = strings.Split(strings.ToUpper(*symbols), ",")
	}
	window, err := history.ParseRange(*start, *end, *days, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid window")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, store, err := history.Open(cfg, history.WithWorkers(*workers))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history")
	}
	defer store.Close()

	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Println("│ INSTRUMENT │ SERIES     │ CANDLES │ MARKETS │ ODDS    │ SETTLED │ TOOK")
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	failed := 0
	for _, inst := range instruments {
		inst = strings.TrimSpace(inst)
		s := *series
		if s == "" {
			s = history.DefaultSeries(inst)
		}

		began := time.Now()
		ds, err := loader.Dataset(ctx, inst, s, window)
		if err != nil {
			failed++
			log.Error().Err(err).Str("instrument", inst).Str("series", s).Msg("❌ Fetch failed")
			continue
		}
		fmt.Printf("│ %-10s │ %-10s │ %7d │ %7d │ %7d │ %7d │ %s\n",
			inst, s, len(ds.Prices), len(ds.Markets), len(ds.Odds), len(ds.Settlements),
			time.Since(began).Round(time.Millisecond))
	}
	fmt.Println("═══════════════════════════════════════════════════════════════════════")

	if stats, err := store.GetStats(); err == nil {
		log.Info().Interface("cache", stats).Msg("📦 Cache warmed")
	}
	if failed > 0 {
		store.Close()
		os.Exit(1)
	}
}
