// kalshi-arb watches Binance spot candles and Kalshi crypto contract odds and
// signals when the odds lag a strong spot move.
//
// Pipeline:
// 1. SpotMonitor publishes closed candles with rolling momentum (PRICE_UPDATE)
// 2. OddsMonitor publishes open market quotes (KALSHI_ODDS)
// 3. The arbitrage detector pairs them and publishes ARBITRAGE_SIGNAL
// 4. Sinks deliver signals and alerts to the log and Telegram
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/malekhnovich/kalshi-arb/internal/agent"
	"github.com/malekhnovich/kalshi-arb/internal/arbitrage"
	"github.com/malekhnovich/kalshi-arb/internal/binance"
	"github.com/malekhnovich/kalshi-arb/internal/bus"
	"github.com/malekhnovich/kalshi-arb/internal/config"
	"github.com/malekhnovich/kalshi-arb/internal/kalshi"
	"github.com/malekhnovich/kalshi-arb/internal/market"
	"github.com/malekhnovich/kalshi-arb/internal/metrics"
	"github.com/malekhnovich/kalshi-arb/internal/monitor"
	"github.com/malekhnovich/kalshi-arb/internal/notify"
)

const version = "1.0.0"

// service is a supervised monitor
type service interface {
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Health() agent.Health
	Mode() monitor.Mode
}

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	strategy, err := config.LoadStrategy(cfg.StrategyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load strategy")
	}
	window := strategy.Window
	if cfg.StrategyFile == "" {
		window = market.Config{WindowSize: cfg.MomentumWindow, TrendSubWindow: cfg.TrendSubWindow}
	}

	log.Info().
		Str("version", version).
		Strs("symbols", cfg.Symbols).
		Strs("series", cfg.KalshiSeries).
		Bool("websockets", cfg.UseWebSockets).
		Strs("gates", strategy.Strategy.EnabledGates()).
		Msg("⚡ kalshi-arb starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ====== EVENT BUS ======
	b := bus.New()
	defer b.Close()

	// ====== EXCHANGE CLIENTS ======
	spotClient := binance.NewClient(cfg.BinanceAPIURL, cfg.BinanceWSURL)

	kopts := []kalshi.Option{kalshi.WithRateLimit(cfg.KalshiRateLimit)}
	var signer *kalshi.Signer
	if cfg.Authenticated() {
		signer, err = kalshi.LoadSigner(cfg.KalshiAPIKeyID, cfg.KalshiPrivateKeyPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load Kalshi key")
		}
		kopts = append(kopts, kalshi.WithSigner(signer))
		log.Info().Str("key_id", signer.KeyID()).Msg("🔑 Kalshi credentials loaded")
	} else {
		log.Warn().Msg("⚠️ No Kalshi credentials - odds by REST polling only")
	}
	oddsClient, err := kalshi.NewClient(cfg.KalshiAPIURL, kopts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kalshi client")
	}

	// The ticker channel needs an authenticated socket
	var quotes monitor.QuoteStream
	if cfg.UseWebSockets && signer != nil {
		quotes = kalshi.NewStream(cfg.KalshiWSURL, signer)
	}

	// ====== DETECTION ======
	engine, err := arbitrage.NewEngine(strategy.Strategy)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create arbitrage engine")
	}
	// Signals only: no positions are opened live, so the correlation check never blocks
	detector := arbitrage.NewDetector(engine, nil)
	sub := arbitrage.NewSubscriber(detector, b)
	sub.Attach()
	defer sub.Detach()

	// ====== NOTIFICATION SINKS ======
	notify.Attach(b, notify.LogSink{}, 64)
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram unavailable - log sink only")
		} else {
			notify.Attach(b, tg, 64)
		}
	}

	// ====== MONITORS ======
	spot := monitor.NewSpotMonitor(monitor.SpotConfig{
		Symbols:      cfg.Symbols,
		Interval:     cfg.SpotInterval,
		PollInterval: cfg.SpotPollInterval,
		UseStream:    cfg.UseWebSockets,
		Window:       window,
	}, spotClient, b, agentOptions(b, "spot-monitor"))

	odds := monitor.NewOddsMonitor(monitor.OddsConfig{
		Series:       cfg.KalshiSeries,
		PollInterval: cfg.OddsPollInterval,
		Resubscribe:  cfg.OddsResubscribe,
	}, oddsClient, quotes, b, agentOptions(b, "odds-monitor"))

	services := []service{spot, odds}

	// ====== RUN GROUP ======
	srv, err := metrics.Serve(cfg.MetricsAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start metrics endpoint")
	}
	log.Info().Str("addr", cfg.MetricsAddr).Msg("📊 Metrics endpoint started")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range services {
		s := s
		g.Go(func() error {
			if err := s.Start(gctx); err != nil {
				return err
			}
			<-s.Done()
			return nil
		})
	}
	g.Go(func() error {
		reportHealth(gctx, b, services, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	log.Info().Msg("✅ All systems online")

	<-gctx.Done()
	log.Info().Msg("🛑 Received shutdown signal")
	stop()

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	log.Info().Msg("👋 Goodbye!")
}

// agentOptions raises an alert whenever an agent degrades or recovers
func agentOptions(b *bus.Bus, name string) agent.Options {
	return agent.Options{
		Name: name,
		OnStateChange: func(from, to agent.State) {
			if to != agent.Degraded && from != agent.Degraded {
				return
			}
			level := "WARN"
			if to == agent.Degraded {
				level = "ERROR"
			}
			a := bus.Alert{
				Level:   level,
				Source:  name,
				Message: name + " " + from.String() + " → " + to.String(),
				Time:    time.Now(),
			}
			// the agent lock is held here
			go func() {
				if err := b.Publish(context.Background(), bus.TopicAlert, a); err != nil && !errors.Is(err, bus.ErrClosed) {
					log.Warn().Err(err).Str("agent", name).Msg("Alert not delivered")
				}
			}()
		},
	}
}

func reportHealth(ctx context.Context, b *bus.Bus, services []service, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range services {
				h := s.Health()
				log.Info().
					Str("agent", h.Name).
					Str("state", h.State.String()).
					Str("mode", string(s.Mode())).
					Int("failures", h.ConsecutiveFailures).
					Time("last_success", h.LastSuccess).
					Interface("breaker", h.Breaker).
					Msg("💓 Health")
			}
			log.Info().Interface("subscribers", b.GetStats()).Msg("📬 Bus")
		}
	}
}
