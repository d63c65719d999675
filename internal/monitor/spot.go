package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/agent"
	"github.com/malekhnovich/kalshi-arb/internal/bus"
	"github.com/malekhnovich/kalshi-arb/internal/market"
	"github.com/malekhnovich/kalshi-arb/internal/resilience"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPOT MONITOR - Closed candles in, PRICE_UPDATE out
// ═══════════════════════════════════════════════════════════════════════════════

// CandleFeed is the spot exchange
type CandleFeed interface {
	StreamCandles(ctx context.Context, symbols []string, interval string, fn func(types.PriceSample)) error
	LatestCandles(ctx context.Context, symbol, interval string, limit int) ([]types.PriceSample, error)
}

// SpotConfig configures a SpotMonitor
type SpotConfig struct {
	Symbols        []string
	Interval       string
	PollInterval   time.Duration
	UseStream      bool
	Window         market.Config
	StreamFailures int
	StreamRetry    time.Duration
}

// pollDepth is how many recent candles a poll asks for, so a slow poll
// still catches every close
const pollDepth = 5

// SpotMonitor feeds closed candles through a Tracker and publishes the
// annotated updates
type SpotMonitor struct {
	cfg   SpotConfig
	feed  CandleFeed
	bus   *bus.Bus
	mode  *modeSwitch
	agent *agent.Agent
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	tracker *market.Tracker
	warmed  bool
}

// NewSpotMonitor creates a stopped monitor. opts tunes its agent.
func NewSpotMonitor(cfg SpotConfig, feed CandleFeed, b *bus.Bus, opts agent.Options) *SpotMonitor {
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "spot-monitor"
	}
	m := &SpotMonitor{
		cfg:     cfg,
		feed:    feed,
		bus:     b,
		mode:    newModeSwitch(opts.Name, cfg.UseStream, cfg.StreamFailures, cfg.StreamRetry),
		sleep:   resilience.Sleep,
		tracker: market.NewTracker(cfg.Window),
	}
	m.agent = agent.New(opts, m.work)
	return m
}

// Start runs the monitor until ctx is done or Stop is called
func (m *SpotMonitor) Start(ctx context.Context) error { return m.agent.Start(ctx) }

// Stop halts the monitor
func (m *SpotMonitor) Stop() { m.agent.Stop() }

// Done closes when the monitor has stopped
func (m *SpotMonitor) Done() <-chan struct{} { return m.agent.Done() }

// Health of the underlying agent
func (m *SpotMonitor) Health() agent.Health { return m.agent.Health() }

// Mode reports websocket or polling
func (m *SpotMonitor) Mode() Mode { return m.mode.Mode() }

func (m *SpotMonitor) work(ctx context.Context) error {
	if !m.warmed {
		if err := m.warm(ctx); err != nil {
			return err
		}
		m.warmed = true
	}

	if m.mode.next(m.cfg.UseStream) == ModeWebSocket {
		// candles that closed while disconnected come from REST first
		if err := m.poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Spot backfill failed")
		}
		err := m.feed.StreamCandles(ctx, m.cfg.Symbols, m.cfg.Interval, func(s types.PriceSample) {
			m.mode.streamOK()
			m.ingest(ctx, s, true)
		})
		if ctx.Err() != nil {
			return nil
		}
		m.mode.streamFailed(err)
		return err
	}

	if err := m.poll(ctx); err != nil {
		return err
	}
	if err := m.sleep(ctx, m.cfg.PollInterval); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// poll publishes the newest closed candles of every symbol. The tracker
// drops the ones already seen.
func (m *SpotMonitor) poll(ctx context.Context) error {
	for _, sym := range m.cfg.Symbols {
		candles, err := m.feed.LatestCandles(ctx, sym, m.cfg.Interval, pollDepth)
		if err != nil {
			return err
		}
		for _, s := range candles {
			m.ingest(ctx, s, true)
		}
	}
	return nil
}

// warm fills each window with recent history without publishing, so the
// first live candle already has momentum
func (m *SpotMonitor) warm(ctx context.Context) error {
	size := m.cfg.Window.WindowSize
	if size <= 0 {
		size = market.DefaultConfig().WindowSize
	}
	for _, sym := range m.cfg.Symbols {
		candles, err := m.feed.LatestCandles(ctx, sym, m.cfg.Interval, size)
		if err != nil {
			return err
		}
		for _, s := range candles {
			m.ingest(ctx, s, false)
		}
		log.Info().Str("symbol", sym).Int("candles", len(candles)).Msg("📈 Spot window warmed")
	}
	return nil
}

func (m *SpotMonitor) ingest(ctx context.Context, s types.PriceSample, publish bool) {
	m.mu.Lock()
	u, err := m.tracker.Append(s)
	m.mu.Unlock()
	if err != nil {
		if !errors.Is(err, market.ErrDuplicate) && !errors.Is(err, market.ErrOutOfOrder) {
			log.Warn().Err(err).Str("symbol", s.Instrument).Msg("Candle rejected")
		}
		return
	}
	if !publish {
		return
	}

	log.Debug().
		Str("symbol", u.Sample.Instrument).
		Float64("close", u.Sample.Close).
		Float64("momentum", u.Sample.Momentum).
		Msg("Price update")
	if err := m.bus.Publish(ctx, bus.TopicPrice, u); err != nil && !errors.Is(err, bus.ErrBackpressure) {
		log.Warn().Err(err).Msg("Price publish failed")
	}
}
