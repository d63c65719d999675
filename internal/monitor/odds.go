package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/agent"
	"github.com/malekhnovich/kalshi-arb/internal/bus"
	"github.com/malekhnovich/kalshi-arb/internal/kalshi"
	"github.com/malekhnovich/kalshi-arb/internal/resilience"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ODDS MONITOR - Kalshi quotes in, KALSHI_ODDS out
// ═══════════════════════════════════════════════════════════════════════════════

// MarketFeed is the prediction market REST API
type MarketFeed interface {
	OpenMarkets(ctx context.Context, series string) ([]types.OddsSample, error)
	FetchMarkets(ctx context.Context, q kalshi.MarketQuery) ([]types.Market, error)
}

// QuoteStream pushes quotes for a fixed set of markets
type QuoteStream interface {
	Run(ctx context.Context, markets []types.Market, fn func(types.OddsSample)) error
}

// OddsConfig configures an OddsMonitor
type OddsConfig struct {
	Series       []string
	PollInterval time.Duration
	// Resubscribe bounds one stream session so newly listed markets are picked up
	Resubscribe    time.Duration
	StreamFailures int
	StreamRetry    time.Duration
}

// OddsMonitor publishes prediction market quotes, streaming when a
// QuoteStream is given and polling otherwise
type OddsMonitor struct {
	cfg    OddsConfig
	feed   MarketFeed
	stream QuoteStream
	bus    *bus.Bus
	mode   *modeSwitch
	agent  *agent.Agent
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewOddsMonitor creates a stopped monitor. stream may be nil.
func NewOddsMonitor(cfg OddsConfig, feed MarketFeed, stream QuoteStream, b *bus.Bus, opts agent.Options) *OddsMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Resubscribe <= 0 {
		cfg.Resubscribe = 15 * time.Minute
	}
	if opts.Name == "" {
		opts.Name = "odds-monitor"
	}
	m := &OddsMonitor{
		cfg:    cfg,
		feed:   feed,
		stream: stream,
		bus:    b,
		mode:   newModeSwitch(opts.Name, stream != nil, cfg.StreamFailures, cfg.StreamRetry),
		sleep:  resilience.Sleep,
	}
	m.agent = agent.New(opts, m.work)
	return m
}

// Start runs the monitor until ctx is done or Stop is called
func (m *OddsMonitor) Start(ctx context.Context) error { return m.agent.Start(ctx) }

// Stop halts the monitor
func (m *OddsMonitor) Stop() { m.agent.Stop() }

// Done closes when the monitor has stopped
func (m *OddsMonitor) Done() <-chan struct{} { return m.agent.Done() }

// Health of the underlying agent
func (m *OddsMonitor) Health() agent.Health { return m.agent.Health() }

// Mode reports websocket or polling
func (m *OddsMonitor) Mode() Mode { return m.mode.Mode() }

func (m *OddsMonitor) work(ctx context.Context) error {
	if m.mode.next(m.stream != nil) == ModeWebSocket {
		return m.streamOnce(ctx)
	}

	for _, series := range m.cfg.Series {
		quotes, err := m.feed.OpenMarkets(ctx, series)
		if err != nil {
			return err
		}
		for _, o := range quotes {
			m.publish(ctx, o)
		}
	}
	return m.pause(ctx)
}

func (m *OddsMonitor) streamOnce(ctx context.Context) error {
	var markets []types.Market
	for _, series := range m.cfg.Series {
		ms, err := m.feed.FetchMarkets(ctx, kalshi.MarketQuery{Series: series, Status: "open"})
		if err != nil {
			return err
		}
		markets = append(markets, ms...)
	}
	if len(markets) == 0 {
		log.Debug().Strs("series", m.cfg.Series).Msg("No open markets to stream")
		return m.pause(ctx)
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.Resubscribe)
	defer cancel()
	err := m.stream.Run(sctx, markets, func(o types.OddsSample) {
		m.mode.streamOK()
		m.publish(ctx, o)
	})
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	m.mode.streamFailed(err)
	return err
}

func (m *OddsMonitor) pause(ctx context.Context) error {
	if err := m.sleep(ctx, m.cfg.PollInterval); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (m *OddsMonitor) publish(ctx context.Context, o types.OddsSample) {
	if o.Instrument == "" {
		o.Instrument = kalshi.InstrumentFor(o.MarketID)
	}
	log.Debug().
		Str("market", o.MarketID).
		Float64("yes", o.YesPrice).
		Float64("no", o.NoPrice).
		Msg("Odds update")
	if err := m.bus.Publish(ctx, bus.TopicOdds, o); err != nil && !errors.Is(err, bus.ErrBackpressure) {
		log.Warn().Err(err).Msg("Odds publish failed")
	}
}
