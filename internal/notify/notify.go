// Package notify delivers admitted signals and bus alerts to operators
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/bus"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Sink receives signals
type Sink interface {
	Name() string
	Notify(ctx context.Context, sig types.Signal) error
}

// AlertSink also receives bus alerts
type AlertSink interface {
	Sink
	Alert(ctx context.Context, a bus.Alert) error
}

// Attach subscribes s to signals on its own bounded queue, so a slow sink
// never stalls detection. Alert sinks also get the alert topic.
func Attach(b *bus.Bus, s Sink, queue int) []bus.Token {
	tokens := []bus.Token{
		b.Subscribe(bus.TopicSignal, func(ctx context.Context, ev bus.Event) error {
			sig, ok := ev.Payload.(types.Signal)
			if !ok {
				return fmt.Errorf("signal topic: unexpected payload %T", ev.Payload)
			}
			return s.Notify(ctx, sig)
		}, bus.WithQueue(queue), bus.WithName(s.Name())),
	}
	if as, ok := s.(AlertSink); ok {
		tokens = append(tokens, b.Subscribe(bus.TopicAlert, func(ctx context.Context, ev bus.Event) error {
			a, ok := ev.Payload.(bus.Alert)
			if !ok {
				return fmt.Errorf("alert topic: unexpected payload %T", ev.Payload)
			}
			return as.Alert(ctx, a)
		}, bus.WithQueue(queue), bus.WithName(s.Name()+"-alerts")))
	}
	log.Info().Str("sink", s.Name()).Msg("🔔 Notification sink attached")
	return tokens
}

// LogSink writes signals to the log
type LogSink struct{}

func (LogSink) Name() string { return "log-sink" }

func (LogSink) Notify(_ context.Context, sig types.Signal) error {
	log.Info().
		Str("instrument", sig.Instrument).
		Str("market", sig.MarketID).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Float64("spread", sig.Spread).
		Float64("fair", sig.FairProbability).
		Strs("gates", sig.Gates).
		Msg(sig.Recommendation)
	return nil
}

func (LogSink) Alert(_ context.Context, a bus.Alert) error {
	log.Warn().
		Str("level", a.Level).
		Str("source", a.Source).
		Interface("details", a.Details).
		Msg(a.Message)
	return nil
}

// FormatSignal renders a signal as a Markdown message
func FormatSignal(sig types.Signal) string {
	emoji := "🟢"
	if sig.Direction == types.Down {
		emoji = "🔴"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s LAG SIGNAL*\n\n", emoji, sig.Instrument)
	fmt.Fprintf(&b, "*Market:* `%s`\n", sig.MarketID)
	fmt.Fprintf(&b, "*Action:* BUY %s\n", sig.Side())
	fmt.Fprintf(&b, "*Momentum:* %.0f%%\n", sig.Momentum)
	fmt.Fprintf(&b, "*Odds:* YES %.0f¢ / NO %.0f¢\n", sig.YesPrice, sig.NoPrice)
	fmt.Fprintf(&b, "*Spread:* %.1f pts\n", sig.Spread)
	fmt.Fprintf(&b, "*Confidence:* %.0f%%\n", sig.Confidence)
	if sig.Strike > 0 {
		fmt.Fprintf(&b, "*Spot/Strike:* %.2f / %.2f\n", sig.SpotPrice, sig.Strike)
	}
	fmt.Fprintf(&b, "\n_%s_", sig.Timestamp.UTC().Format("15:04:05 MST"))
	return b.String()
}
