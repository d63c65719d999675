package arbitrage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/bus"
	"github.com/malekhnovich/kalshi-arb/internal/market"
	"github.com/malekhnovich/kalshi-arb/internal/metrics"
	"github.com/malekhnovich/kalshi-arb/internal/types"
)

// Subscriber connects a Detector to the bus: price and odds in, signals out
type Subscriber struct {
	det    *Detector
	bus    *bus.Bus
	tokens []bus.Token
}

// NewSubscriber creates a subscriber; call Attach to start receiving
func NewSubscriber(det *Detector, b *bus.Bus) *Subscriber {
	return &Subscriber{det: det, bus: b}
}

// Attach subscribes to the price and odds topics
func (s *Subscriber) Attach() {
	s.tokens = append(s.tokens,
		s.bus.Subscribe(bus.TopicPrice, s.onPrice, bus.WithName("arbitrage-price")),
		s.bus.Subscribe(bus.TopicOdds, s.onOdds, bus.WithName("arbitrage-odds")),
	)
	log.Info().Msg("🎯 Arbitrage detector attached")
}

// Detach removes the subscriptions
func (s *Subscriber) Detach() {
	for _, tok := range s.tokens {
		s.bus.Unsubscribe(tok)
	}
	s.tokens = nil
}

func (s *Subscriber) onPrice(ctx context.Context, ev bus.Event) error {
	u, ok := ev.Payload.(market.Update)
	if !ok {
		return fmt.Errorf("price topic: unexpected payload %T", ev.Payload)
	}
	return s.emit(ctx, s.det.OnPrice(u))
}

func (s *Subscriber) onOdds(ctx context.Context, ev bus.Event) error {
	o, ok := ev.Payload.(types.OddsSample)
	if !ok {
		return fmt.Errorf("odds topic: unexpected payload %T", ev.Payload)
	}
	return s.emit(ctx, s.det.OnOdds(o))
}

func (s *Subscriber) emit(ctx context.Context, signals []types.Signal) error {
	for _, sig := range signals {
		metrics.SignalsEmitted.WithLabelValues(sig.Instrument, string(sig.Direction)).Inc()
		log.Info().
			Str("instrument", sig.Instrument).
			Str("market", sig.MarketID).
			Str("direction", string(sig.Direction)).
			Float64("confidence", sig.Confidence).
			Float64("spread", sig.Spread).
			Msg("🚨 ARBITRAGE SIGNAL")
		if err := s.bus.Publish(ctx, bus.TopicSignal, sig); err != nil {
			// sink backpressure is not a detector failure
			if errors.Is(err, bus.ErrBackpressure) {
				continue
			}
			return err
		}
	}
	return nil
}
