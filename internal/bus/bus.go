package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/metrics"
	"github.com/malekhnovich/kalshi-arb/internal/resilience"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT BUS - Routes events from monitors to subscribers by topic
// ═══════════════════════════════════════════════════════════════════════════════

// Topic names an event stream
type Topic string

const (
	TopicPrice  Topic = "PRICE_UPDATE"
	TopicOdds   Topic = "KALSHI_ODDS"
	TopicSignal Topic = "ARBITRAGE_SIGNAL"
	TopicAlert  Topic = "ALERT"
)

var (
	ErrBackpressure = errors.New("bus: subscriber queue full")
	ErrClosed       = errors.New("bus: closed")
)

// BackpressureError lists the subscribers that refused an event
type BackpressureError struct {
	Topic       Topic
	Subscribers []string
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("bus: %s queue full for %s", e.Topic, strings.Join(e.Subscribers, ","))
}

func (e *BackpressureError) Unwrap() error { return ErrBackpressure }

// Event is what handlers receive
type Event struct {
	Topic   Topic
	Payload interface{}
	Time    time.Time
}

// Alert is the payload of TopicAlert events
type Alert struct {
	Level   string
	Message string
	Source  string
	Details map[string]interface{}
	Time    time.Time
}

// Handler consumes one event. Returned errors and panics count as failures.
type Handler func(ctx context.Context, ev Event) error

// Token identifies a subscription
type Token uint64

type subscription struct {
	token   Token
	topic   Topic
	name    string
	handler Handler
	breaker *resilience.Breaker

	mu     sync.Mutex
	queue  chan Event // nil for synchronous delivery
	size   int
	closed bool
}

func (s *subscription) enqueue(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.queue != nil {
		close(s.queue)
	}
}

// SubscribeOption configures one subscription
type SubscribeOption func(*subscription)

// WithQueue delivers through a bounded queue of n events on its own goroutine
func WithQueue(n int) SubscribeOption {
	return func(s *subscription) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithName labels the subscriber in logs and alerts
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Option configures the bus
type Option func(*Bus)

// WithBreaker sets the per-subscriber failure isolation policy
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(b *Bus) {
		b.threshold = threshold
		b.cooldown = cooldown
	}
}

// WithClock swaps the time source used for event stamps and cooldowns
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus is an in-process publish/subscribe router
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	tokens map[Token]*subscription
	next   Token
	closed bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an event bus
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:      make(map[Topic][]*subscription),
		tokens:    make(map[Token]*subscription),
		threshold: resilience.DefaultThreshold,
		cooldown:  resilience.DefaultCooldown,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for topic and returns its token
func (b *Bus) Subscribe(topic Topic, h Handler, opts ...SubscribeOption) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	s := &subscription{token: b.next, topic: topic, handler: h}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = fmt.Sprintf("%s#%d", topic, s.token)
	}
	s.breaker = resilience.NewBreaker(s.name, b.threshold, b.cooldown).WithClock(b.now)

	if b.closed {
		s.closed = true
		return s.token
	}

	if s.size > 0 {
		s.queue = make(chan Event, s.size)
		b.wg.Add(1)
		go b.drain(s)
	}

	b.subs[topic] = append(b.subs[topic], s)
	b.tokens[s.token] = s

	log.Debug().Str("topic", string(topic)).Str("subscriber", s.name).Int("queue", s.size).Msg("Subscribed")
	return s.token
}

// Unsubscribe removes a subscription. Events already queued are still delivered.
func (b *Bus) Unsubscribe(tok Token) bool {
	b.mu.Lock()
	s, ok := b.tokens[tok]
	if ok {
		delete(b.tokens, tok)
		list := b.subs[s.topic]
		for i, x := range list {
			if x == s {
				b.subs[s.topic] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if ok {
		s.close()
	}
	return ok
}

// Subscribers returns the number of subscribers on topic
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers payload to every subscriber of topic in subscription order.
// Synchronous subscribers run on the caller's goroutine. A full bounded queue
// yields a *BackpressureError after the remaining subscribers are served.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload interface{}) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload, Time: b.now()}
	metrics.EventsPublished.WithLabelValues(string(topic)).Inc()

	var full []string
	for _, s := range subs {
		if s.queue != nil {
			if !s.enqueue(ev) {
				full = append(full, s.name)
			}
			continue
		}
		b.deliver(ctx, s, ev)
	}

	if len(full) > 0 {
		metrics.Backpressure.WithLabelValues(string(topic)).Add(float64(len(full)))
		log.Warn().Str("topic", string(topic)).Strs("subscribers", full).Msg("⚠️ Subscriber queue full")
		return &BackpressureError{Topic: topic, Subscribers: full}
	}
	return nil
}

func (b *Bus) drain(s *subscription) {
	defer b.wg.Done()
	for ev := range s.queue {
		b.deliver(b.ctx, s, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, ev Event) {
	if !s.breaker.Allow() {
		log.Debug().Str("topic", string(ev.Topic)).Str("subscriber", s.name).Msg("Subscriber suspended, event skipped")
		return
	}

	err := invoke(ctx, s.handler, ev)
	if err == nil {
		s.breaker.Success()
		return
	}

	metrics.HandlerFailures.WithLabelValues(string(ev.Topic)).Inc()
	suspended := s.breaker.Failure()
	log.Error().
		Err(err).
		Str("topic", string(ev.Topic)).
		Str("subscriber", s.name).
		Bool("suspended", suspended).
		Msg("❌ Handler failed")

	// alert handlers failing must not feed back into the alert topic
	if ev.Topic == TopicAlert {
		return
	}
	alert := Alert{
		Level:   "ERROR",
		Message: "handler failed",
		Source:  s.name,
		Details: map[string]interface{}{
			"topic":     string(ev.Topic),
			"error":     err.Error(),
			"suspended": suspended,
		},
		Time: b.now(),
	}
	if perr := b.Publish(ctx, TopicAlert, alert); perr != nil && !errors.Is(perr, ErrClosed) {
		log.Warn().Err(perr).Msg("Alert not delivered")
	}
}

func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Close stops accepting events, drains the bounded queues and waits for them
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, s := range b.tokens {
		all = append(all, s)
	}
	b.subs = make(map[Topic][]*subscription)
	b.tokens = make(map[Token]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	b.wg.Wait()
	b.cancel()
}

// GetStats returns subscriber counts per topic
func (b *Bus) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make(map[string]interface{}, len(b.subs))
	for topic, list := range b.subs {
		stats[string(topic)] = len(list)
	}
	return stats
}
