package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Isolation after consecutive failures
// ═══════════════════════════════════════════════════════════════════════════════

// State of a breaker
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

const (
	DefaultThreshold = 5
	DefaultCooldown  = 60 * time.Second
)

// Breaker opens after threshold consecutive failures, stays open for the
// cooldown, then lets exactly one probe through. A failed probe reopens it.
type Breaker struct {
	mu sync.Mutex

	// Configuration
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	// State
	state    State
	failures int
	openedAt time.Time
	trips    int
}

// NewBreaker creates a breaker; zero values fall back to the defaults
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock swaps the time source
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Allow reports whether the protected call may run now. In the open state it
// moves to half-open once the cooldown has elapsed and admits one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		// probe already in flight
		return false
	}
}

// Success closes the breaker and clears the failure count
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		log.Info().Str("breaker", b.name).Msg("✅ Circuit closed after probe")
	}
	b.state = Closed
	b.failures = 0
}

// Failure records a failed call and reports whether the breaker is now open
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		if b.failures >= b.threshold {
			b.trip()
		}
	}
	return b.state == Open
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.trips++
	log.Warn().
		Str("breaker", b.name).
		Int("consecutive_failures", b.failures).
		Dur("cooldown", b.cooldown).
		Msg("🚨 CIRCUIT OPEN")
}

// State returns the current state without side effects
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Remaining is the time left in the cooldown, zero unless open
func (b *Breaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	left := b.cooldown - b.now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// GetStats returns breaker statistics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"name":     b.name,
		"state":    b.state.String(),
		"failures": b.failures,
		"trips":    b.trips,
	}
}
