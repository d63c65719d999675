package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/metrics"
	"github.com/malekhnovich/kalshi-arb/internal/resilience"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESILIENT AGENT - Retry + circuit breaker around one unit of work
// ═══════════════════════════════════════════════════════════════════════════════

// State of an agent
type State int

const (
	Stopped State = iota
	Starting
	Running
	Degraded
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Degraded:
		return "DEGRADED"
	}
	return "UNKNOWN"
}

var ErrAlreadyRunning = errors.New("agent: already running")

// Work is one poll or one stream frame. It must return when ctx is done.
type Work func(ctx context.Context) error

// Options tune an agent; zero values take the defaults
type Options struct {
	Name             string
	Backoff          resilience.Backoff
	FailureThreshold int
	Cooldown         time.Duration
	// Interval is the pause after a successful unit of work
	Interval time.Duration
	// OnStateChange runs with the agent lock held and must not call back into it
	OnStateChange func(from, to State)

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Health snapshot
type Health struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success_time"`
	LastError           string    `json:"last_error,omitempty"`

	Breaker map[string]interface{} `json:"breaker"`
}

// Agent runs its work in a loop until stopped
type Agent struct {
	opts    Options
	work    Work
	breaker *resilience.Breaker

	mu          sync.Mutex
	state       State
	lastSuccess time.Time
	lastErr     error
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a stopped agent
func New(opts Options, work Work) *Agent {
	if opts.Name == "" {
		opts.Name = "agent"
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = resilience.DefaultInitialBackoff
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = resilience.DefaultMaxBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Agent{
		opts:    opts,
		work:    work,
		breaker: resilience.NewBreaker(opts.Name, opts.FailureThreshold, opts.Cooldown).WithClock(opts.Now),
	}
}

// Name of the agent
func (a *Agent) Name() string { return a.opts.Name }

// Start launches the loop. The agent stops when ctx is done or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Stopped {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.setStateLocked(Starting)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	go a.loop(runCtx, done)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current run exits
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.done
}

// Health returns the current state
func (a *Agent) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := Health{
		Name:                a.opts.Name,
		State:               a.state,
		ConsecutiveFailures: a.breaker.Failures(),
		LastSuccess:         a.lastSuccess,
		Breaker:             a.breaker.GetStats(),
	}
	if a.lastErr != nil {
		h.LastError = a.lastErr.Error()
	}
	return h
}

func (a *Agent) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		a.setStateLocked(Stopped)
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
		a.mu.Unlock()
		close(done)
		log.Info().Str("agent", a.opts.Name).Msg("🛑 Agent stopped")
	}()

	a.setState(Running)
	log.Info().Str("agent", a.opts.Name).Msg("▶️ Agent running")

	for {
		if ctx.Err() != nil {
			return
		}

		if a.breaker.State() == resilience.Open {
			if err := a.opts.Sleep(ctx, a.breaker.Remaining()); err != nil {
				return
			}
			if !a.breaker.Allow() {
				continue
			}
			log.Info().Str("agent", a.opts.Name).Msg("🔎 Probing after cooldown")
		}

		err := a.work(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			a.recordSuccess()
			if a.opts.Interval > 0 {
				if err := a.opts.Sleep(ctx, a.opts.Interval); err != nil {
					return
				}
			}
			continue
		}

		if a.recordFailure(err) {
			continue
		}
		if err := a.opts.Sleep(ctx, a.opts.Backoff.Delay(a.breaker.Failures())); err != nil {
			return
		}
	}
}

func (a *Agent) recordSuccess() {
	a.breaker.Success()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSuccess = a.opts.Now()
	a.lastErr = nil
	if a.state == Degraded {
		a.setStateLocked(Running)
	}
}

// recordFailure returns true when the circuit is open
func (a *Agent) recordFailure(err error) bool {
	opened := a.breaker.Failure()
	metrics.AgentFailures.WithLabelValues(a.opts.Name).Inc()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = err
	log.Warn().
		Err(err).
		Str("agent", a.opts.Name).
		Int("consecutive_failures", a.breaker.Failures()).
		Msg("Unit of work failed")
	if opened && a.state != Degraded {
		a.setStateLocked(Degraded)
	}
	return opened
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setStateLocked(s)
}

func (a *Agent) setStateLocked(s State) {
	from := a.state
	if from == s {
		return
	}
	a.state = s
	metrics.AgentState.WithLabelValues(a.opts.Name).Set(float64(s))
	if a.opts.OnStateChange != nil {
		a.opts.OnStateChange(from, s)
	}
}
