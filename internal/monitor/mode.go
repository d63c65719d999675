package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/malekhnovich/kalshi-arb/internal/metrics"
)

// Mode is how a monitor currently receives data
type Mode string

const (
	ModeWebSocket Mode = "websocket"
	ModePolling   Mode = "polling"
)

const (
	DefaultStreamFailures = 3
	DefaultStreamRetry    = 5 * time.Minute
)

// modeSwitch drops a monitor to polling after repeated stream failures and
// tries the stream again once retryAfter has passed
type modeSwitch struct {
	name        string
	maxFailures int
	retryAfter  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	mode     Mode
	failures int
	since    time.Time
}

func newModeSwitch(name string, stream bool, maxFailures int, retryAfter time.Duration) *modeSwitch {
	if maxFailures <= 0 {
		maxFailures = DefaultStreamFailures
	}
	if retryAfter <= 0 {
		retryAfter = DefaultStreamRetry
	}
	s := &modeSwitch{name: name, maxFailures: maxFailures, retryAfter: retryAfter, now: time.Now, mode: ModePolling}
	if stream {
		s.mode = ModeWebSocket
	}
	s.since = s.now()
	s.publish()
	return s
}

// Mode is the current mode
func (s *modeSwitch) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// next returns the mode for the next unit of work
func (s *modeSwitch) next(streamAvailable bool) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !streamAvailable {
		s.setLocked(ModePolling)
		return s.mode
	}
	if s.mode == ModePolling && s.now().Sub(s.since) >= s.retryAfter {
		log.Info().Str("monitor", s.name).Msg("🔌 Retrying stream")
		s.failures = 0
		s.setLocked(ModeWebSocket)
	}
	return s.mode
}

func (s *modeSwitch) streamOK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

func (s *modeSwitch) streamFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= s.maxFailures && s.mode == ModeWebSocket {
		log.Warn().Str("monitor", s.name).Err(err).Int("failures", s.failures).Msg("⚠️ Stream unavailable, falling back to polling")
		s.setLocked(ModePolling)
	}
}

func (s *modeSwitch) setLocked(m Mode) {
	if s.mode == m {
		return
	}
	s.mode = m
	s.since = s.now()
	s.publish()
}

func (s *modeSwitch) publish() {
	v := 0.0
	if s.mode == ModeWebSocket {
		v = 1
	}
	metrics.MonitorStreaming.WithLabelValues(s.name).Set(v)
}
