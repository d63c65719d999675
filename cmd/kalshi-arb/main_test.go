package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malekhnovich/kalshi-arb/internal/agent"
	"github.com/malekhnovich/kalshi-arb/internal/bus"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestDegradeRaisesAlert(t *testing.T) {
	b := bus.New()
	defer b.Close()

	got := make(chan bus.Alert, 2)
	b.Subscribe(bus.TopicAlert, func(_ context.Context, ev bus.Event) error {
		got <- ev.Payload.(bus.Alert)
		return nil
	})

	opts := agentOptions(b, "spot-monitor")
	opts.OnStateChange(agent.Running, agent.Degraded)

	select {
	case a := <-got:
		assert.Equal(t, "ERROR", a.Level)
		assert.Equal(t, "spot-monitor", a.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert")
	}

	opts.OnStateChange(agent.Starting, agent.Running)
	select {
	case a := <-got:
		t.Fatalf("unexpected alert %q", a.Message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUndeliveredAlertIsLogged(t *testing.T) {
	out := &syncBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out)
	defer func() { log.Logger = prev }()

	b := bus.New()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	b.Subscribe(bus.TopicAlert, func(_ context.Context, _ bus.Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, bus.WithQueue(1), bus.WithName("slow-sink"))
	defer func() {
		close(release)
		b.Close()
	}()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, bus.TopicAlert, bus.Alert{}))
	<-entered
	require.NoError(t, b.Publish(ctx, bus.TopicAlert, bus.Alert{}))

	agentOptions(b, "odds-monitor").OnStateChange(agent.Degraded, agent.Running)

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Alert not delivered")
	}, 2*time.Second, 5*time.Millisecond)
}
