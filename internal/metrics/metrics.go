package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kalshi_arb_bus_events_total", Help: "Events published on the bus"},
		[]string{"topic"},
	)
	Backpressure = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kalshi_arb_bus_backpressure_total", Help: "Deliveries refused by a full subscriber queue"},
		[]string{"topic"},
	)
	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kalshi_arb_bus_handler_failures_total", Help: "Subscriber handler errors and panics"},
		[]string{"topic"},
	)
	AgentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kalshi_arb_agent_failures_total", Help: "Failed agent units of work"},
		[]string{"agent"},
	)
	AgentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "kalshi_arb_agent_state", Help: "0 stopped, 1 starting, 2 running, 3 degraded"},
		[]string{"agent"},
	)
	MonitorStreaming = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "kalshi_arb_monitor_streaming", Help: "1 when a monitor reads a stream, 0 when polling"},
		[]string{"monitor"},
	)
	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kalshi_arb_signals_total", Help: "Signals admitted by the aggregator"},
		[]string{"instrument", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublished, Backpressure, HandlerFailures,
		AgentFailures, AgentState, MonitorStreaming, SignalsEmitted,
	)
}

// Serve binds addr and exposes /metrics in the background. Bind failures
// are returned; later serve errors are logged.
func Serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("❌ Metrics server failed")
		}
	}()
	return srv, nil
}
