// Package metric provides Prometheus metrics collection and monitoring.
package metric

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// systemMetricsInterval is the interval for collecting system-level metrics.
const systemMetricsInterval = 5 * time.Second

// Metrics contains the Prometheus metrics server and registered custom metrics.
type Metrics struct {
	httpServer           *http.Server
	config               Config
	webSocketConnections prometheus.Gauge
	activeCalls          prometheus.Gauge
	envelopes            *prometheus.CounterVec
	callOutcomes         *prometheus.CounterVec
	cpuUsage             prometheus.Gauge
	memoryUsage          prometheus.Gauge
}

// New creates a new Metrics instance with the specified configuration.
func New(config Config) *Metrics {
	config.SetDefault()
	return &Metrics{
		config: config,
		webSocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections_total",
			Help: "Current number of WebSocket connections.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_calls_total",
			Help: "Current number of calls that have not ended.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_envelopes_total",
			Help: "Number of signaling envelopes relayed, by type.",
		}, []string{"type"}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "call_outcomes_total",
			Help: "Number of ended calls, by outcome.",
		}, []string{"outcome"}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percentage",
			Help: "CPU usage percentage.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Current memory usage in bytes.",
		}),
	}
}

// RegisterMetrics registers custom metrics with Prometheus.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(m.webSocketConnections)
	prometheus.MustRegister(m.activeCalls)
	prometheus.MustRegister(m.envelopes)
	prometheus.MustRegister(m.callOutcomes)
	prometheus.MustRegister(m.cpuUsage)
	prometheus.MustRegister(m.memoryUsage)
}

// Start initializes and starts the metrics HTTP server.
func (m *Metrics) Start() {
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.Handler())
	m.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.config.Port),
		Handler: mux,
	}

	go func() {
		log.Info().Str("module", "metric").Msgf("starting metrics server on port %d at path %s", m.config.Port, m.config.Path)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Str("module", "metric").Err(err).Msg("failed to start metrics server")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (m *Metrics) Stop() error {
	if m.httpServer != nil {
		log.Info().Str("module", "metric").Msgf("stopping metrics server on port %d", m.config.Port)
		return m.httpServer.Close()
	}
	return nil
}

// UpdateSystemMetrics collects and updates system-level metrics periodically.
func (m *Metrics) UpdateSystemMetrics() {
	go func() {
		for {
			if stat, err := mem.VirtualMemory(); err == nil {
				m.memoryUsage.Set(float64(stat.Used))
			}
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				m.cpuUsage.Set(percents[0])
			}
			time.Sleep(systemMetricsInterval)
		}
	}()
}

// IncrementWebSocketConnections increments the WebSocket connection count.
func (m *Metrics) IncrementWebSocketConnections() {
	m.webSocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection count.
func (m *Metrics) DecrementWebSocketConnections() {
	m.webSocketConnections.Dec()
}

// IncrementActiveCalls increments the active call count.
func (m *Metrics) IncrementActiveCalls() {
	m.activeCalls.Inc()
}

// DecrementActiveCalls decrements the active call count.
func (m *Metrics) DecrementActiveCalls() {
	m.activeCalls.Dec()
}

// CountEnvelope counts a relayed envelope by its type.
func (m *Metrics) CountEnvelope(envelopeType string) {
	m.envelopes.WithLabelValues(envelopeType).Inc()
}

// CountCallOutcome counts an ended call by its outcome.
func (m *Metrics) CountCallOutcome(outcome string) {
	m.callOutcomes.WithLabelValues(outcome).Inc()
}
