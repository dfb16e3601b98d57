package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics uses bounded label values only: message types are folded to
// "unknown" when not recognised, and no label carries an identity.
type Metrics struct {
	registry *prometheus.Registry

	tickDuration  prometheus.Histogram
	connections   prometheus.Gauge
	lobbies       *prometheus.GaugeVec   // status
	packets       *prometheus.CounterVec // type
	dropped       *prometheus.CounterVec // reason
	matches       *prometheus.CounterVec // outcome
	persistErrors *prometheus.CounterVec // op
	panics        prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_tick_duration_seconds",
			Help:    "Time spent advancing one lobby by one tick",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_connections_active",
			Help: "Currently open client connections",
		}),
		lobbies: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_lobbies",
			Help: "Lobbies by status",
		}, []string{"status"}),
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_packets_total",
			Help: "Inbound packets dispatched, by message type",
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_packets_dropped_total",
			Help: "Packets or connections dropped, by reason",
		}, []string{"reason"}), // "rate_limit", "malformed", "unknown_type", "slow_consumer"
		matches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_matches_total",
			Help: "Matches by outcome",
		}, []string{"outcome"}), // "started", "finished", "abandoned"
		persistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_persistence_errors_total",
			Help: "Failed store calls, by operation",
		}, []string{"op"}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_handler_panics_total",
			Help: "Recovered panics inside the loop",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordTick(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetConnections(n int) {
	m.connections.Set(float64(n))
}

func (m *Metrics) SetLobbies(waiting, playing int) {
	m.lobbies.WithLabelValues(string(LobbyWaiting)).Set(float64(waiting))
	m.lobbies.WithLabelValues(string(LobbyPlaying)).Set(float64(playing))
}

func (m *Metrics) RecordPacket(msgType string) {
	if !isKnownMessageType(msgType) {
		msgType = "unknown"
	}
	m.packets.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMatch(outcome string) {
	m.matches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPersistError(op string) {
	m.persistErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordPanic() {
	m.panics.Inc()
}
