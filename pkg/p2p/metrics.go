package p2p

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all overlay Prometheus collectors.
// Uses an isolated prometheus.Registry so node metrics don't collide with
// the global default registry. Each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Envelope dispatch
	EnvelopesTotal        *prometheus.CounterVec
	EnvelopesDroppedTotal *prometheus.CounterVec

	// Gossip + membership
	GossipRoundsTotal prometheus.Counter
	KnownPeers        prometheus.Gauge
	AlivePeers        prometheus.Gauge
	NeighborStreams   *prometheus.GaugeVec

	// Event flooding
	EventsForwardedTotal *prometheus.CounterVec
	EventsEmittedTotal   *prometheus.CounterVec

	// Memory-API router
	RPCTotal           *prometheus.CounterVec
	RPCDurationSeconds *prometheus.HistogramVec

	// Agent runtime
	AgentTicksTotal  *prometheus.CounterVec
	AgentErrorsTotal *prometheus.CounterVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered on
// an isolated registry. version and goVersion become labels on the
// mnemo_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		EnvelopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemo_envelopes_total",
				Help: "Total envelopes dispatched by message type.",
			},
			[]string{"msg_type"},
		),
		EnvelopesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemo_envelopes_dropped_total",
				Help: "Total envelopes dropped before dispatch.",
			},
			[]string{"reason"},
		),

		GossipRoundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mnemo_gossip_rounds_total",
				Help: "Total gossip rounds pushed.",
			},
		),
		KnownPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mnemo_known_peers",
				Help: "Number of peers in the routing table, any status.",
			},
		),
		AlivePeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mnemo_alive_peers",
				Help: "Number of peers currently marked alive.",
			},
		),
		NeighborStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mnemo_neighbor_streams",
				Help: "Open neighbour streams by direction.",
			},
			[]string{"direction"},
		),

		EventsForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemo_events_forwarded_total",
				Help: "Total event envelopes re-flooded to neighbours.",
			},
			[]string{"event_type"},
		),
		EventsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemo_events_emitted_total",
				Help: "Total event envelopes originated by this node.",
			},
			[]string{"event_type"},
		),

		RPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemo_rpc_total",
				Help: "Total memory-API calls by method, target, and result.",
			},
			[]string{"method", "target", "result"},
		),
		RPCDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mnemo_rpc_duration_seconds",
				Help:    "Duration of memory-API calls in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2m
			},
			[]string{"method", "target"},
		),

		AgentTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemo_agent_ticks_total",
				Help: "Total agent process ticks by agent and trigger.",
			},
			[]string{"agent", "trigger"},
		),
		AgentErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mnemo_agent_errors_total",
				Help: "Total agent tick failures.",
			},
			[]string{"agent"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mnemo_info",
				Help: "Build information for the running node.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.EnvelopesTotal,
		m.EnvelopesDroppedTotal,
		m.GossipRoundsTotal,
		m.KnownPeers,
		m.AlivePeers,
		m.NeighborStreams,
		m.EventsForwardedTotal,
		m.EventsEmittedTotal,
		m.RPCTotal,
		m.RPCDurationSeconds,
		m.AgentTicksTotal,
		m.AgentErrorsTotal,
		m.BuildInfo,
	)

	// Always 1; the labels carry the data.
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
