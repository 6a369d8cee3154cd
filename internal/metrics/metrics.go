// Package metrics holds the Prometheus collectors for the mesh core,
// mirroring the isolated-registry shape of the teacher's pkg/p2pnet/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all mesh Prometheus metrics on an isolated registry so
// multiple mesh instances (and tests) never collide on the global default
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Connection Manager
	ConnectedPeers       *prometheus.GaugeVec
	HandshakeAttempts    *prometheus.CounterVec
	HandshakeDuration    *prometheus.HistogramVec
	SlotSetReclaims      prometheus.Counter

	// Peer Discovery / Eviction / Optimizer
	PeersDiscovered prometheus.Counter
	Evictions       *prometheus.CounterVec

	// Signaling
	SignalingReconnects *prometheus.CounterVec
	SignalingPingsSent  prometheus.Counter

	// Gossip
	GossipForwarded *prometheus.CounterVec
	GossipDropped   *prometheus.CounterVec
	GossipDelivered prometheus.Counter

	// WebDHT
	DHTOpsTotal       *prometheus.CounterVec
	DHTRecordCount    prometheus.Gauge
	DHTQueryDuration  prometheus.Histogram

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. version/goVersion are recorded as labels on the
// peerpigeon_mesh_build_info gauge, following metrics.go's NewMetrics.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectedPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerpigeon_mesh_connected_peers",
			Help: "Number of peers currently in the connected state.",
		}, []string{}),

		HandshakeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_handshake_attempts_total",
			Help: "Total handshake attempts by outcome.",
		}, []string{"outcome"}),

		HandshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerpigeon_mesh_handshake_duration_seconds",
			Help:    "Duration of successful handshakes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),

		SlotSetReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_slot_reclaims_total",
			Help: "Total stale slot reclamations during periodic cleanup.",
		}),

		PeersDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_peers_discovered_total",
			Help: "Total distinct peers discovered via the signaling relay.",
		}),

		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_evictions_total",
			Help: "Total peer evictions by reason.",
		}, []string{"reason"}),

		SignalingReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_signaling_reconnects_total",
			Help: "Total signaling relay reconnect attempts by outcome.",
		}, []string{"outcome"}),

		SignalingPingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_signaling_pings_sent_total",
			Help: "Total keep-alive pings sent to the signaling relay.",
		}),

		GossipForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_gossip_forwarded_total",
			Help: "Total gossip frames forwarded, by mode.",
		}, []string{"mode"}),

		GossipDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_gossip_dropped_total",
			Help: "Total gossip frames dropped, by reason.",
		}, []string{"reason"}),

		GossipDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_gossip_delivered_total",
			Help: "Total gossip frames delivered to the local application.",
		}),

		DHTOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpigeon_mesh_dht_ops_total",
			Help: "Total DHT operations by op and outcome.",
		}, []string{"op", "outcome"}),

		DHTRecordCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerpigeon_mesh_dht_records",
			Help: "Number of DHT records currently held locally.",
		}),

		DHTQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerpigeon_mesh_dht_query_duration_seconds",
			Help:    "Duration of DHT get() queries that had to go to the network.",
			Buckets: prometheus.DefBuckets,
		}),

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerpigeon_mesh_build_info",
			Help: "Build information.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.ConnectedPeers, m.HandshakeAttempts, m.HandshakeDuration, m.SlotSetReclaims,
		m.PeersDiscovered, m.Evictions,
		m.SignalingReconnects, m.SignalingPingsSent,
		m.GossipForwarded, m.GossipDropped, m.GossipDelivered,
		m.DHTOpsTotal, m.DHTRecordCount, m.DHTQueryDuration,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns the promhttp handler for this instance's isolated registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
