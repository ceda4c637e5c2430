// Package metrics exposes the daemon's Prometheus collectors. Unlike
// the teacher's package-level vars plus init()-time MustRegister, this
// groups the collectors into a Metrics struct registered against a
// caller-supplied registry, so tests can each use their own registry
// instead of fighting over the global one; the collector names, help
// text, and bucket choices otherwise follow ws/metrics.go directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon exposes.
type Metrics struct {
	PeersConnected   *prometheus.GaugeVec // by role: client, local_driver, remote_driver
	MessagesRouted   *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	QueueDrops       *prometheus.CounterVec // by peer kind, reason (quota, stream)
	DriverRestarts   prometheus.Counter
	SharedBufferAllocs prometheus.Counter
	BlobSerializeSeconds prometheus.Histogram
}

// New builds and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PeersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hydrogend_peers_connected",
			Help: "Current number of connected peers by role",
		}, []string{"role"}),

		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrogend_messages_routed_total",
			Help: "Total number of messages fanned out, by destination class",
		}, []string{"destination"}),

		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogend_bytes_sent_total",
			Help: "Total bytes written to peers",
		}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogend_bytes_received_total",
			Help: "Total bytes read from peers",
		}),

		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrogend_queue_drops_total",
			Help: "Total peer disconnections due to quota enforcement, by peer kind and reason",
		}, []string{"peer_kind", "reason"}),

		DriverRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogend_driver_restarts_total",
			Help: "Total number of local driver respawns",
		}),

		SharedBufferAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrogend_shared_buffer_allocs_total",
			Help: "Total number of memfd shared buffers allocated for BLOB transcoding",
		}),

		BlobSerializeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydrogend_blob_serialize_seconds",
			Help:    "Latency of BLOB (de)serialization, inline or attached",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PeersConnected,
		m.MessagesRouted,
		m.BytesSent,
		m.BytesReceived,
		m.QueueDrops,
		m.DriverRestarts,
		m.SharedBufferAllocs,
		m.BlobSerializeSeconds,
	)
	return m
}

// Handler returns an http.Handler serving reg in the Prometheus
// exposition format, mounted at /metrics the way ws/metrics.go does.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
