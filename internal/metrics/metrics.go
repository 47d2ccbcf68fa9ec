// Package metrics provides Prometheus metrics for filemesh nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all filemesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds all Prometheus metrics for one filemesh node.
type Metrics struct {
	// Delta log
	DeltaBatchesWritten prometheus.Counter
	DeltaBytesWritten   prometheus.Counter

	// Broadcast channel
	BroadcastsSent        prometheus.Counter
	BroadcastSendFailures prometheus.Counter
	BroadcastsReceived    prometheus.Counter
	BroadcastsRateLimited prometheus.Counter
	BroadcastsRejected    prometheus.Counter

	// Mutation protocol
	CommitsApplied         prometheus.Counter
	RetirementsCompleted   prometheus.Counter
	RetirementsSkipped     prometheus.Counter
	RetirementsFailed      prometheus.Counter
	PhysicalDeleteFailures prometheus.Counter

	// Cache index
	SegmentsLive       prometheus.Gauge
	SegmentsTombstoned prometheus.Gauge
}

// New initializes all metrics on the given registerer with the node name
// as a constant label. Tests pass a throwaway registry; the binary passes
// Registry.
func New(reg prometheus.Registerer, node string) *Metrics {
	constLabels := prometheus.Labels{"node": node}

	counter := func(name, help string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	return &Metrics{
		DeltaBatchesWritten: counter("filemesh_delta_batches_written_total",
			"Delta batches persisted to the durable log"),
		DeltaBytesWritten: counter("filemesh_delta_bytes_written_total",
			"Compressed bytes persisted to the durable delta log"),

		BroadcastsSent: counter("filemesh_broadcasts_sent_total",
			"Delta batch messages sent to peers"),
		BroadcastSendFailures: counter("filemesh_broadcast_send_failures_total",
			"Delta batch messages that failed to reach a peer (swallowed)"),
		BroadcastsReceived: counter("filemesh_broadcasts_received_total",
			"Delta batch messages received from peers and applied"),
		BroadcastsRateLimited: counter("filemesh_broadcasts_rate_limited_total",
			"Inbound broadcast messages dropped by the rate limiter"),
		BroadcastsRejected: counter("filemesh_broadcasts_rejected_total",
			"Inbound broadcast messages rejected as malformed or incompatible"),

		CommitsApplied: counter("filemesh_commits_applied_total",
			"Ingestion commit batches recorded in the catalog"),
		RetirementsCompleted: counter("filemesh_retirements_completed_total",
			"Segments logically retired from the catalog"),
		RetirementsSkipped: counter("filemesh_retirements_skipped_total",
			"Retirement requests ignored because the key was malformed"),
		RetirementsFailed: counter("filemesh_retirements_failed_total",
			"Retirement requests that failed before durable persistence"),
		PhysicalDeleteFailures: counter("filemesh_physical_delete_failures_total",
			"Best-effort physical object deletions that failed"),

		SegmentsLive: gauge("filemesh_segments_live",
			"Live segment entries in the local file list cache"),
		SegmentsTombstoned: gauge("filemesh_segments_tombstoned",
			"Tombstoned segment entries in the local file list cache"),
	}
}

// Handler returns an HTTP handler serving the filemesh registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
