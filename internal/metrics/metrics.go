// Package metrics exposes presenced's Prometheus instrumentation: connection and fan-out counters the gateway
// updates directly, plus a periodically sampled set of system gauges. Grounded on the sibling WebSocket relay's
// internal/metrics package, generalized from its NATS-specific counters to the topic-bus fan-out this gateway
// actually performs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway updates. A single instance is constructed at startup and
// threaded through the Hub and its background monitors.
type Metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionErrors  *prometheus.CounterVec

	loginsTotal    *prometheus.CounterVec
	resumesTotal   *prometheus.CounterVec
	framesReceived prometheus.Counter
	framesSent     prometheus.Counter

	fanOutWidth   prometheus.Histogram
	publishTotal  *prometheus.CounterVec
	publishErrors *prometheus.CounterVec

	channelsCreated prometheus.Counter
	channelMembers  prometheus.Gauge

	livenessSweepDuration prometheus.Histogram
	livenessSweepChanges  prometheus.Counter

	goroutines  prometheus.Gauge
	memoryBytes prometheus.Gauge
	cpuPercent  prometheus.Gauge
}

// New constructs every collector and registers it with reg. Call sites almost always pass
// prometheus.DefaultRegisterer; tests pass a throwaway prometheus.NewRegistry() so repeated construction within one
// test binary does not panic on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "presenced_gateway_connections_total",
			Help: "Total number of WebSocket connections accepted.",
		}),
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "presenced_gateway_connections_active",
			Help: "Number of currently open WebSocket connections (windows), across all users.",
		}),
		connectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_gateway_connection_errors_total",
			Help: "Total number of connection-terminating errors, labeled by gatewayerr.Kind.",
		}, []string{"kind"}),

		loginsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_gateway_logins_total",
			Help: "Total number of completed logins, labeled by path (guest, token, resume).",
		}, []string{"path"}),
		resumesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_gateway_resumes_total",
			Help: "Total number of session resume attempts, labeled by outcome (ok, expired).",
		}, []string{"outcome"}),
		framesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "presenced_gateway_frames_received_total",
			Help: "Total number of client frames decoded and dispatched.",
		}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "presenced_gateway_frames_sent_total",
			Help: "Total number of server frames enqueued for delivery.",
		}),

		fanOutWidth: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "presenced_gateway_fanout_width",
			Help:    "Number of local connections a single topic event was delivered to.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		publishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_gateway_publish_total",
			Help: "Total number of topic publishes, labeled by topic kind (presence, channel).",
		}, []string{"topic_kind"}),
		publishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presenced_gateway_publish_errors_total",
			Help: "Total number of failed topic publishes, labeled by topic kind.",
		}, []string{"topic_kind"}),

		channelsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "presenced_gateway_channels_created_total",
			Help: "Total number of channels created.",
		}),
		channelMembers: f.NewGauge(prometheus.GaugeOpts{
			Name: "presenced_gateway_channel_memberships_active",
			Help: "Number of currently active channel memberships handled by this process's connections.",
		}),

		livenessSweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "presenced_gateway_liveness_sweep_duration_seconds",
			Help:    "Duration of each liveness sweep pass.",
			Buckets: prometheus.DefBuckets,
		}),
		livenessSweepChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "presenced_gateway_liveness_sweep_changes_total",
			Help: "Total number of presence changes (away transitions, expired custom statuses) applied by the liveness sweep.",
		}),

		goroutines: f.NewGauge(prometheus.GaugeOpts{
			Name: "presenced_process_goroutines",
			Help: "Current number of goroutines, sampled periodically.",
		}),
		memoryBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "presenced_process_heap_alloc_bytes",
			Help: "Current heap allocation in bytes, sampled periodically.",
		}),
		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "presenced_process_cpu_percent",
			Help: "Host-wide CPU usage percentage across all cores, smoothed, sampled periodically.",
		}),
	}
}

// ConnectionOpened records a newly accepted WebSocket connection.
func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed records a connection tearing down, optionally due to an error kind (empty string for a clean
// disconnect).
func (m *Metrics) ConnectionClosed(errKind string) {
	m.connectionsActive.Dec()
	if errKind != "" {
		m.connectionErrors.WithLabelValues(errKind).Inc()
	}
}

// LoginCompleted records a successful login along the given path ("guest", "token", or "resume").
func (m *Metrics) LoginCompleted(path string) {
	m.loginsTotal.WithLabelValues(path).Inc()
}

// ResumeAttempted records the outcome of a resume-token lookup ("ok" or "expired").
func (m *Metrics) ResumeAttempted(outcome string) {
	m.resumesTotal.WithLabelValues(outcome).Inc()
}

// FrameReceived records one decoded client frame.
func (m *Metrics) FrameReceived() { m.framesReceived.Inc() }

// FrameSent records one frame enqueued for delivery to a client.
func (m *Metrics) FrameSent() { m.framesSent.Inc() }

// PublishObserved records one topic event being fanned out locally and the number of local connections it reached.
// Called by each process's Hub as it routes an event off the topic bus, not by the publisher, since only the
// receiving side knows how many of its own connections subscribe to that topic.
func (m *Metrics) PublishObserved(topicKind string, width int) {
	m.publishTotal.WithLabelValues(topicKind).Inc()
	m.fanOutWidth.Observe(float64(width))
}

// PublishFailed records a failed topic publish.
func (m *Metrics) PublishFailed(topicKind string) {
	m.publishErrors.WithLabelValues(topicKind).Inc()
}

// ChannelCreated records a new channel.
func (m *Metrics) ChannelCreated() { m.channelsCreated.Inc() }

// SetActiveChannelMemberships sets the current gauge of channel memberships tracked locally.
func (m *Metrics) SetActiveChannelMemberships(n int) { m.channelMembers.Set(float64(n)) }

// LivenessSweepObserved records the duration of a liveness sweep and how many presence changes it applied.
func (m *Metrics) LivenessSweepObserved(d time.Duration, changes int) {
	m.livenessSweepDuration.Observe(d.Seconds())
	m.livenessSweepChanges.Add(float64(changes))
}

// UpdateSystemGauges sets the process-level gauges from a Sample.
func (m *Metrics) UpdateSystemGauges(s Sample) {
	m.goroutines.Set(float64(s.Goroutines))
	m.memoryBytes.Set(float64(s.HeapAllocBytes))
	m.cpuPercent.Set(s.CPUPercent)
}
