// Package metrics holds the Prometheus instruments for the live claim session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caseworker"

// Metrics contains all Prometheus metrics for the caseworker process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture / channel
	FramesSent    prometheus.Counter
	FramesDropped prometheus.Counter
	DocumentsSent *prometheus.CounterVec

	// Inbound
	ChunksScheduled prometheus.Counter
	ChunkDuration   prometheus.Histogram
	Interruptions   prometheus.Counter
	MalformedEvents prometheus.Counter
	ToolCalls       *prometheus.CounterVec

	// Session lifecycle
	Connects       *prometheus.CounterVec
	SessionState   *prometheus.GaugeVec
	TurnTimeouts   prometheus.Counter
	ConnectLatency prometheus.Histogram

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Microphone frames queued for the live session",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Microphone frames dropped because the outbound queue was full",
		}),
		DocumentsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_sent_total",
			Help:      "Document uploads by outcome",
		}, []string{"outcome"}),

		ChunksScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_scheduled_total",
			Help:      "Agent audio chunks scheduled for playback",
		}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_chunk_duration_seconds",
			Help:      "Duration of scheduled agent audio chunks",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Agent turns interrupted by the user",
		}),
		MalformedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Inbound messages that could not be decoded",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched by tool and outcome",
		}, []string{"tool", "outcome"}),

		Connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_connects_total",
			Help:      "Session connect attempts by outcome",
		}, []string{"outcome"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
		TurnTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_timeouts_total",
			Help:      "Speaking turns ended by the turn watchdog",
		}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_connect_duration_seconds",
			Help:      "Time from connect request to listening",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry exposes the underlying registry (for tests and custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) RecordDocument(outcome string) {
	if m == nil {
		return
	}
	m.DocumentsSent.WithLabelValues(outcome).Inc()
}

// RecordChunkScheduled records one scheduled playback chunk.
func (m *Metrics) RecordChunkScheduled(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksScheduled.Inc()
	m.ChunkDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

func (m *Metrics) RecordMalformedEvent() {
	if m == nil {
		return
	}
	m.MalformedEvents.Inc()
}

func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RecordConnect(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.ConnectLatency.Observe(durationSeconds)
	}
}

func (m *Metrics) RecordTurnTimeout() {
	if m == nil {
		return
	}
	m.TurnTimeouts.Inc()
}

// SetState marks state as current and clears every other known state.
func (m *Metrics) SetState(state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
