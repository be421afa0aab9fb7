// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the gateway.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/voicegw/pkg/core"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionDuration  prometheus.Histogram
	ConnectionsRejected *prometheus.CounterVec

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	ErrorFrames    *prometheus.CounterVec

	// Audio metrics
	AudioBytesTotal prometheus.Counter

	// Producer metrics
	ProducerDuration *prometheus.HistogramVec
	ProducerErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicegw"
	}

	registry := prometheus.NewRegistry()

	connectionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Number of open websocket connections",
		},
	)

	connectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_total",
			Help:      "Total number of websocket connections by outcome",
		},
		[]string{"status"},
	)

	connectionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ws_connection_duration_seconds",
			Help:      "Websocket connection duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	connectionsRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_rejected_total",
			Help:      "Websocket upgrades rejected before a session started",
		},
		[]string{"reason"},
	)

	framesReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by message type",
		},
		[]string{"type"},
	)

	framesSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by message type",
		},
		[]string{"type"},
	)

	errorFrames := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_frames_total",
			Help:      "Error frames sent to clients by code",
		},
		[]string{"code"},
	)

	audioBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Decoded audio bytes accepted into session buffers",
		},
	)

	producerDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "producer_duration_seconds",
			Help:      "Transcript and response producer run time in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	producerErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "producer_errors_total",
			Help:      "Producer failures by kind and error type",
		},
		[]string{"kind", "error_type"},
	)

	registry.MustRegister(
		connectionsActive,
		connectionsTotal,
		connectionDuration,
		connectionsRejected,
		framesReceived,
		framesSent,
		errorFrames,
		audioBytesTotal,
		producerDuration,
		producerErrors,
	)

	return &Metrics{
		registry:            registry,
		ConnectionsActive:   connectionsActive,
		ConnectionsTotal:    connectionsTotal,
		ConnectionDuration:  connectionDuration,
		ConnectionsRejected: connectionsRejected,
		FramesReceived:      framesReceived,
		FramesSent:          framesSent,
		ErrorFrames:         errorFrames,
		AudioBytesTotal:     audioBytesTotal,
		ProducerDuration:    producerDuration,
		ProducerErrors:      producerErrors,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnectionStart records a websocket connection being accepted.
func (m *Metrics) RecordConnectionStart() {
	m.ConnectionsActive.Inc()
}

// RecordConnectionEnd records a websocket connection closing.
func (m *Metrics) RecordConnectionEnd(status string, duration time.Duration) {
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(status).Inc()
	m.ConnectionDuration.Observe(duration.Seconds())
}

// RecordRejected records an upgrade refused for reason.
func (m *Metrics) RecordRejected(reason string) {
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameReceived(messageType string) {
	m.FramesReceived.WithLabelValues(messageType).Inc()
}

func (m *Metrics) FrameSent(messageType string) {
	m.FramesSent.WithLabelValues(messageType).Inc()
}

func (m *Metrics) ErrorSent(code string) {
	m.ErrorFrames.WithLabelValues(code).Inc()
}

func (m *Metrics) AudioAccepted(bytes int) {
	if bytes > 0 {
		m.AudioBytesTotal.Add(float64(bytes))
	}
}

func (m *Metrics) ProducerFinished(kind string, elapsed time.Duration, err error) {
	m.ProducerDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		errType := string(core.TypeOf(err))
		if errType == "" {
			errType = "unknown"
		}
		m.ProducerErrors.WithLabelValues(kind, errType).Inc()
	}
}
