// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Call metrics
	CallsTotal   prometheus.Counter
	CallsActive  prometheus.Gauge
	CallDuration prometheus.Histogram

	// Model leg metrics
	ModelConnects       *prometheus.CounterVec
	ModelConnectLatency prometheus.Histogram
	ModelLegsActive     prometheus.Gauge

	// Media metrics
	MediaFramesReceived prometheus.Counter
	InputCommits        prometheus.Counter
	AudioDeltasSent     prometheus.Counter
	EnvelopesDropped    *prometheus.CounterVec

	// Barge-in metrics
	Truncations      prometheus.Counter
	TruncatedAudioMs prometheus.Histogram

	// Tool metrics
	ToolCalls       *prometheus.CounterVec
	ToolCallLatency *prometheus.HistogramVec

	// Observer metrics
	ObserversActive prometheus.Gauge
	ObserverDrops   prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTErrors *prometheus.CounterVec

	// gRPC metrics
	GRPCRequests       *prometheus.CounterVec
	GRPCRequestLatency *prometheus.HistogramVec
	GRPCStreamsTotal   prometheus.Counter
	GRPCStreamsActive  prometheus.Gauge
	GRPCStreamsFailed  prometheus.Counter
	GRPCStreamDuration prometheus.Histogram
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls started",
		}),
		CallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of currently registered calls",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of calls in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		ModelConnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_connects_total",
			Help:      "Model leg connection attempts",
		}, []string{"result"}),
		ModelConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_connect_latency_seconds",
			Help:      "Model leg handshake latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ModelLegsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_legs_active",
			Help:      "Number of open model legs",
		}),

		MediaFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_received_total",
			Help:      "Total telephony media frames received",
		}),
		InputCommits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_commits_total",
			Help:      "Total input audio buffer commits sent to the model leg",
		}),
		AudioDeltasSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_deltas_sent_total",
			Help:      "Total model audio deltas relayed to the telephony leg",
		}),
		EnvelopesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Inbound frames dropped before processing",
		}, []string{"leg", "reason"}),

		Truncations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Total barge-in truncations",
		}),
		TruncatedAudioMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "truncated_audio_ms",
			Help:      "Audio played before barge-in, in milliseconds",
			Buckets:   []float64{0, 100, 250, 500, 1000, 2000, 5000, 10000},
		}),

		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total tool calls dispatched",
		}, []string{"tool", "result"}),
		ToolCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_latency_seconds",
			Help:      "Tool handler latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 12, 30},
		}, []string{"tool"}),

		ObserversActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_active",
			Help:      "Number of attached observer connections",
		}),
		ObserverDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_drops_total",
			Help:      "Observer connections dropped after a failed write",
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of caller transcription errors",
		}, []string{"provider", "error_type"}),

		GRPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC unary calls by method and status code",
		}, []string{"method", "code"}),
		GRPCRequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_latency_seconds",
			Help:      "gRPC unary call latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
		GRPCStreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_streams_total",
			Help:      "Total number of gRPC streams started",
		}),
		GRPCStreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_streams_active",
			Help:      "Number of currently active gRPC streams",
		}),
		GRPCStreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_streams_failed_total",
			Help:      "Total number of gRPC streams that ended with an error",
		}),
		GRPCStreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_stream_duration_seconds",
			Help:      "Lifetime of gRPC streams such as health watches",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
	}
}

// RecordCallStart records a call registering with a stream id.
func (m *Metrics) RecordCallStart() {
	m.CallsTotal.Inc()
	m.CallsActive.Inc()
}

// RecordCallEnd records a registered call being torn down.
func (m *Metrics) RecordCallEnd(durationSeconds float64) {
	m.CallsActive.Dec()
	m.CallDuration.Observe(durationSeconds)
}

// RecordModelConnect records a model leg dial attempt.
func (m *Metrics) RecordModelConnect(err error, latencySeconds float64) {
	if err != nil {
		m.ModelConnects.WithLabelValues("error").Inc()
		return
	}
	m.ModelConnects.WithLabelValues("ok").Inc()
	m.ModelConnectLatency.Observe(latencySeconds)
	m.ModelLegsActive.Inc()
}

// RecordModelClosed records a model leg going away.
func (m *Metrics) RecordModelClosed() {
	m.ModelLegsActive.Dec()
}

// RecordEnvelopeDropped records a malformed or unexpected inbound frame.
func (m *Metrics) RecordEnvelopeDropped(leg, reason string) {
	m.EnvelopesDropped.WithLabelValues(leg, reason).Inc()
}

// RecordTruncation records a barge-in truncation at audioEndMs.
func (m *Metrics) RecordTruncation(audioEndMs int64) {
	m.Truncations.Inc()
	m.TruncatedAudioMs.Observe(float64(audioEndMs))
}

// RecordToolCall records a finished tool call.
func (m *Metrics) RecordToolCall(tool string, failed bool, latencySeconds float64) {
	result := "ok"
	if failed {
		result = "error"
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
	m.ToolCallLatency.WithLabelValues(tool).Observe(latencySeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordGRPCRequest records a finished gRPC unary call.
func (m *Metrics) RecordGRPCRequest(method, code string, latencySeconds float64) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
	m.GRPCRequestLatency.WithLabelValues(method).Observe(latencySeconds)
}

// RecordGRPCStreamStart records a new gRPC stream starting.
func (m *Metrics) RecordGRPCStreamStart() {
	m.GRPCStreamsTotal.Inc()
	m.GRPCStreamsActive.Inc()
}

// RecordGRPCStreamEnd records a gRPC stream ending after durationSeconds.
func (m *Metrics) RecordGRPCStreamEnd(success bool, durationSeconds float64) {
	m.GRPCStreamsActive.Dec()
	m.GRPCStreamDuration.Observe(durationSeconds)
	if !success {
		m.GRPCStreamsFailed.Inc()
	}
}
