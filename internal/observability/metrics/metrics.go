// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speech_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Relay session metrics
	SessionsTotal   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionsSuccess prometheus.Counter
	SessionsFailed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Provider metrics
	ProviderConnects      *prometheus.CounterVec
	ProviderConnectErrors *prometheus.CounterVec
	ProviderErrors        *prometheus.CounterVec

	// Audio metrics
	AudioBytesForwarded  prometheus.Counter
	AudioFramesForwarded prometheus.Counter
	AudioFramesDropped   *prometheus.CounterVec

	// Transcript and turn metrics
	TranscriptEvents *prometheus.CounterVec
	TimerResets      *prometheus.CounterVec
	TurnsFinalized   *prometheus.CounterVec
	TurnsDropped     *prometheus.CounterVec
	BridgeQueueDepth prometheus.Histogram

	// Control frame metrics
	ControlFrames *prometheus.CounterVec

	// Downstream metrics
	DispatchTotal   *prometheus.CounterVec
	DispatchErrors  *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls   *prometheus.CounterVec
	GRPCLatency *prometheus.HistogramVec

	// Client ingress metrics
	ClientUpgrades *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of relay sessions started",
		}, []string{"mode"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active relay sessions",
		}),
		SessionsSuccess: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_success_total",
			Help:      "Total number of relay sessions that ended normally",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of relay sessions that ended with a fatal error",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of relay sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		ProviderConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_connects_total",
			Help:      "Total number of provider connection attempts",
		}, []string{"provider"}),
		ProviderConnectErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_connect_errors_total",
			Help:      "Total number of failed provider connection attempts",
		}, []string{"provider"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of provider errors by class",
		}, []string{"provider", "error_type"}),

		AudioBytesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_forwarded_total",
			Help:      "Total audio bytes forwarded to the provider",
		}),
		AudioFramesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_forwarded_total",
			Help:      "Total audio frames forwarded to the provider",
		}),
		AudioFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped before reaching the provider",
		}, []string{"reason"}),

		TranscriptEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Total provider events applied by the relay loop",
		}, []string{"kind"}),
		TimerResets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_timer_resets_total",
			Help:      "Total number of times an armed silence timer was replaced by a newer final",
		}, []string{"role"}),
		TurnsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finalized_total",
			Help:      "Total number of finalized turns",
		}, []string{"role"}),
		TurnsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_dropped_total",
			Help:      "Total number of pending turns dropped without emission",
		}, []string{"reason"}),
		BridgeQueueDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_drain_batch_size",
			Help:      "Number of events drained from the event bridge per wakeup",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		ControlFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_frames_total",
			Help:      "Total inbound control frames by outcome",
		}, []string{"outcome"}),

		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_dispatch_total",
			Help:      "Total number of downstream dispatches",
		}, []string{"sink"}),
		DispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_dispatch_errors_total",
			Help:      "Total number of failed downstream dispatches",
		}, []string{"sink"}),
		DispatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "downstream_dispatch_latency_seconds",
			Help:      "Downstream dispatch latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"sink"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		GRPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls by method and status code",
		}, []string{"method", "code"}),
		GRPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_call_latency_seconds",
			Help:      "gRPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		ClientUpgrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_upgrades_total",
			Help:      "Client websocket upgrade attempts by mode and outcome",
		}, []string{"mode", "outcome"}),
	}
}

// RecordSessionStart records a new relay session starting.
func (m *Metrics) RecordSessionStart(mode string) {
	m.SessionsTotal.WithLabelValues(mode).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a relay session ending.
func (m *Metrics) RecordSessionEnd(success bool, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if success {
		m.SessionsSuccess.Inc()
	} else {
		m.SessionsFailed.Inc()
	}
}

// RecordProviderConnect records a provider connection attempt.
func (m *Metrics) RecordProviderConnect(provider string, err error) {
	m.ProviderConnects.WithLabelValues(provider).Inc()
	if err != nil {
		m.ProviderConnectErrors.WithLabelValues(provider).Inc()
	}
}

// RecordProviderError records a provider-side error.
func (m *Metrics) RecordProviderError(provider, errorType string) {
	m.ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordAudioForwarded records a frame forwarded to the provider.
func (m *Metrics) RecordAudioForwarded(bytes int) {
	m.AudioBytesForwarded.Add(float64(bytes))
	m.AudioFramesForwarded.Inc()
}

// RecordAudioDropped records a frame that was not forwarded.
func (m *Metrics) RecordAudioDropped(reason string) {
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

// RecordEvent records a provider event applied by the loop.
func (m *Metrics) RecordEvent(kind string) {
	m.TranscriptEvents.WithLabelValues(kind).Inc()
}

// RecordTimerReset records a silence timer being replaced.
func (m *Metrics) RecordTimerReset(role string) {
	m.TimerResets.WithLabelValues(role).Inc()
}

// RecordTurnFinalized records a finalized turn.
func (m *Metrics) RecordTurnFinalized(role string) {
	m.TurnsFinalized.WithLabelValues(role).Inc()
}

// RecordTurnDropped records pending text discarded without emission.
func (m *Metrics) RecordTurnDropped(reason string) {
	m.TurnsDropped.WithLabelValues(reason).Inc()
}

// RecordDrain records how many events one bridge wakeup drained.
func (m *Metrics) RecordDrain(n int) {
	m.BridgeQueueDepth.Observe(float64(n))
}

// RecordControlFrame records an inbound control frame outcome.
func (m *Metrics) RecordControlFrame(outcome string) {
	m.ControlFrames.WithLabelValues(outcome).Inc()
}

// RecordDispatch records a downstream dispatch attempt.
func (m *Metrics) RecordDispatch(sink string, err error, latencySeconds float64) {
	m.DispatchTotal.WithLabelValues(sink).Inc()
	m.DispatchLatency.WithLabelValues(sink).Observe(latencySeconds)
	if err != nil {
		m.DispatchErrors.WithLabelValues(sink).Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a completed gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string, latencySeconds float64) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
	m.GRPCLatency.WithLabelValues(method).Observe(latencySeconds)
}

// RecordClientUpgrade records a client websocket upgrade attempt.
func (m *Metrics) RecordClientUpgrade(mode string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ClientUpgrades.WithLabelValues(mode, outcome).Inc()
}
