package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages used as label values
const (
	StageResolve   = "resolve"
	StageNormalize = "normalize"
	StageDecode    = "decode"
	StageAcquire   = "acquire"
	StageInference = "inference"
)

// Metrics contains all Prometheus metrics for the transcription service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  prometheus.Histogram
	StageDuration          *prometheus.HistogramVec
	AudioSeconds           prometheus.Counter

	// Segment metrics
	SegmentsEmitted prometheus.Counter
	SegmentsDropped prometheus.Counter

	// Model pool metrics
	ModelLoads        *prometheus.CounterVec
	ModelLoadDuration *prometheus.HistogramVec
	LoadedContexts    prometheus.Gauge
	ActiveSessions    prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "whisper_transcription_requests_total",
			Help: "Total number of transcription requests received",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "whisper_transcription_successes_total",
			Help: "Total number of transcriptions that produced a transcript",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whisper_transcription_failures_total",
			Help: "Total number of failed transcriptions by pipeline stage",
		}, []string{"stage"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "whisper_transcription_duration_seconds",
			Help:    "End to end duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whisper_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 20), // 1ms to ~9 minutes
		}, []string{"stage"}),
		AudioSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "whisper_audio_seconds_total",
			Help: "Total seconds of decoded audio passed to the engine",
		}),

		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "whisper_segments_emitted_total",
			Help: "Total number of segments returned to clients",
		}),
		SegmentsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "whisper_segments_dropped_total",
			Help: "Total number of segments dropped because a timestamp was unavailable",
		}),

		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whisper_model_loads_total",
			Help: "Total number of model weight loads",
		}, []string{"model"}),
		ModelLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whisper_model_load_duration_seconds",
			Help:    "Time spent loading model weights",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"model"}),
		LoadedContexts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "whisper_loaded_contexts",
			Help: "Current number of model contexts held in memory",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "whisper_active_sessions",
			Help: "Current number of decoding sessions checked out",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whisper_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whisper_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "whisper_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64, emitted, dropped int) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
	m.SegmentsEmitted.Add(float64(emitted))
	m.SegmentsDropped.Add(float64(dropped))
}

// RecordTranscriptionFailure records a transcription that failed in stage
func (m *Metrics) RecordTranscriptionFailure(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(stage).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordStage observes the time spent in one pipeline stage
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordAudio adds decoded audio duration
func (m *Metrics) RecordAudio(seconds float64) {
	if m == nil {
		return
	}
	m.AudioSeconds.Add(seconds)
}

// RecordModelLoad records a completed model load
func (m *Metrics) RecordModelLoad(model string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ModelLoads.WithLabelValues(model).Inc()
	m.ModelLoadDuration.WithLabelValues(model).Observe(durationSeconds)
}

// SetLoadedContexts sets the number of contexts held by the pool
func (m *Metrics) SetLoadedContexts(count int) {
	if m == nil {
		return
	}
	m.LoadedContexts.Set(float64(count))
}

// SessionStarted increments the active sessions gauge
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished decrements the active sessions gauge
func (m *Metrics) SessionFinished() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
