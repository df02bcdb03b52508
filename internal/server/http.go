package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/8tomat8/whisper-lambda/internal/audio"
	"github.com/8tomat8/whisper-lambda/internal/config"
	"github.com/8tomat8/whisper-lambda/internal/metrics"
	"github.com/8tomat8/whisper-lambda/internal/models"
	"github.com/8tomat8/whisper-lambda/internal/pool"
	"github.com/8tomat8/whisper-lambda/internal/protocol"
	"github.com/8tomat8/whisper-lambda/internal/transcript"
	"github.com/8tomat8/whisper-lambda/internal/transcription"
)

const (
	serviceName    = "whisper-lambda"
	serviceVersion = "1.0.0"

	// RequestIDHeader carries the request id in both directions
	RequestIDHeader = "X-Request-ID"

	healthCheckTimeout = 5 * time.Second
)

// Transcriber runs transcription requests; *transcription.Service implements it
type Transcriber interface {
	Transcribe(ctx context.Context, req transcription.Request) (transcript.Result, error)
	GetStats() transcription.ServiceStats
}

// PoolStats reports context pool state; *pool.Pool implements it
type PoolStats interface {
	Stats() pool.Stats
}

// HealthChecker verifies an external dependency; *audio.FFmpegTranscoder implements it
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the collaborators served by the HTTP API
type Dependencies struct {
	Transcriber Transcriber
	Pool        PoolStats
	Transcoder  HealthChecker // optional
	Resolver    models.Resolver
	Gatherer    prometheus.Gatherer
}

// HTTPServer provides the transcription API and monitoring endpoints
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	deps    Dependencies
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, deps Dependencies, logger *slog.Logger, m *metrics.Metrics) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		deps:      deps,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.Server.Address, appConfig.Server.Port),
		Handler:      mux,
		ReadTimeout:  appConfig.Server.GetReadTimeoutDuration(),
		WriteTimeout: appConfig.Server.GetWriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/transcribe", h.withMetrics("/transcribe", h.handleTranscribe))

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	// POST / transcribes, GET / documents the API
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleTranscribe implements POST / and POST /transcribe
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	logger := h.logger.With(slog.String("request_id", requestID))

	body := r.Body
	if limit := h.config.Server.MaxBodyBytes; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}

	req, err := protocol.ParseRequest(body)
	if err != nil {
		status := statusFor(err)
		logger.Warn("Rejected transcription request",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err.Error())
		return
	}

	logger.Info("Transcription request received",
		slog.String("model", req.Model.String()),
		slog.Int("audio_bytes", len(req.Audio)),
	)

	result, err := h.deps.Transcriber.Transcribe(r.Context(), transcription.Request{
		ID:    requestID,
		Model: req.Model,
		Audio: req.Audio,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, protocol.NewResponse(result.Segments))
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, protocol.ErrInvalidRequest),
		errors.Is(err, models.ErrUnknownModel),
		errors.Is(err, models.ErrModelNotFound):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrConversionFailed),
		errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	case transcription.IsCapacityError(err),
		errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "healthy"
	httpStatus := http.StatusOK

	transcoder := map[string]interface{}{"status": "unchecked"}
	if h.deps.Transcoder != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := h.deps.Transcoder.HealthCheck(ctx)
		cancel()
		if err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			transcoder = map[string]interface{}{"status": "failing", "error": err.Error()}
		} else {
			transcoder = map[string]interface{}{"status": "running"}
		}
	}

	available := h.deps.Resolver.Available()
	modelStatus := "running"
	if len(available) == 0 {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		modelStatus = "no models installed"
	}

	transcriptionStats := h.deps.Transcriber.GetStats()

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"transcoder": transcoder,
			"models": map[string]interface{}{
				"status":    modelStatus,
				"dir":       h.deps.Resolver.Dir,
				"available": available,
			},
			"pool": h.deps.Pool.Stats(),
			"transcription": map[string]interface{}{
				"status":          "running",
				"total_requests":  transcriptionStats.TotalRequests,
				"success_rate":    transcriptionStats.SuccessRate,
				"active_requests": transcriptionStats.ActiveRequests,
			},
		},
	}

	writeJSON(w, httpStatus, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	c := h.config
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":          c.Server.Address,
			"port":             c.Server.Port,
			"read_timeout":     c.Server.ReadTimeout,
			"write_timeout":    c.Server.WriteTimeout,
			"shutdown_timeout": c.Server.ShutdownTimeout,
			"max_body_bytes":   c.Server.MaxBodyBytes,
		},
		"models": map[string]interface{}{
			"dir":     c.Models.Dir,
			"preload": c.Models.Preload,
		},
		"transcoder": map[string]interface{}{
			"binary":  c.Transcoder.Binary,
			"timeout": c.Transcoder.Timeout,
		},
		"engine": map[string]interface{}{
			"strategy": c.Engine.Strategy,
			"threads":  c.Engine.Threads,
			"language": c.Engine.Language,
		},
		"pool": map[string]interface{}{
			"reuse_contexts":     c.Pool.ReuseContexts,
			"max_concurrent":     c.Pool.MaxConcurrent,
			"sessions_per_model": c.Pool.SessionsPerModel,
			"idle_timeout":       c.Pool.IdleTimeout,
			"watch_models":       c.Pool.WatchModels,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"transcription": h.deps.Transcriber.GetStats(),
		"pool":          h.deps.Pool.Stats(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint: POST transcribes, GET returns API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handleTranscribe(w, r)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Whisper Transcription Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"POST /":           `Transcribe audio: {"model": "<name>", "file": "<base64 audio>"}`,
			"POST /transcribe": "Alias of POST /",
			"GET /":            "API documentation",
			"GET /health":      "Service health check",
			"GET /config":      "Get service configuration",
			"GET /stats":       "Get service statistics",
			"GET /metrics":     "Prometheus metrics",
		},
		"models":    models.Names(),
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
