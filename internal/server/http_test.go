package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/8tomat8/whisper-lambda/internal/audio"
	"github.com/8tomat8/whisper-lambda/internal/config"
	"github.com/8tomat8/whisper-lambda/internal/engine"
	"github.com/8tomat8/whisper-lambda/internal/engine/enginetest"
	"github.com/8tomat8/whisper-lambda/internal/metrics"
	"github.com/8tomat8/whisper-lambda/internal/models"
	"github.com/8tomat8/whisper-lambda/internal/pool"
	"github.com/8tomat8/whisper-lambda/internal/protocol"
	"github.com/8tomat8/whisper-lambda/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type testServer struct {
	*httptest.Server
	loader *enginetest.Loader
}

type serverOptions struct {
	loader       *enginetest.Loader
	transcoder   audio.Transcoder
	health       HealthChecker
	maxBodyBytes int64
	installed    []models.Name
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	if opts.loader == nil {
		opts.loader = &enginetest.Loader{}
	}
	if opts.transcoder == nil {
		opts.transcoder = audio.TranscoderFunc(func(ctx context.Context, input []byte) ([]byte, error) {
			return input, nil
		})
	}
	if opts.installed == nil {
		opts.installed = []models.Name{models.Tiny, models.Base}
	}

	dir := t.TempDir()
	for _, n := range opts.installed {
		if err := os.WriteFile(filepath.Join(dir, n.FileName()), []byte("weights"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Default()
	cfg.Models.Dir = dir
	cfg.Server.MaxBodyBytes = opts.maxBodyBytes

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	p, err := pool.New(opts.loader, pool.Config{ReuseContexts: true}, testLogger(), m)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	resolver := models.NewResolver(dir)
	service, err := transcription.NewService(resolver, opts.transcoder, p, testLogger(), m)
	if err != nil {
		t.Fatal(err)
	}

	h := NewHTTPServer(cfg, Dependencies{
		Transcriber: service,
		Pool:        p,
		Transcoder:  opts.health,
		Resolver:    resolver,
		Gatherer:    reg,
	}, testLogger(), m)

	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, loader: opts.loader}
}

func transcribeBody(model string, data []byte) io.Reader {
	body, _ := json.Marshal(protocol.TranscribeRequest{
		Model: model,
		File:  base64.StdEncoding.EncodeToString(data),
	})
	return strings.NewReader(string(body))
}

func silence(t *testing.T) []byte {
	t.Helper()
	data, err := audio.Silence(1.0)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Error response is not JSON: %v", err)
	}
	if body.Error == "" {
		t.Fatal("Expected error message in body")
	}
	return body.Error
}

func TestTranscribeSuccess(t *testing.T) {
	loader := &enginetest.Loader{Segments: []enginetest.Segment{
		{Text: " Hello", Start: 0, End: 150},
		{Text: " world", Start: 150, End: 300},
	}}
	srv := newTestServer(t, serverOptions{loader: loader})

	for _, path := range []string{"/", "/transcribe"} {
		resp, err := http.Post(srv.URL+path, "application/json", transcribeBody("base", silence(t)))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		if _, err := uuid.Parse(resp.Header.Get(RequestIDHeader)); err != nil {
			t.Errorf("%s: expected generated request id, got %q", path, resp.Header.Get(RequestIDHeader))
		}

		raw, _ := io.ReadAll(resp.Body)
		expected := `{"segments":[{"start":0,"end":150,"text":" Hello"},{"start":150,"end":300,"text":" world"}]}` + "\n"
		if string(raw) != expected {
			t.Errorf("%s: expected %s, got %s", path, expected, raw)
		}
	}
}

func TestTranscribeEmptyResult(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", transcribeBody("TINY", silence(t)))
	req.Header.Set(RequestIDHeader, "client-supplied")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(RequestIDHeader); got != "client-supplied" {
		t.Errorf("Expected request id echoed, got %q", got)
	}

	raw, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(raw)) != `{"segments":[]}` {
		t.Errorf("Expected empty segments array, got %s", raw)
	}
}

func TestTranscribeErrors(t *testing.T) {
	conversionFailed := audio.TranscoderFunc(func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, fmt.Errorf("%w: exit status 1: Invalid data found when processing input", audio.ErrConversionFailed)
	})

	tests := []struct {
		name           string
		opts           serverOptions
		method         string
		body           func(t *testing.T) io.Reader
		expectedStatus int
		errorMsg       string
	}{
		{
			name:           "malformed JSON",
			body:           func(t *testing.T) io.Reader { return strings.NewReader(`{"model":`) },
			expectedStatus: http.StatusBadRequest,
			errorMsg:       "malformed JSON",
		},
		{
			name:           "unknown model",
			body:           func(t *testing.T) io.Reader { return transcribeBody("huge", silence(t)) },
			expectedStatus: http.StatusBadRequest,
			errorMsg:       "invalid model",
		},
		{
			name:           "invalid base64",
			body:           func(t *testing.T) io.Reader { return strings.NewReader(`{"model":"tiny","file":"%%%"}`) },
			expectedStatus: http.StatusBadRequest,
			errorMsg:       "base64",
		},
		{
			name:           "model not installed",
			body:           func(t *testing.T) io.Reader { return transcribeBody("large", silence(t)) },
			expectedStatus: http.StatusBadRequest,
			errorMsg:       "tiny, base, small, medium, large",
		},
		{
			name:           "conversion failed",
			opts:           serverOptions{transcoder: conversionFailed},
			body:           func(t *testing.T) io.Reader { return transcribeBody("tiny", []byte("garbage")) },
			expectedStatus: http.StatusUnprocessableEntity,
			errorMsg:       "audio conversion failed",
		},
		{
			name:           "unsupported audio",
			body:           func(t *testing.T) io.Reader { return transcribeBody("tiny", []byte("garbage")) },
			expectedStatus: http.StatusUnprocessableEntity,
			errorMsg:       "unsupported audio format",
		},
		{
			name:           "body too large",
			opts:           serverOptions{maxBodyBytes: 64},
			body:           func(t *testing.T) io.Reader { return transcribeBody("tiny", make([]byte, 200)) },
			expectedStatus: http.StatusRequestEntityTooLarge,
			errorMsg:       "too large",
		},
		{
			name:           "inference failure",
			opts:           serverOptions{loader: &enginetest.Loader{RunErr: errors.New("encoder failed")}},
			body:           func(t *testing.T) io.Reader { return transcribeBody("tiny", silence(t)) },
			expectedStatus: http.StatusInternalServerError,
			errorMsg:       "failed to run model",
		},
		{
			name:           "wrong method",
			method:         http.MethodGet,
			body:           func(t *testing.T) io.Reader { return nil },
			expectedStatus: http.StatusMethodNotAllowed,
			errorMsg:       "method not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.opts)

			method := tt.method
			if method == "" {
				method = http.MethodPost
			}
			req, err := http.NewRequest(method, srv.URL+"/transcribe", tt.body(t))
			if err != nil {
				t.Fatal(err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
			if msg := decodeError(t, resp); !strings.Contains(msg, tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errorMsg, msg)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{fmt.Errorf("x: %w", protocol.ErrInvalidRequest), http.StatusBadRequest},
		{models.ErrUnknownModel, http.StatusBadRequest},
		{models.ErrModelNotFound, http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{audio.ErrConversionFailed, http.StatusUnprocessableEntity},
		{audio.ErrUnsupportedFormat, http.StatusUnprocessableEntity},
		{fmt.Errorf("waiting for capacity: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusServiceUnavailable},
		{pool.ErrClosed, http.StatusServiceUnavailable},
		{audio.ErrIO, http.StatusInternalServerError},
		{engine.ErrModelLoad, http.StatusInternalServerError},
		{engine.ErrSession, http.StatusInternalServerError},
		{engine.ErrInference, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.expected {
			t.Errorf("statusFor(%v) = %d, expected %d", tt.err, got, tt.expected)
		}
	}
}

func TestRootDocumentation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["endpoints"]; !ok {
		t.Error("Expected endpoints in API documentation")
	}

	notFound, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", notFound.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name           string
		opts           serverOptions
		expectedStatus int
		expectedHealth string
	}{
		{
			name:           "healthy",
			opts:           serverOptions{health: healthFunc(func(ctx context.Context) error { return nil })},
			expectedStatus: http.StatusOK,
			expectedHealth: "healthy",
		},
		{
			name: "ffmpeg failing",
			opts: serverOptions{health: healthFunc(func(ctx context.Context) error {
				return audio.ErrConversionFailed
			})},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "unhealthy",
		},
		{
			name:           "no models installed",
			opts:           serverOptions{installed: []models.Name{}},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.opts)

			resp, err := http.Get(srv.URL + "/health")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.expectedHealth {
				t.Errorf("Expected %q, got %q", tt.expectedHealth, body.Status)
			}
		})
	}
}

func TestStatsAndConfig(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp, err := http.Post(srv.URL+"/", "application/json", transcribeBody("tiny", silence(t)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	statsResp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer statsResp.Body.Close()

	var stats struct {
		Transcription transcription.ServiceStats `json:"transcription"`
		Pool          pool.Stats                 `json:"pool"`
	}
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Transcription.SuccessRequests != 1 {
		t.Errorf("Expected 1 successful request, got %+v", stats.Transcription)
	}
	if stats.Pool.LoadedContexts != 1 {
		t.Errorf("Expected 1 loaded context, got %+v", stats.Pool)
	}

	configResp, err := http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	defer configResp.Body.Close()

	var cfg map[string]map[string]interface{}
	if err := json.NewDecoder(configResp.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["engine"]["strategy"] != "greedy" {
		t.Errorf("Expected greedy strategy in config, got %v", cfg["engine"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp, err := http.Post(srv.URL+"/", "application/json", transcribeBody("tiny", silence(t)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	metricsResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metricsResp.Body.Close()

	raw, _ := io.ReadAll(metricsResp.Body)
	for _, name := range []string{
		"whisper_transcription_requests_total",
		"whisper_transcription_successes_total",
		"whisper_model_loads_total",
	} {
		if !strings.Contains(string(raw), name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}
