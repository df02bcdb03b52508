package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/8tomat8/whisper-lambda/internal/audio"
	"github.com/8tomat8/whisper-lambda/internal/engine"
	"github.com/8tomat8/whisper-lambda/internal/metrics"
	"github.com/8tomat8/whisper-lambda/internal/models"
	"github.com/8tomat8/whisper-lambda/internal/pool"
	"github.com/8tomat8/whisper-lambda/internal/transcript"
)

// Sessions hands out decoding sessions; *pool.Pool implements it
type Sessions interface {
	Acquire(ctx context.Context, name models.Name, path string) (*pool.Lease, error)
}

// Request is one transcription job
type Request struct {
	ID    string
	Model models.Name
	Audio []byte
}

// ServiceStats represents service statistics
type ServiceStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	SegmentsEmitted uint64        `json:"segments_emitted"`
	SegmentsDropped uint64        `json:"segments_dropped"`
	AudioSeconds    float64       `json:"audio_seconds"`
}

// Service transcribes audio
type Service struct {
	resolver   models.Resolver
	transcoder audio.Transcoder
	sessions   Sessions
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	activeRequests  int
	avgResponseTime time.Duration
	segmentsEmitted uint64
	segmentsDropped uint64
	audioSeconds    float64

	mu sync.RWMutex
}

// NewService creates a transcription service
func NewService(resolver models.Resolver, transcoder audio.Transcoder, sessions Sessions, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if transcoder == nil {
		return nil, fmt.Errorf("transcoder cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("sessions cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		resolver:   resolver,
		transcoder: transcoder,
		sessions:   sessions,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Transcribe runs the full pipeline for req. The model file is checked before
// any audio work so a missing model never reaches inference.
func (s *Service) Transcribe(ctx context.Context, req Request) (transcript.Result, error) {
	startTime := time.Now()
	logger := s.logger.With(
		slog.String("request_id", req.ID),
		slog.String("model", req.Model.String()),
	)

	s.requestStarted()
	s.metrics.RecordTranscriptionRequest()

	result, stage, err := s.run(ctx, req, logger)
	elapsed := time.Since(startTime)

	if err != nil {
		s.requestFailed(elapsed)
		s.metrics.RecordTranscriptionFailure(stage, elapsed.Seconds())
		logger.Error("Transcription failed",
			slog.String("stage", stage),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return transcript.Result{}, err
	}

	s.requestSucceeded(elapsed, result)
	s.metrics.RecordTranscriptionSuccess(elapsed.Seconds(), len(result.Segments), result.Dropped)
	logger.Info("Transcription completed",
		slog.Int("segments", len(result.Segments)),
		slog.Int("dropped_segments", result.Dropped),
		slog.Duration("duration", elapsed),
	)
	return result, nil
}

// run returns the stage that failed along with the error
func (s *Service) run(ctx context.Context, req Request, logger *slog.Logger) (transcript.Result, string, error) {
	modelPath, err := s.resolver.Resolve(req.Model)
	if err != nil {
		return transcript.Result{}, metrics.StageResolve, err
	}

	stageStart := time.Now()
	canonical, err := s.transcoder.Transcode(ctx, req.Audio)
	s.metrics.RecordStage(metrics.StageNormalize, time.Since(stageStart).Seconds())
	if err != nil {
		return transcript.Result{}, metrics.StageNormalize, fmt.Errorf("normalize audio: %w", err)
	}

	stageStart = time.Now()
	samples, err := audio.DecodeSamples(canonical)
	s.metrics.RecordStage(metrics.StageDecode, time.Since(stageStart).Seconds())
	if err != nil {
		return transcript.Result{}, metrics.StageDecode, fmt.Errorf("decode audio: %w", err)
	}

	seconds := float64(len(samples)) / audio.SampleRate
	s.metrics.RecordAudio(seconds)
	logger.Debug("Audio decoded",
		slog.Int("samples", len(samples)),
		slog.Float64("audio_seconds", seconds),
	)

	stageStart = time.Now()
	lease, err := s.sessions.Acquire(ctx, req.Model, modelPath)
	s.metrics.RecordStage(metrics.StageAcquire, time.Since(stageStart).Seconds())
	if err != nil {
		return transcript.Result{}, metrics.StageAcquire, err
	}
	defer lease.Release()

	stageStart = time.Now()
	count, err := lease.Session.Run(samples)
	s.metrics.RecordStage(metrics.StageInference, time.Since(stageStart).Seconds())
	if err != nil {
		return transcript.Result{}, metrics.StageInference, engine.Wrap(engine.ErrInference, err)
	}

	s.addAudio(seconds)
	return transcript.Extract(lease.Session, count, logger), "", nil
}

// IsCapacityError reports whether err came from giving up while waiting for
// a free session
func IsCapacityError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Statistics methods
func (s *Service) requestStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.activeRequests++
}

func (s *Service) requestFailed(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRequests--
	s.failedRequests++
	s.updateAvgResponseTime(elapsed)
}

func (s *Service) requestSucceeded(elapsed time.Duration, result transcript.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRequests--
	s.successRequests++
	s.segmentsEmitted += uint64(len(result.Segments))
	s.segmentsDropped += uint64(result.Dropped)
	s.updateAvgResponseTime(elapsed)
}

func (s *Service) addAudio(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioSeconds += seconds
}

// updateAvgResponseTime expects mu to be held
func (s *Service) updateAvgResponseTime(elapsed time.Duration) {
	// Simple moving average
	if s.avgResponseTime == 0 {
		s.avgResponseTime = elapsed
	} else {
		s.avgResponseTime = (s.avgResponseTime + elapsed) / 2
	}
}

// GetStats returns current service statistics
func (s *Service) GetStats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var successRate float64
	if finished := s.successRequests + s.failedRequests; finished > 0 {
		successRate = float64(s.successRequests) / float64(finished) * 100
	}

	return ServiceStats{
		TotalRequests:   s.totalRequests,
		SuccessRequests: s.successRequests,
		FailedRequests:  s.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: s.avgResponseTime,
		ActiveRequests:  s.activeRequests,
		SegmentsEmitted: s.segmentsEmitted,
		SegmentsDropped: s.segmentsDropped,
		AudioSeconds:    s.audioSeconds,
	}
}
