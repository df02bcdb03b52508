// Package whispercpp runs inference with whisper.cpp through its Go bindings.
// Loaded models are engine.Contexts; each whisper context is one engine.Session.
package whispercpp

import (
	"fmt"
	"io"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/8tomat8/whisper-lambda/internal/engine"
)

// whisper.cpp reports segment timestamps in 10ms ticks
const tick = 10 * time.Millisecond

// Loader loads ggml model files
type Loader struct{}

// NewLoader returns a whisper.cpp backed engine.Loader
func NewLoader() Loader {
	return Loader{}
}

// Load reads the weights at modelPath
func (Loader) Load(modelPath string) (engine.Context, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", engine.ErrModelLoad, modelPath, err)
	}
	return &modelContext{model: model, path: modelPath}, nil
}

type modelContext struct {
	model whisper.Model
	path  string
}

func (c *modelContext) NewSession(opts engine.Options) (engine.Session, error) {
	if opts.Strategy != "" && opts.Strategy != engine.StrategyGreedy {
		return nil, fmt.Errorf("%w: strategy %q is not supported", engine.ErrSession, opts.Strategy)
	}

	ctx, err := c.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrSession, err)
	}

	if opts.Threads > 0 {
		ctx.SetThreads(uint(opts.Threads))
	}

	if opts.Language != "" {
		if err := ctx.SetLanguage(opts.Language); err != nil {
			return nil, fmt.Errorf("%w: language %q: %v", engine.ErrSession, opts.Language, err)
		}
	}

	return &session{ctx: ctx}, nil
}

func (c *modelContext) Close() error {
	if c.model == nil {
		return nil
	}
	err := c.model.Close()
	c.model = nil
	return err
}

// session wraps a whisper context. Segments are drained after Run so the
// indexed accessors can be served from memory.
type session struct {
	ctx      whisper.Context
	segments []whisper.Segment
}

func (s *session) Run(samples []float32) (int, error) {
	if s.ctx == nil {
		return 0, fmt.Errorf("%w: session is closed", engine.ErrInference)
	}

	if err := s.ctx.Process(samples, nil, nil, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", engine.ErrInference, err)
	}

	s.segments = s.segments[:0]
	for {
		seg, err := s.ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: failed to get number of segments: %v", engine.ErrInference, err)
		}
		s.segments = append(s.segments, seg)
	}

	return len(s.segments), nil
}

func (s *session) segment(i int) (whisper.Segment, error) {
	if i < 0 || i >= len(s.segments) {
		return whisper.Segment{}, fmt.Errorf("segment index %d out of range [0,%d)", i, len(s.segments))
	}
	return s.segments[i], nil
}

func (s *session) SegmentText(i int) (string, error) {
	seg, err := s.segment(i)
	if err != nil {
		return "", err
	}
	return seg.Text, nil
}

func (s *session) SegmentStart(i int) (int64, error) {
	seg, err := s.segment(i)
	if err != nil {
		return 0, err
	}
	return int64(seg.Start / tick), nil
}

func (s *session) SegmentEnd(i int) (int64, error) {
	seg, err := s.segment(i)
	if err != nil {
		return 0, err
	}
	return int64(seg.End / tick), nil
}

func (s *session) Close() error {
	s.ctx = nil
	s.segments = nil
	return nil
}
