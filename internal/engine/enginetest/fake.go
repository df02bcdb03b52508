// Package enginetest provides a scripted engine.Loader for tests.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/8tomat8/whisper-lambda/internal/engine"
)

// Segment is one scripted inference result
type Segment struct {
	Text  string
	Start int64
	End   int64

	TextErr  error
	StartErr error
	EndErr   error
}

// Loader returns the same script for every model it loads. Zero value is usable.
type Loader struct {
	Segments []Segment

	LoadErr    error
	SessionErr error
	RunErr     error

	// RunDelay keeps Run busy so tests can observe concurrency
	RunDelay time.Duration

	// Gate, when set, blocks Run until it is closed or receives a value
	Gate chan struct{}

	mu        sync.Mutex
	loads     map[string]int
	closes    int
	sessions  int
	runs      int
	samples   [][]float32
	options   []engine.Options
	active    atomic.Int32
	maxActive atomic.Int32
}

// Load implements engine.Loader
func (l *Loader) Load(modelPath string) (engine.Context, error) {
	l.mu.Lock()
	if l.loads == nil {
		l.loads = make(map[string]int)
	}
	l.loads[modelPath]++
	err := l.LoadErr
	l.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrModelLoad, err)
	}
	return &fakeContext{loader: l, path: modelPath}, nil
}

// Loads reports how many times modelPath was loaded
func (l *Loader) Loads(modelPath string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[modelPath]
}

// TotalLoads reports loads across all paths
func (l *Loader) TotalLoads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.loads {
		total += n
	}
	return total
}

// Closes reports how many contexts were closed
func (l *Loader) Closes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// Sessions reports how many sessions were created
func (l *Loader) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions
}

// Runs reports how many times Run was called
func (l *Loader) Runs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs
}

// LastSamples returns the buffer passed to the most recent Run
func (l *Loader) LastSamples() []float32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return nil
	}
	return l.samples[len(l.samples)-1]
}

// LastOptions returns the options of the most recent session
func (l *Loader) LastOptions() (engine.Options, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.options) == 0 {
		return engine.Options{}, false
	}
	return l.options[len(l.options)-1], true
}

// MaxConcurrentRuns reports the highest number of Run calls in flight at once
func (l *Loader) MaxConcurrentRuns() int {
	return int(l.maxActive.Load())
}

type fakeContext struct {
	loader *Loader
	path   string
	closed atomic.Bool
}

func (c *fakeContext) NewSession(opts engine.Options) (engine.Session, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: context %s is closed", engine.ErrSession, c.path)
	}

	l := c.loader
	l.mu.Lock()
	l.sessions++
	l.options = append(l.options, opts)
	err := l.SessionErr
	l.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrSession, err)
	}
	return &fakeSession{loader: l}, nil
}

func (c *fakeContext) Close() error {
	if c.closed.Swap(true) {
		return errors.New("context closed twice")
	}
	c.loader.mu.Lock()
	c.loader.closes++
	c.loader.mu.Unlock()
	return nil
}

type fakeSession struct {
	loader *Loader
	ran    bool
}

func (s *fakeSession) Run(samples []float32) (int, error) {
	l := s.loader

	n := l.active.Add(1)
	defer l.active.Add(-1)
	for {
		m := l.maxActive.Load()
		if n <= m || l.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	l.mu.Lock()
	l.runs++
	l.samples = append(l.samples, samples)
	err := l.RunErr
	gate := l.Gate
	delay := l.RunDelay
	l.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	if err != nil {
		return 0, fmt.Errorf("%w: %v", engine.ErrInference, err)
	}
	s.ran = true
	return len(l.Segments), nil
}

func (s *fakeSession) segment(i int) (Segment, error) {
	if !s.ran {
		return Segment{}, errors.New("session has not run")
	}
	if i < 0 || i >= len(s.loader.Segments) {
		return Segment{}, fmt.Errorf("segment index %d out of range", i)
	}
	return s.loader.Segments[i], nil
}

func (s *fakeSession) SegmentText(i int) (string, error) {
	seg, err := s.segment(i)
	if err != nil {
		return "", err
	}
	if seg.TextErr != nil {
		return "", seg.TextErr
	}
	return seg.Text, nil
}

func (s *fakeSession) SegmentStart(i int) (int64, error) {
	seg, err := s.segment(i)
	if err != nil {
		return 0, err
	}
	if seg.StartErr != nil {
		return 0, seg.StartErr
	}
	return seg.Start, nil
}

func (s *fakeSession) SegmentEnd(i int) (int64, error) {
	seg, err := s.segment(i)
	if err != nil {
		return 0, err
	}
	if seg.EndErr != nil {
		return 0, seg.EndErr
	}
	return seg.End, nil
}

func (s *fakeSession) Close() error {
	return nil
}
