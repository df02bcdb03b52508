// Package engine defines the contract between the transcription pipeline and a
// speech recognition backend: immutable loaded weights (Context) that spawn
// per-request decoding state (Session).
package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrModelLoad is returned when weights cannot be loaded from a path
	ErrModelLoad = errors.New("failed to load model")

	// ErrSession is returned when a decoding session cannot be created
	ErrSession = errors.New("failed to create session")

	// ErrInference is returned when a decoding run fails
	ErrInference = errors.New("failed to run model")
)

// Strategy selects how tokens are decoded
type Strategy string

const (
	// StrategyGreedy runs a single deterministic pass, picking the most likely token each step
	StrategyGreedy Strategy = "greedy"
)

var strategies = []Strategy{StrategyGreedy}

// ParseStrategy validates a configured strategy name. An empty value selects greedy decoding.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyGreedy, nil
	}
	candidate := Strategy(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range strategies {
		if st == candidate {
			return st, nil
		}
	}
	names := make([]string, len(strategies))
	for i, st := range strategies {
		names[i] = string(st)
	}
	return "", fmt.Errorf("unsupported decoding strategy %q (supported: %s)", s, strings.Join(names, ", "))
}

// Options configures a Session
type Options struct {
	Strategy Strategy
	Threads  int    // 0 lets the engine decide
	Language string // "" keeps the model default
}

// Loader loads model weights into a Context
type Loader interface {
	Load(modelPath string) (Context, error)
}

// Context holds loaded weights. It is safe to share between goroutines;
// whether sessions of one Context may run concurrently is up to the caller.
type Context interface {
	NewSession(opts Options) (Session, error)
	Close() error
}

// Session is mutable decoding state owned by a single request
type Session interface {
	// Run decodes the full sample buffer and returns the number of segments produced
	Run(samples []float32) (int, error)

	SegmentText(i int) (string, error)
	SegmentStart(i int) (int64, error)
	SegmentEnd(i int) (int64, error)

	Close() error
}

// Wrap attaches sentinel to err unless err already carries it
func Wrap(sentinel, err error) error {
	if err == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
