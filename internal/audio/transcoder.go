package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrIO is returned when temporary storage cannot be written or read
	ErrIO = errors.New("audio i/o error")

	// ErrConversionFailed is returned when the transcoder cannot start or exits non-zero
	ErrConversionFailed = errors.New("audio conversion failed")
)

// Transcoder converts arbitrary audio bytes into canonical WAV bytes
type Transcoder interface {
	Transcode(ctx context.Context, input []byte) ([]byte, error)
}

// TranscoderFunc adapts a plain function to the Transcoder interface
type TranscoderFunc func(ctx context.Context, input []byte) ([]byte, error)

// Transcode calls f(ctx, input)
func (f TranscoderFunc) Transcode(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// FFmpegConfig configures the ffmpeg subprocess
type FFmpegConfig struct {
	Binary  string        // ffmpeg executable, looked up in PATH when not absolute
	TempDir string        // directory for scratch files, os.TempDir() when empty
	Timeout time.Duration // 0 leaves the subprocess unbounded
}

// FFmpegTranscoder normalizes audio by shelling out to ffmpeg once per call
type FFmpegTranscoder struct {
	config FFmpegConfig
	logger *slog.Logger
}

// NewFFmpegTranscoder creates a transcoder for the given configuration
func NewFFmpegTranscoder(config FFmpegConfig, logger *slog.Logger) *FFmpegTranscoder {
	if config.Binary == "" {
		config.Binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegTranscoder{config: config, logger: logger}
}

// Transcode writes input to a scratch file, converts it to 16 kHz mono WAV and
// returns the converted bytes. Both scratch files are removed before returning.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, input []byte) ([]byte, error) {
	inputFile, err := os.CreateTemp(t.config.TempDir, "whisper-in-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input file: %v", ErrIO, err)
	}
	inputPath := inputFile.Name()
	defer os.Remove(inputPath)

	_, writeErr := inputFile.Write(input)
	closeErr := inputFile.Close()
	if writeErr != nil {
		return nil, fmt.Errorf("%w: failed to write input file: %v", ErrIO, writeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: failed to flush input file: %v", ErrIO, closeErr)
	}

	outputFile, err := os.CreateTemp(t.config.TempDir, "whisper-out-*.wav")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create output file: %v", ErrIO, err)
	}
	outputPath := outputFile.Name()
	defer os.Remove(outputPath)
	if err := outputFile.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to prepare output file: %v", ErrIO, err)
	}

	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	if err := t.run(ctx, inputPath, outputPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read converted audio: %v", ErrIO, err)
	}

	return data, nil
}

// run invokes: ffmpeg -y -i <in> -ac 1 -ar 16000 -f wav <out>
func (t *FFmpegTranscoder) run(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, t.config.Binary,
		"-y", "-i", inputPath,
		"-ac", "1", "-ar", strconv.Itoa(SampleRate),
		"-f", "wav",
		outputPath,
	)
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	startTime := time.Now()
	err := cmd.Run()
	elapsed := time.Since(startTime)

	if err == nil {
		t.logger.Debug("Audio normalized",
			slog.String("binary", t.config.Binary),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s interrupted after %s: %v", ErrConversionFailed, t.config.Binary, elapsed.Round(time.Millisecond), ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited with status %d: %s",
			ErrConversionFailed, t.config.Binary, exitErr.ExitCode(), lastLine(stderr.String()))
	}

	return fmt.Errorf("%w: failed to start %s: %v", ErrConversionFailed, t.config.Binary, err)
}

// HealthCheck converts a short generated clip to verify the transcoder works end to end
func (t *FFmpegTranscoder) HealthCheck(ctx context.Context) error {
	probe, err := Silence(0.1)
	if err != nil {
		return fmt.Errorf("failed to build probe clip: %w", err)
	}

	out, err := t.Transcode(ctx, probe)
	if err != nil {
		return err
	}

	if _, err := DecodeSamples(out); err != nil {
		return fmt.Errorf("transcoder produced unusable output: %w", err)
	}
	return nil
}

// lastLine returns the final non-empty line of ffmpeg's stderr, which
// carries the actual error after the banner and stream dump.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no diagnostic output"
}
