package audio

import (
	"bytes"
	"errors"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// SampleRate is the only rate the inference engine accepts
	SampleRate = 16000

	// BitDepth is the integer sample width of canonical audio
	BitDepth = 16

	// int16 full scale, used to map samples onto [-1.0, 1.0]
	pcm16Scale = 32768.0
)

// ErrUnsupportedFormat is returned when canonical audio violates the
// channel, sample rate or sample width requirements.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// DecodeSamples parses canonical PCM WAV bytes into mono float32 samples
// scaled to [-1.0, 1.0]. Stereo input is downmixed by averaging each frame.
func DecodeSamples(data []byte) ([]float32, error) {
	reader := bytes.NewReader(data)
	decoder := wav.NewDecoder(reader)
	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		return nil, fmt.Errorf("%w: invalid wav container: %v", ErrUnsupportedFormat, err)
	}
	if decoder.NumChans == 0 {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrUnsupportedFormat)
	}

	if err := validateFormat(int(decoder.NumChans), int(decoder.SampleRate), int(decoder.BitDepth)); err != nil {
		return nil, err
	}

	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: missing data chunk: %v", ErrUnsupportedFormat, err)
	}
	// the reader now sits at the first sample
	if available := reader.Len(); available < decoder.PCMSize {
		return nil, fmt.Errorf("%w: data chunk declares %d bytes, only %d present", ErrUnsupportedFormat, decoder.PCMSize, available)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read samples: %v", ErrUnsupportedFormat, err)
	}

	// samples are read to EOF; anything after the data chunk is not audio
	if n := decoder.PCMSize / (BitDepth / 8); len(buf.Data) > n {
		buf.Data = buf.Data[:n]
	}

	samples := intToFloat(buf)

	if decoder.NumChans == 2 {
		return stereoToMono(samples)
	}
	return samples, nil
}

// validateFormat checks channel count and sample rate independently so that
// a file violating both reports both.
func validateFormat(channels, sampleRate, bitDepth int) error {
	var errs []error

	if channels != 1 && channels != 2 {
		errs = append(errs, fmt.Errorf("%w: %d channels (only mono and stereo are supported)", ErrUnsupportedFormat, channels))
	}

	if sampleRate != SampleRate {
		errs = append(errs, fmt.Errorf("%w: sample rate must be %d Hz, got %d", ErrUnsupportedFormat, SampleRate, sampleRate))
	}

	if bitDepth != BitDepth {
		errs = append(errs, fmt.Errorf("%w: %d-bit samples (only 16-bit PCM is supported)", ErrUnsupportedFormat, bitDepth))
	}

	return errors.Join(errs...)
}

func intToFloat(buf *goaudio.IntBuffer) []float32 {
	out := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		out[i] = float32(s) / pcm16Scale
	}
	return out
}

func stereoToMono(samples []float32) ([]float32, error) {
	if len(samples)%2 != 0 {
		return nil, fmt.Errorf("%w: stereo data ends with half a frame (%d samples)", ErrUnsupportedFormat, len(samples))
	}

	mono := make([]float32, len(samples)/2)
	for i := range mono {
		mono[i] = (samples[2*i] + samples[2*i+1]) / 2
	}
	return mono, nil
}
