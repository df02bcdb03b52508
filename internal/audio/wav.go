package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// EncodeWAV encodes interleaved PCM-16 samples into WAV format.
// For multi-channel audio the samples slice holds frames back to back (L, R, L, R...).
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), channels)
	}

	numChannels := uint16(channels)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)
	fileSize := 36 + dataSize

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     fileSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// Silence returns duration seconds of canonical mono silence as WAV bytes
func Silence(seconds float64) ([]byte, error) {
	n := int(seconds * SampleRate)
	return EncodeWAV(make([]int16, n), SampleRate, 1)
}
