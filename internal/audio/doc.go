// Package audio turns uploaded recordings into the sample buffer whisper.cpp consumes.
// It normalizes arbitrary containers and codecs into 16 kHz PCM WAV through an external
// transcoder, then validates that WAV and converts it to mono float32 samples.
package audio
