// Package protocol defines the JSON request and response bodies of the
// transcription API, including the base64 encoding of the audio payload.
package protocol
