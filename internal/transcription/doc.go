// Package transcription runs the request pipeline: model resolution, audio
// normalization, sample decoding, inference on a pooled session, and segment
// extraction. It keeps request statistics for the stats endpoint.
package transcription
