// Package server implements the HTTP API: the transcription endpoint plus
// health, statistics, configuration and Prometheus metrics endpoints.
package server
