// Package config provides configuration loading and validation for the
// transcription service. Configuration is YAML with ${VAR} expansion from the
// environment, layered over built-in defaults.
package config
