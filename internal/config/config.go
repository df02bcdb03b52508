package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/8tomat8/whisper-lambda/internal/engine"
	"github.com/8tomat8/whisper-lambda/internal/models"
)

// DefaultPath is used when no -config flag is given. A missing file at this
// path is not an error.
const DefaultPath = "configs/config.yaml"

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Models     ModelsConfig     `yaml:"models"`
	Transcoder TranscoderConfig `yaml:"transcoder"`
	Engine     EngineConfig     `yaml:"engine"`
	Pool       PoolConfig       `yaml:"pool"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Address         string `yaml:"address"`
	Port            int    `yaml:"port"`
	ReadTimeout     int    `yaml:"read_timeout"`     // seconds
	WriteTimeout    int    `yaml:"write_timeout"`    // seconds
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`   // 0 = unbounded
}

// ModelsConfig contains weight file settings
type ModelsConfig struct {
	Dir     string   `yaml:"dir"`
	Preload []string `yaml:"preload"`
}

// TranscoderConfig contains ffmpeg settings
type TranscoderConfig struct {
	Binary  string `yaml:"binary"`
	TempDir string `yaml:"temp_dir"`
	Timeout int    `yaml:"timeout"` // seconds, 0 = unbounded
}

// EngineConfig contains decoding settings
type EngineConfig struct {
	Strategy string `yaml:"strategy"`
	Threads  int    `yaml:"threads"`
	Language string `yaml:"language"`
}

// MaxSessionsPerModel is the number of concurrent sessions one loaded
// whisper.cpp model can serve
const MaxSessionsPerModel = 1

// PoolConfig contains context pool settings
type PoolConfig struct {
	ReuseContexts    bool `yaml:"reuse_contexts"`
	MaxConcurrent    int  `yaml:"max_concurrent"` // 0 = GOMAXPROCS
	SessionsPerModel int  `yaml:"sessions_per_model"`
	IdleTimeout      int  `yaml:"idle_timeout"` // seconds, 0 = never evict
	WatchModels      bool `yaml:"watch_models"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			ReadTimeout:     60,
			WriteTimeout:    600,
			ShutdownTimeout: 30,
			MaxBodyBytes:    100 << 20,
		},
		Models: ModelsConfig{
			Dir: models.DefaultDir,
		},
		Transcoder: TranscoderConfig{
			Binary: "ffmpeg",
		},
		Engine: EngineConfig{
			Strategy: string(engine.StrategyGreedy),
		},
		Pool: PoolConfig{
			ReuseContexts:    true,
			SessionsPerModel: 1,
			IdleTimeout:      1800,
			WatchModels:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
			config := Default()
			return config, config.Validate()
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// Parse expands environment references in data and decodes it over Default
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Models.Validate(); err != nil {
		return fmt.Errorf("models config: %w", err)
	}

	if err := c.Transcoder.Validate(); err != nil {
		return fmt.Errorf("transcoder config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if s.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes cannot be negative, got %d", s.MaxBodyBytes)
	}

	return nil
}

// Validate validates models configuration
func (m *ModelsConfig) Validate() error {
	if m.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	for _, name := range m.Preload {
		if _, err := models.Parse(name); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	return nil
}

// Validate validates transcoder configuration
func (t *TranscoderConfig) Validate() error {
	if t.Binary == "" {
		return fmt.Errorf("binary cannot be empty")
	}

	if t.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %d", t.Timeout)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if _, err := engine.ParseStrategy(e.Strategy); err != nil {
		return err
	}

	if e.Threads < 0 {
		return fmt.Errorf("threads cannot be negative, got %d", e.Threads)
	}

	return nil
}

// Validate validates pool configuration
func (p *PoolConfig) Validate() error {
	if p.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent cannot be negative, got %d", p.MaxConcurrent)
	}

	if p.SessionsPerModel < 1 {
		return fmt.Errorf("sessions_per_model must be at least 1, got %d", p.SessionsPerModel)
	}

	// whisper.cpp runs every session of a model on the model's one native context
	if p.SessionsPerModel > MaxSessionsPerModel {
		return fmt.Errorf("sessions_per_model cannot exceed %d with the whisper.cpp engine, got %d",
			MaxSessionsPerModel, p.SessionsPerModel)
	}

	if p.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", p.IdleTimeout)
	}

	return nil
}

// Validate validates logging configuration. Output may be stdout, stderr or a file path.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetStrategy returns the parsed decoding strategy
func (e *EngineConfig) GetStrategy() engine.Strategy {
	strategy, err := engine.ParseStrategy(e.Strategy)
	if err != nil {
		return engine.StrategyGreedy
	}
	return strategy
}

// GetPreloadModels returns the parsed preload list, skipping invalid names
func (m *ModelsConfig) GetPreloadModels() []models.Name {
	names := make([]models.Name, 0, len(m.Preload))
	for _, s := range m.Preload {
		if n, err := models.Parse(s); err == nil {
			names = append(names, n)
		}
	}
	return names
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetTimeoutDuration returns the transcoder timeout as a time.Duration
func (t *TranscoderConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetIdleTimeoutDuration returns the pool idle timeout as a time.Duration
func (p *PoolConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(p.IdleTimeout) * time.Second
}
