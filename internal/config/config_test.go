package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/8tomat8/whisper-lambda/internal/engine"
	"github.com/8tomat8/whisper-lambda/internal/models"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			modify: func(c *Config) {},
		},
		{
			name:        "invalid server port",
			modify:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "server config: port must be between 1 and 65535",
		},
		{
			name:        "empty address",
			modify:      func(c *Config) { c.Server.Address = "" },
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
		{
			name:        "negative body limit",
			modify:      func(c *Config) { c.Server.MaxBodyBytes = -1 },
			expectError: true,
			errorMsg:    "max_body_bytes",
		},
		{
			name:        "empty models dir",
			modify:      func(c *Config) { c.Models.Dir = "" },
			expectError: true,
			errorMsg:    "models config: dir cannot be empty",
		},
		{
			name:        "unknown preload model",
			modify:      func(c *Config) { c.Models.Preload = []string{"base", "huge"} },
			expectError: true,
			errorMsg:    "preload",
		},
		{
			name:        "empty ffmpeg binary",
			modify:      func(c *Config) { c.Transcoder.Binary = "" },
			expectError: true,
			errorMsg:    "transcoder config: binary cannot be empty",
		},
		{
			name:        "beam search is not supported",
			modify:      func(c *Config) { c.Engine.Strategy = "beam_search" },
			expectError: true,
			errorMsg:    "engine config: unsupported decoding strategy",
		},
		{
			name:        "negative threads",
			modify:      func(c *Config) { c.Engine.Threads = -2 },
			expectError: true,
			errorMsg:    "threads cannot be negative",
		},
		{
			name:        "zero sessions per model",
			modify:      func(c *Config) { c.Pool.SessionsPerModel = 0 },
			expectError: true,
			errorMsg:    "pool config: sessions_per_model must be at least 1",
		},
		{
			name:        "shared sessions per model",
			modify:      func(c *Config) { c.Pool.SessionsPerModel = 2 },
			expectError: true,
			errorMsg:    "pool config: sessions_per_model cannot exceed 1",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "logging config: level must be one of",
		},
		{
			name:   "log file output",
			modify: func(c *Config) { c.Logging.Output = "/var/log/whisper.log" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("WHISPER_TEST_MODELS_DIR", "/srv/models")

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  address: "127.0.0.1"
  port: 9000
  max_body_bytes: 1048576
models:
  dir: "${WHISPER_TEST_MODELS_DIR}"
  preload: ["tiny", "Base"]
transcoder:
  binary: "/usr/bin/ffmpeg"
  timeout: 120
engine:
  strategy: "greedy"
  threads: 4
  language: "en"
pool:
  reuse_contexts: false
  max_concurrent: 2
  sessions_per_model: 1
  idle_timeout: 60
  watch_models: false
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`,
			check: func(t *testing.T, c *Config) {
				if c.Server.Port != 9000 || c.Server.MaxBodyBytes != 1<<20 {
					t.Errorf("Unexpected server config %+v", c.Server)
				}
				if c.Models.Dir != "/srv/models" {
					t.Errorf("Expected env-expanded models dir, got %q", c.Models.Dir)
				}
				expected := []models.Name{models.Tiny, models.Base}
				if got := c.Models.GetPreloadModels(); !reflect.DeepEqual(got, expected) {
					t.Errorf("Expected preload %v, got %v", expected, got)
				}
				if c.Pool.ReuseContexts || c.Pool.WatchModels {
					t.Errorf("Expected pool features disabled, got %+v", c.Pool)
				}
				if c.Engine.Threads != 4 || c.Engine.Language != "en" {
					t.Errorf("Unexpected engine config %+v", c.Engine)
				}
			},
		},
		{
			name: "partial file keeps defaults",
			configYAML: `
server:
  port: 8181
`,
			check: func(t *testing.T, c *Config) {
				if c.Server.Port != 8181 {
					t.Errorf("Expected port 8181, got %d", c.Server.Port)
				}
				if c.Server.Address != "0.0.0.0" || c.Models.Dir != models.DefaultDir {
					t.Errorf("Expected defaults kept, got %+v", c)
				}
				if !c.Pool.ReuseContexts || c.Pool.SessionsPerModel != 1 {
					t.Errorf("Expected default pool config, got %+v", c.Pool)
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid values",
			configYAML: `
pool:
  sessions_per_model: 0
`,
			expectError: true,
			errorMsg:    "sessions_per_model must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			tt.check(t, config)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestConfigLoadMissingDefaultPath(t *testing.T) {
	// no configs/ directory next to this package
	config, err := Load(DefaultPath)
	if err != nil {
		t.Fatalf("Expected defaults, got error: %v", err)
	}
	if !reflect.DeepEqual(config, Default()) {
		t.Errorf("Expected default config, got %+v", config)
	}
}

func TestDurationHelpers(t *testing.T) {
	server := ServerConfig{ReadTimeout: 30, WriteTimeout: 600, ShutdownTimeout: 10}

	if server.GetReadTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", server.GetReadTimeoutDuration())
	}
	if server.GetWriteTimeoutDuration() != 10*time.Minute {
		t.Errorf("Expected 10 minutes, got %v", server.GetWriteTimeoutDuration())
	}
	if server.GetShutdownTimeoutDuration() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", server.GetShutdownTimeoutDuration())
	}

	transcoder := TranscoderConfig{Timeout: 0}
	if transcoder.GetTimeoutDuration() != 0 {
		t.Errorf("Expected unbounded transcoder timeout, got %v", transcoder.GetTimeoutDuration())
	}

	pool := PoolConfig{IdleTimeout: 1800}
	if pool.GetIdleTimeoutDuration() != 30*time.Minute {
		t.Errorf("Expected 30 minutes, got %v", pool.GetIdleTimeoutDuration())
	}
}

func TestGetStrategy(t *testing.T) {
	for _, s := range []string{"", "greedy", "GREEDY"} {
		e := EngineConfig{Strategy: s}
		if got := e.GetStrategy(); got != engine.StrategyGreedy {
			t.Errorf("GetStrategy(%q) = %q", s, got)
		}
	}
}
