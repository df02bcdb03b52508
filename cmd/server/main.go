package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/8tomat8/whisper-lambda/internal/audio"
	"github.com/8tomat8/whisper-lambda/internal/config"
	"github.com/8tomat8/whisper-lambda/internal/engine"
	"github.com/8tomat8/whisper-lambda/internal/engine/whispercpp"
	"github.com/8tomat8/whisper-lambda/internal/metrics"
	"github.com/8tomat8/whisper-lambda/internal/models"
	"github.com/8tomat8/whisper-lambda/internal/pool"
	"github.com/8tomat8/whisper-lambda/internal/server"
	"github.com/8tomat8/whisper-lambda/internal/transcription"
)

const (
	serviceName    = "whisper-lambda"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to dotenv file, ignored when missing")
	flag.Parse()

	// Environment first so ${VAR} references in the config resolve
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load env file %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.Int64("max_body_bytes", cfg.Server.MaxBodyBytes),
		slog.String("models_dir", cfg.Models.Dir),
		slog.String("ffmpeg", cfg.Transcoder.Binary),
		slog.String("strategy", cfg.Engine.Strategy),
		slog.Bool("reuse_contexts", cfg.Pool.ReuseContexts),
		slog.Int("max_concurrent", cfg.Pool.MaxConcurrent),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	transcoder := audio.NewFFmpegTranscoder(audio.FFmpegConfig{
		Binary:  cfg.Transcoder.Binary,
		TempDir: cfg.Transcoder.TempDir,
		Timeout: cfg.Transcoder.GetTimeoutDuration(),
	}, logger)

	checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := transcoder.HealthCheck(checkCtx); err != nil {
		// not fatal: /health reports it and requests fail with a conversion error
		logger.Warn("ffmpeg health check failed",
			slog.String("binary", cfg.Transcoder.Binary),
			slog.String("error", err.Error()),
		)
	}
	checkCancel()

	resolver := models.NewResolver(cfg.Models.Dir)
	logger.Info("Models directory scanned",
		slog.String("dir", resolver.Dir),
		slog.Any("available", resolver.Available()),
	)

	watchDir := ""
	if cfg.Pool.WatchModels {
		watchDir = resolver.Dir
	}

	contextPool, err := pool.New(whispercpp.NewLoader(), pool.Config{
		ReuseContexts:    cfg.Pool.ReuseContexts,
		MaxConcurrent:    cfg.Pool.MaxConcurrent,
		SessionsPerModel: cfg.Pool.SessionsPerModel,
		IdleTimeout:      cfg.Pool.GetIdleTimeoutDuration(),
		WatchDir:         watchDir,
		Session: engine.Options{
			Strategy: cfg.Engine.GetStrategy(),
			Threads:  cfg.Engine.Threads,
			Language: cfg.Engine.Language,
		},
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create context pool", slog.String("error", err.Error()))
		os.Exit(1)
	}

	for _, name := range cfg.Models.GetPreloadModels() {
		path, err := resolver.Resolve(name)
		if err == nil {
			err = contextPool.Warm(name, path)
		}
		if err != nil {
			logger.Error("Failed to preload model",
				slog.String("model", name.String()),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	service, err := transcription.NewService(resolver, transcoder, contextPool, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcription service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := server.NewHTTPServer(cfg, server.Dependencies{
		Transcriber: service,
		Pool:        contextPool,
		Transcoder:  transcoder,
		Resolver:    resolver,
		Gatherer:    registry,
	}, logger, appMetrics)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := contextPool.Close(); err != nil {
		logger.Error("Error closing context pool", slog.String("error", err.Error()))
	}

	stats := service.GetStats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("successful_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("segments_dropped", stats.SegmentsDropped),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
