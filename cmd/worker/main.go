// Package main provides the entry point for the clusterd worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/clusterd/internal/config"
	"github.com/thebtf/clusterd/internal/telemetry"
	"github.com/thebtf/clusterd/internal/worker"
)

var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	path := config.SettingsPath()
	log.Info().
		Str("version", Version).
		Str("settings", path).
		Msg("Starting clusterd worker")

	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Telemetry settings are read once; changing them needs a process restart.
	flush, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:         cfg.TelemetryEnabled,
		Version:         Version,
		Endpoint:        cfg.OTLPEndpoint,
		Insecure:        cfg.OTLPInsecure,
		SampleRatio:     cfg.TraceSampleRatio,
		MetricsInterval: cfg.MetricsInterval,
	})
	if err != nil {
		log.Error().Err(err).Msg("Telemetry disabled")
	}
	defer flushTelemetry(flush)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		svc := worker.NewService(Version, cfg, path)
		if err := svc.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start service")
		}

		restart := svc.Restart()
		for reloaded := false; !reloaded; {
			select {
			case <-quit:
				log.Info().Msg("Received shutdown signal")
				shutdown(svc)
				return
			case <-restart:
				next, err := loadConfig(path)
				if err != nil {
					// The watcher fires once per service, so later edits need a process restart.
					log.Error().Err(err).Msg("Reloaded configuration is invalid, keeping current settings")
					restart = nil
					continue
				}
				shutdown(svc)
				cfg = next
				reloaded = true
			}
		}
		log.Info().Msg("Restarting with reloaded settings")
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	config.Set(cfg)
	return cfg, nil
}

func shutdown(svc *worker.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}

func flushTelemetry(flush telemetry.Shutdown) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := flush(ctx); err != nil {
		log.Error().Err(err).Msg("Telemetry flush error")
	}
}
