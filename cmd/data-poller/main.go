// Package main is the entry point for the AirSense data poller: it fetches
// current readings from the upstream provider networks on an interval and
// publishes them onto the raw measurement topic for the ingestor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"airsense/internal/config"
	"airsense/internal/ingest"
	"airsense/internal/provider"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("airsense data poller starting",
		"environment", cfg.Environment,
		"interval", cfg.Provider.PollInterval,
	)

	publisher := ingest.NewPublisher(cfg.Kafka)
	defer publisher.Close()

	poller := provider.NewPoller(publisher, cfg.Provider.PollInterval, logger)

	airGradient := provider.NewAirGradientClient(cfg.Provider)
	poller.Register("airgradient", provider.FetcherFunc(airGradient.FetchCurrent))

	openAQ := provider.NewOpenAQClient(cfg.Provider)
	poller.Register("openaq", provider.FetcherFunc(openAQ.FetchLatest))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("poller: %w", err)
	}
	logger.Info("data poller stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
