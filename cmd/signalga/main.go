// Package main is the signalga command: it records a force instrument to
// CSV until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/Qininining/SignalGA/acquisition"
	"github.com/Qininining/SignalGA/config"
	"github.com/Qininining/SignalGA/metric"
	"github.com/Qininining/SignalGA/output/csv"
	"github.com/Qininining/SignalGA/transport"
)

const (
	Version = "0.1.0"
	appName = "signalga"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	switch {
	case cli.ShowVersion:
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	case cli.ListPorts:
		return listPorts(stdout)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.PrintConfig {
		_, _ = fmt.Fprintln(stdout, cfg.String())
		return nil
	}
	if cli.Validate {
		_, _ = fmt.Fprintln(stdout, "configuration is valid")
		return nil
	}

	logger := setupLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Starting SignalGA",
		"config_path", cli.ConfigPath,
		"port", cfg.Sensor.Port,
		"output", cfg.Output.BaseDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cli.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cli.Duration)
		defer cancel()
	}

	return acquire(ctx, cfg, cli.ShutdownTimeout, logger)
}

// loadConfig reads the optional file, applies the environment and then the flags.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cli.apply(cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func acquire(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	if cfg.Metrics.Port > 0 {
		server := metric.NewServer(":"+strconv.Itoa(cfg.Metrics.Port), cfg.Metrics.Path, registry)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("Metrics server stop failed", "error", err)
			}
		}()
		logger.Info("Serving metrics", "address", server.Address(), "path", cfg.Metrics.Path)
	}

	coord, err := acquisition.New(cfg, acquisition.Deps{
		Logger:          logger,
		MetricsRegistry: registry,
		Listener:        logEvents(logger),
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start acquisition: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case <-coord.Done():
	}
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	} else {
		runErr = coord.Err()
		logger.Error("Acquisition ended unexpectedly", "error", runErr)
	}

	if err := coord.Stop(shutdownTimeout); err != nil {
		logger.Error("Stop failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	if err := coord.Teardown(); err != nil {
		logger.Error("Teardown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	stats := coord.Stats()
	logger.Info("SignalGA stopped",
		"delivered", stats.Delivered,
		"dropped", stats.Dropped,
		"write_errors", stats.WriteErrors,
		"sample_rate", stats.SampleRate)
	return runErr
}

// logEvents logs persistence and stream events.
func logEvents(logger *slog.Logger) csv.Listener {
	log := logger.With("component", "events")
	return func(e csv.Event) {
		attrs := []any{"kind", e.Kind.String(), "stream", e.Key.String(), "path", e.Path}
		if e.Message != "" {
			attrs = append(attrs, "message", e.Message)
		}
		if e.Err != nil {
			log.Warn("Stream event", append(attrs, "error", e.Err)...)
			return
		}
		log.Debug("Stream event", attrs...)
	}
}

func listPorts(w io.Writer) error {
	ports, err := transport.Ports()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		_, _ = fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		_, _ = fmt.Fprintln(w, p)
	}
	return nil
}
