package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Qininining/SignalGA/config"
)

// CLIConfig holds command-line configuration. Empty or negative values
// leave the file configuration alone.
type CLIConfig struct {
	ConfigPath      string
	Port            string
	OutputDir       string
	LogLevel        string
	LogFormat       string
	MetricsPort     int
	ShutdownTimeout time.Duration
	Duration        time.Duration
	ListPorts       bool
	PrintConfig     bool
	ShowVersion     bool
	Validate        bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv(config.EnvPrefix+"_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: SIGNALGA_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv(config.EnvPrefix+"_CONFIG", ""),
		"Shorthand for -config")
	fs.StringVar(&cfg.Port, "port", "", "Serial port of the force instrument, e.g. COM3 or /dev/ttyUSB0")
	fs.StringVar(&cfg.OutputDir, "output-dir", "", "Root directory of the CSV streams")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format: text, json")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", -1, "Prometheus port, 0 to disable")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration(config.EnvPrefix+"_SHUTDOWN_TIMEOUT", 5*time.Second),
		"Bound on draining and flushing at shutdown (env: SIGNALGA_SHUTDOWN_TIMEOUT)")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Stop after this long, 0 to run until interrupted")
	fs.BoolVar(&cfg.ListPorts, "list-ports", false, "List serial ports and exit")
	fs.BoolVar(&cfg.PrintConfig, "print-config", false, "Print the effective configuration and exit")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printUsage(fs, stderr)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("invalid duration: %v", cfg.Duration)
	}
	return cfg, nil
}

// apply overrides cfg with the flags that were set.
func (c *CLIConfig) apply(cfg *config.Config) {
	if c.Port != "" {
		cfg.Sensor.Port = c.Port
	}
	if c.OutputDir != "" {
		cfg.Output.BaseDir = c.OutputDir
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}
	if c.MetricsPort >= 0 {
		cfg.Metrics.Port = c.MetricsPort
	}
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - force acquisition to CSV

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Record from a USB adapter into ./runs
  %s -port /dev/ttyUSB0 -output-dir ./runs

  # Use a configuration file and expose metrics
  %s -config rig.yaml -metrics-port 9102

  # Check a configuration without opening the port
  %s -config rig.yaml -validate

Version: %s
`, appName, appName, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
