package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/frame"
	"github.com/Qininining/SignalGA/output/csv"
	"github.com/Qininining/SignalGA/pkg/buffer"
	"github.com/Qininining/SignalGA/transport"
)

// Config is the complete acquisition configuration.
type Config struct {
	Sensor  SensorConfig  `json:"sensor" yaml:"sensor"`
	Output  OutputConfig  `json:"output" yaml:"output"`
	Queue   QueueConfig   `json:"queue" yaml:"queue"`
	Publish PublishConfig `json:"publish" yaml:"publish"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// SensorConfig describes the instrument link and its calibration.
type SensorConfig struct {
	Port           string   `json:"port" yaml:"port"`
	Baud           int      `json:"baud" yaml:"baud"`
	DataBits       int      `json:"data_bits" yaml:"data_bits"`
	Parity         string   `json:"parity" yaml:"parity"`
	StopBits       string   `json:"stop_bits" yaml:"stop_bits"`
	ReadTimeout    Duration `json:"read_timeout" yaml:"read_timeout"`
	SensitivityCh1 float64  `json:"sensitivity_ch1" yaml:"sensitivity_ch1"`
	SensitivityCh2 float64  `json:"sensitivity_ch2" yaml:"sensitivity_ch2"`
	FrameLayout    string   `json:"frame_layout" yaml:"frame_layout"`
	OpenAttempts   int      `json:"open_attempts" yaml:"open_attempts"`
}

// OutputConfig describes the measurement stream.
type OutputConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	BaseDir        string   `json:"base_dir" yaml:"base_dir"`
	Category       string   `json:"category" yaml:"category"`
	Stream         string   `json:"stream" yaml:"stream"`
	AutoFlush      bool     `json:"auto_flush" yaml:"auto_flush"`
	FlushThreshold int      `json:"flush_threshold" yaml:"flush_threshold"`
	FlushInterval  Duration `json:"flush_interval" yaml:"flush_interval"`
	FastPath       bool     `json:"fast_path" yaml:"fast_path"`
	Precision      int      `json:"precision" yaml:"precision"`
}

// QueueConfig describes the decode to persistence hand-off.
type QueueConfig struct {
	Capacity  int    `json:"capacity" yaml:"capacity"`
	Policy    string `json:"policy" yaml:"policy"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
}

// PublishConfig describes the optional NATS sample mirror.
type PublishConfig struct {
	URL        string   `json:"url" yaml:"url"`
	Subject    string   `json:"subject" yaml:"subject"`
	ClientName string   `json:"client_name" yaml:"client_name"`
	Timeout    Duration `json:"timeout" yaml:"timeout"`
}

// MetricsConfig describes the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port" yaml:"port"`
	Path string `json:"path" yaml:"path"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration of a single instrument on COM1 writing
// Data/Output/Acquisition/Raw.csv.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			Port:           transport.DefaultPort,
			Baud:           transport.DefaultBaudRate,
			DataBits:       transport.DefaultDataBits,
			Parity:         string(transport.ParityNone),
			StopBits:       string(transport.StopBitsOne),
			ReadTimeout:    Duration(transport.DefaultReadTimeout),
			SensitivityCh1: 1.0,
			SensitivityCh2: 1.0,
			FrameLayout:    frame.LayoutSingle.String(),
			OpenAttempts:   1,
		},
		Output: OutputConfig{
			Enabled:        true,
			BaseDir:        "Data/Output",
			Category:       "Acquisition",
			Stream:         "Raw",
			FlushThreshold: 256 * 1024,
			FlushInterval:  Duration(time.Second),
			FastPath:       true,
			Precision:      csv.DefaultPrecision,
		},
		Queue: QueueConfig{
			Capacity:  65536,
			Policy:    "drop_oldest",
			BatchSize: 512,
		},
		Publish: PublishConfig{
			Subject:    "signalga.samples",
			ClientName: "signalga",
			Timeout:    Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// Normalize clamps values that have a documented fallback instead of an error.
func (c *Config) Normalize() {
	if c.Output.FlushThreshold < 0 {
		c.Output.FlushThreshold = 0
	}
	if c.Sensor.OpenAttempts < 1 {
		c.Sensor.OpenAttempts = 1
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = Default().Queue.BatchSize
	}
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Sensor.Port == "" {
		add("sensor.port is required")
	}
	if !(c.Sensor.SensitivityCh1 > 0) {
		add("sensor.sensitivity_ch1 must be positive, got %v", c.Sensor.SensitivityCh1)
	}
	if !(c.Sensor.SensitivityCh2 > 0) {
		add("sensor.sensitivity_ch2 must be positive, got %v", c.Sensor.SensitivityCh2)
	}
	if err := c.Sensor.Settings().Validate(); err != nil {
		add("sensor: %v", err)
	}
	if _, err := frame.ParseLayout(c.Sensor.FrameLayout); err != nil {
		add("sensor.frame_layout: %v", err)
	}

	if c.Output.Enabled {
		if c.Output.BaseDir == "" {
			add("output.base_dir is required when output is enabled")
		}
		for _, f := range []struct{ name, value string }{
			{"output.category", c.Output.Category},
			{"output.stream", c.Output.Stream},
		} {
			switch {
			case f.value == "":
				add("%s is required when output is enabled", f.name)
			case strings.ContainsAny(f.value, `/\`) || f.value == "." || f.value == "..":
				add("%s must be a single path element, got %q", f.name, f.value)
			}
		}
	}
	if c.Output.FlushInterval < 0 {
		add("output.flush_interval cannot be negative")
	}
	if c.Output.Precision < 0 || c.Output.Precision > 17 {
		add("output.precision must be in [0,17], got %d", c.Output.Precision)
	}

	if c.Queue.Capacity <= 0 {
		add("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if _, ok := buffer.ParseOverflowPolicy(c.Queue.Policy); !ok {
		add("queue.policy must be drop_oldest or drop_newest, got %q", c.Queue.Policy)
	}

	if c.Publish.URL != "" {
		for _, part := range strings.Split(c.Publish.Subject, ".") {
			if !isValidSubjectToken(part) {
				add("publish.subject %q is not a valid NATS subject", c.Publish.Subject)
				break
			}
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port must be in [0,65535], got %d", c.Metrics.Port)
	}
	if c.Metrics.Port > 0 && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "configuration check")
	}
	return nil
}

// isValidSubjectToken rejects empty tokens, wildcards and whitespace.
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == '*' || r == '>' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return false
		}
	}
	return true
}

// Settings converts the sensor section to transport settings.
func (s SensorConfig) Settings() transport.Settings {
	return transport.Settings{
		Port:        s.Port,
		BaudRate:    s.Baud,
		DataBits:    s.DataBits,
		Parity:      transport.Parity(s.Parity),
		StopBits:    transport.StopBits(s.StopBits),
		ReadTimeout: s.ReadTimeout.Std(),
	}
}

// Layout returns the parsed frame layout, defaulting to single.
func (s SensorConfig) Layout() frame.Layout {
	l, _ := frame.ParseLayout(s.FrameLayout)
	return l
}

// Key returns the measurement stream key.
func (o OutputConfig) Key() csv.Key {
	return csv.Key{Category: o.Category, Stream: o.Stream}
}

// OverflowPolicy returns the parsed queue policy, defaulting to drop-oldest.
func (q QueueConfig) OverflowPolicy() buffer.OverflowPolicy {
	p, _ := buffer.ParseOverflowPolicy(q.Policy)
	return p
}
