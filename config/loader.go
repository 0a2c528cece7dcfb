package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Qininining/SignalGA/errors"
)

// maxFileSize bounds a configuration file read.
const maxFileSize = 1 << 20

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIGNALGA"

// Loader assembles a Config from defaults, file layers and the environment.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation at the end of Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single file over the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies every layer then the environment and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	cfg.Normalize()
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile decodes path onto cfg. Keys absent from the file keep their value.
func (l *Loader) applyFile(cfg *Config, path string) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "decode YAML")
		}
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "decode JSON")
		}
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unsupported file extension %q", errors.ErrInvalidConfig, ext),
			"Loader", "Load", "select decoder")
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IOError(err, "Loader", "Load", "open config file")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, errors.IOError(err, "Loader", "Load", "read config file")
	}
	if len(data) > maxFileSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s exceeds %d bytes", errors.ErrInvalidConfig, path, maxFileSize),
			"Loader", "Load", "read config file")
	}
	return data, nil
}

func (l *Loader) env(name string) (string, bool) {
	v, ok := l.lookupEnv(l.envPrefix + "_" + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if v, ok := l.env("SENSOR_PORT"); ok {
		cfg.Sensor.Port = v
	}
	if v, ok := l.env("OUTPUT_DIR"); ok {
		cfg.Output.BaseDir = v
	}
	if v, ok := l.env("OUTPUT_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return l.envError("OUTPUT_ENABLED", v, err)
		}
		cfg.Output.Enabled = b
	}
	if v, ok := l.env("PUBLISH_URL"); ok {
		cfg.Publish.URL = v
	}
	if v, ok := l.env("METRICS_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return l.envError("METRICS_PORT", v, err)
		}
		cfg.Metrics.Port = n
	}
	if v, ok := l.env("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	return nil
}

func (l *Loader) envError(name, value string, err error) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s_%s=%q: %w", errors.ErrInvalidConfig, l.envPrefix, name, value, err),
		"Loader", "Load", "apply environment")
}

// SaveToFile writes the configuration as JSON or YAML depending on the extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.IOError(err, "Config", "SaveToFile", "create directory")
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.IOError(err, "Config", "SaveToFile", "write file")
	}
	return nil
}

// String renders the configuration as indented JSON.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
