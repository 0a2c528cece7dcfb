package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/frame"
	"github.com/Qininining/SignalGA/pkg/buffer"
	"github.com/Qininining/SignalGA/transport"
)

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "COM1", cfg.Sensor.Port)
	assert.Equal(t, 921600, cfg.Sensor.Baud)
	assert.Equal(t, 1.0, cfg.Sensor.SensitivityCh1)
	assert.Equal(t, frame.LayoutSingle, cfg.Sensor.Layout())
	assert.Equal(t, buffer.DropOldest, cfg.Queue.OverflowPolicy())
	assert.Equal(t, "Data/Output", cfg.Output.BaseDir)
	assert.Equal(t, "Acquisition/Raw", cfg.Output.Key().String())
	assert.False(t, cfg.Output.AutoFlush)
}

func TestSettingsConversion(t *testing.T) {
	cfg := Default()
	cfg.Sensor.Port = "/dev/ttyUSB0"
	cfg.Sensor.Parity = "even"
	s := cfg.Sensor.Settings()

	assert.Equal(t, "/dev/ttyUSB0", s.Port)
	assert.Equal(t, transport.ParityEven, s.Parity)
	assert.Equal(t, 50*time.Millisecond, s.ReadTimeout)
	assert.Equal(t, "/dev/ttyUSB0@921600/8E1", s.Identity())
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Sensor.SensitivityCh1 = 0
	cfg.Sensor.SensitivityCh2 = -2
	cfg.Sensor.FrameLayout = "triple"
	cfg.Output.Stream = "a/b"
	cfg.Queue.Capacity = 0
	cfg.Queue.Policy = "block"
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))
	for _, want := range []string{
		"sensitivity_ch1", "sensitivity_ch2", "frame_layout",
		"output.stream", "queue.capacity", "queue.policy", "log.level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateOutputDisabledSkipsPaths(t *testing.T) {
	cfg := Default()
	cfg.Output.Enabled = false
	cfg.Output.BaseDir = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidatePublishSubject(t *testing.T) {
	cfg := Default()
	cfg.Publish.URL = "nats://localhost:4222"
	cfg.Publish.Subject = "signalga.*"
	assert.Error(t, cfg.Validate())

	cfg.Publish.Subject = "lab.rig1"
	assert.NoError(t, cfg.Validate())

	// Subjects are not checked while the mirror is off.
	cfg.Publish.URL = ""
	cfg.Publish.Subject = ""
	assert.NoError(t, cfg.Validate())
}

func TestNormalize(t *testing.T) {
	cfg := Default()
	cfg.Output.FlushThreshold = -10
	cfg.Sensor.OpenAttempts = 0
	cfg.Queue.BatchSize = 0
	cfg.Normalize()

	assert.Equal(t, 0, cfg.Output.FlushThreshold)
	assert.Equal(t, 1, cfg.Sensor.OpenAttempts)
	assert.Equal(t, 512, cfg.Queue.BatchSize)
}

func TestLoadYAMLLayer(t *testing.T) {
	path := writeFile(t, "rig.yaml", `
sensor:
  port: /dev/ttyUSB1
  read_timeout: 20ms
  sensitivity_ch2: 0.5
  frame_layout: dual
output:
  flush_interval: 250ms
`)
	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Sensor.Port)
	assert.Equal(t, 20*time.Millisecond, cfg.Sensor.ReadTimeout.Std())
	assert.Equal(t, 0.5, cfg.Sensor.SensitivityCh2)
	assert.Equal(t, 1.0, cfg.Sensor.SensitivityCh1, "absent keys keep defaults")
	assert.Equal(t, frame.LayoutDual, cfg.Sensor.Layout())
	assert.Equal(t, 250*time.Millisecond, cfg.Output.FlushInterval.Std())
	assert.Equal(t, 921600, cfg.Sensor.Baud)
}

func TestLoadJSONLayersOverride(t *testing.T) {
	base := writeFile(t, "base.json", `{"sensor": {"port": "COM3"}, "queue": {"capacity": 1024}}`)
	site := writeFile(t, "site.json", `{"queue": {"capacity": 2048}, "log": {"format": "json"}}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(site)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "COM3", cfg.Sensor.Port)
	assert.Equal(t, 2048, cfg.Queue.Capacity)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	jsonPath := writeFile(t, "bad.json", `{"sensor": {"prot": "COM3"}}`)
	_, err := newTestLoader(nil).LoadFile(jsonPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	yamlPath := writeFile(t, "bad.yml", "output:\n  threshold: 10\n")
	_, err = newTestLoader(nil).LoadFile(yamlPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoadErrors(t *testing.T) {
	_, err := newTestLoader(nil).LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, errors.ErrIO)

	_, err = newTestLoader(nil).LoadFile(writeFile(t, "cfg.toml", "a = 1"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = newTestLoader(nil).LoadFile(writeFile(t, "cfg.json", `{"sensor": {"sensitivity_ch1": -1}}`))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoadWithoutValidation(t *testing.T) {
	l := newTestLoader(nil)
	l.EnableValidation(false)
	cfg, err := l.LoadFile(writeFile(t, "cfg.json", `{"sensor": {"sensitivity_ch1": -1}}`))
	require.NoError(t, err)
	assert.Equal(t, -1.0, cfg.Sensor.SensitivityCh1)
}

func TestEnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"SIGNALGA_SENSOR_PORT":    "/dev/ttyACM0",
		"SIGNALGA_OUTPUT_DIR":     "/tmp/out",
		"SIGNALGA_OUTPUT_ENABLED": "false",
		"SIGNALGA_PUBLISH_URL":    "nats://bus:4222",
		"SIGNALGA_METRICS_PORT":   "9102",
		"SIGNALGA_LOG_LEVEL":      "debug",
	})
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Sensor.Port)
	assert.Equal(t, "/tmp/out", cfg.Output.BaseDir)
	assert.False(t, cfg.Output.Enabled)
	assert.Equal(t, "nats://bus:4222", cfg.Publish.URL)
	assert.Equal(t, 9102, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverrideBadValue(t *testing.T) {
	_, err := newTestLoader(map[string]string{"SIGNALGA_METRICS_PORT": "nine"}).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "SIGNALGA_METRICS_PORT")
}

func TestSaveAndReload(t *testing.T) {
	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Sensor.Port = "COM7"
			cfg.Sensor.ReadTimeout = Duration(75 * time.Millisecond)
			cfg.Output.FlushThreshold = 4096

			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := newTestLoader(nil).LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestDurationDecoding(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1.5s"`)))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
}

func TestClone(t *testing.T) {
	cfg := Default()
	c := cfg.Clone()
	c.Sensor.Port = "COM9"
	assert.Equal(t, "COM1", cfg.Sensor.Port)

	var nilCfg *Config
	assert.Nil(t, nilCfg.Clone())
}
