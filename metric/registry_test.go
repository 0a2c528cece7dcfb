package metric

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qininining/SignalGA/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())

	var nilRegistry *MetricsRegistry
	assert.Nil(t, nilRegistry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("test-service", "test_counter", counter))
	counter.Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.RegisterGauge("other", "dup_gauge", other)
	require.Error(t, err, "prometheus rejects a second collector with the same name")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "h", Help: "h"})
	require.NoError(t, registry.RegisterGauge("svc", "h", gauge))

	assert.True(t, registry.Unregister("svc", "h"))
	assert.False(t, registry.Unregister("svc", "h"))
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordFrameDecoded("single")
	m.RecordFrameDecoded("single")
	m.RecordFrameDropped("bad_marker")
	m.RecordSample("1")
	m.RecordRow("Acquisition/Raw", 40)
	m.RecordFlush("Acquisition/Raw", "threshold")
	m.RecordError("store", "io")
	m.RecordStreamStatus("Acquisition/Raw", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDecoded.WithLabelValues("single")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("bad_marker")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("Acquisition/Raw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamStatus.WithLabelValues("Acquisition/Raw")))
}

func TestServer_ServesMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordFrameDecoded("dual")

	server := NewServer("127.0.0.1:0", "", registry)
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := http.Get(server.Address())
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "signalga_frame_decoded_total")

	assert.Error(t, server.Start(), "second start must fail")
	require.NoError(t, server.Stop())
	assert.Empty(t, server.Address())
}
