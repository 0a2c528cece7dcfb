package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Qininining/SignalGA/errors"
)

// MetricsRegistry owns a private Prometheus registry holding the
// acquisition metrics, the Go runtime collectors and any collector a
// component registers under its own name.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics

	mu    sync.Mutex
	extra map[string]prometheus.Collector
}

// NewMetricsRegistry creates a registry with the acquisition metrics
// registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		extra:              make(map[string]prometheus.Collector),
	}
	r.prometheusRegistry.MustRegister(r.Metrics.collectors()...)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the acquisition metrics. A nil registry yields nil.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// RegisterCounter registers a counter owned by owner.
func (r *MetricsRegistry) RegisterCounter(owner, name string, c prometheus.Counter) error {
	return r.register(owner, name, "RegisterCounter", c)
}

// RegisterGauge registers a gauge owned by owner.
func (r *MetricsRegistry) RegisterGauge(owner, name string, g prometheus.Gauge) error {
	return r.register(owner, name, "RegisterGauge", g)
}

func (r *MetricsRegistry) register(owner, name, method string, c prometheus.Collector) error {
	key := owner + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extra[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metric %s already registered", errors.ErrInvalidArgument, key),
			"MetricsRegistry", method, "duplicate check")
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", method, "register "+key)
		}
		return errors.WrapFatal(err, "MetricsRegistry", method, "register "+key)
	}
	r.extra[key] = c
	return nil
}

// Unregister removes a collector registered by owner. It reports whether
// anything was removed.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	key := owner + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.extra[key]
	if !ok || !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.extra, key)
	return true
}
