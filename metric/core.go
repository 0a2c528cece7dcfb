package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signalga"

// Metrics contains the acquisition pipeline metrics shared by every component
type Metrics struct {
	// Coordinator
	StreamStatus *prometheus.GaugeVec

	// Frame synchronizer
	BytesReceived  prometheus.Counter
	FramesDecoded  *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	BufferClears   prometheus.Counter
	DecodeDuration prometheus.Histogram

	// Calibration engine
	SamplesDecoded *prometheus.CounterVec

	// Delivery queue
	SamplesQueued  prometheus.Counter
	SamplesDropped prometheus.Counter
	QueueDepth     prometheus.Gauge

	// Persistence layer
	RowsWritten  *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec
	Flushes      *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all acquisition metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StreamStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "acquisition",
				Name:      "status",
				Help:      "Acquisition status (0=idle, 1=running)",
			},
			[]string{"stream"},
		),

		BytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "bytes_received_total",
				Help:      "Total bytes handed to the frame synchronizer",
			},
		),

		FramesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "decoded_total",
				Help:      "Total frames decoded",
			},
			[]string{"layout"},
		),

		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "dropped_total",
				Help:      "Total malformed spans dropped while resynchronizing",
			},
			[]string{"reason"},
		),

		BufferClears: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "buffer_clears_total",
				Help:      "Times the raw byte buffer was cleared without a terminator",
			},
		),

		DecodeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "decode_duration_seconds",
				Help:      "Duration of one decode pass over a transport read",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
			},
		),

		SamplesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calibration",
				Name:      "samples_total",
				Help:      "Total calibrated samples produced",
			},
			[]string{"channel"},
		),

		SamplesQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "delivery",
				Name:      "queued_total",
				Help:      "Total samples handed from the decode goroutine to the delivery queue",
			},
		),

		SamplesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "delivery",
				Name:      "dropped_total",
				Help:      "Total samples dropped by the delivery queue overflow policy",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "delivery",
				Name:      "queue_depth",
				Help:      "Samples waiting in the delivery queue",
			},
		),

		RowsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "rows_written_total",
				Help:      "Total rows appended to record sinks",
			},
			[]string{"stream"},
		),

		BytesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "bytes_written_total",
				Help:      "Total bytes appended to record sinks",
			},
			[]string{"stream"},
		),

		Flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "flushes_total",
				Help:      "Total flushes of pending rows to disk",
			},
			[]string{"stream", "trigger"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors by component and taxonomy kind",
			},
			[]string{"component", "kind"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StreamStatus,
		m.BytesReceived,
		m.FramesDecoded,
		m.FramesDropped,
		m.BufferClears,
		m.DecodeDuration,
		m.SamplesDecoded,
		m.SamplesQueued,
		m.SamplesDropped,
		m.QueueDepth,
		m.RowsWritten,
		m.BytesWritten,
		m.Flushes,
		m.ErrorsTotal,
	}
}

// Recorders are no-ops on a nil *Metrics so components can run without a registry.

// RecordStreamStatus updates the running gauge for a measurement stream
func (m *Metrics) RecordStreamStatus(stream string, running bool) {
	if m == nil {
		return
	}
	value := 0.0
	if running {
		value = 1.0
	}
	m.StreamStatus.WithLabelValues(stream).Set(value)
}

// RecordFrameDecoded increments the decoded frame counter ("single" or "dual")
func (m *Metrics) RecordFrameDecoded(layout string) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(layout).Inc()
}

// RecordFrameDropped increments the dropped span counter
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordDecodeDuration observes one decode pass
func (m *Metrics) RecordDecodeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.DecodeDuration.Observe(d.Seconds())
}

// RecordSample increments the per-channel sample counter
func (m *Metrics) RecordSample(channel string) {
	if m == nil {
		return
	}
	m.SamplesDecoded.WithLabelValues(channel).Inc()
}

// RecordRow records one appended row and its size
func (m *Metrics) RecordRow(stream string, bytes int) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(stream).Inc()
	m.BytesWritten.WithLabelValues(stream).Add(float64(bytes))
}

// RecordFlush increments the flush counter; trigger is "auto", "threshold", "explicit" or "close"
func (m *Metrics) RecordFlush(stream, trigger string) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(stream, trigger).Inc()
}

// RecordError increments the error counter
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordBytesReceived adds n bytes read from the transport
func (m *Metrics) RecordBytesReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// RecordBufferClear counts a discarded synchronizer buffer
func (m *Metrics) RecordBufferClear() {
	if m == nil {
		return
	}
	m.BufferClears.Inc()
}

// RecordQueued counts a sample handed to the delivery queue and its depth afterwards
func (m *Metrics) RecordQueued(depth int) {
	if m == nil {
		return
	}
	m.SamplesQueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordQueueDrop counts a sample lost to queue overflow or a disabled sink
func (m *Metrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.SamplesDropped.Inc()
}

// RecordQueueDepth sets the delivery queue depth
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}
