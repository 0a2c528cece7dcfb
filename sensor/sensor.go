// Package sensor binds a byte transport to the frame synchronizer and the
// calibration engine.
//
// A Sensor owns the decode path of one force instrument: Run reads from the
// transport, extracts frames, calibrates every reading and hands each
// Sample to a caller-supplied handler, all on the calling goroutine. The
// handler must not block; the acquisition coordinator passes a function that
// enqueues into a non-blocking buffer.
package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Qininining/SignalGA/calibration"
	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/frame"
	"github.com/Qininining/SignalGA/metric"
	"github.com/Qininining/SignalGA/pkg/timestamp"
	"github.com/Qininining/SignalGA/transport"
)

// Config configures a Sensor.
type Config struct {
	Transport      transport.Settings
	SensitivityCh1 float64
	SensitivityCh2 float64
	Layout         frame.Layout
	ReadBufferSize int

	// DropLogInterval bounds how often a malformed frame is logged.
	// Drops are always counted.
	DropLogInterval time.Duration
}

// DefaultConfig returns 921600 8N1 on the default port with unit sensitivities.
func DefaultConfig() Config {
	return Config{
		Transport:       transport.DefaultSettings(""),
		SensitivityCh1:  1.0,
		SensitivityCh2:  1.0,
		Layout:          frame.LayoutSingle,
		ReadBufferSize:  4096,
		DropLogInterval: time.Second,
	}
}

// Identity returns a key that changes whenever a new Sensor would be needed.
func (c Config) Identity() string {
	return fmt.Sprintf("%s|%g|%g|%s", c.Transport.Identity(), c.SensitivityCh1, c.SensitivityCh2, c.Layout)
}

// Handler receives calibrated samples on the decode goroutine.
type Handler func(calibration.Sample)

// Deps holds the optional collaborators of a Sensor.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Sensor is the decode unit of one instrument.
type Sensor struct {
	cfg       Config
	transport transport.Transport
	engine    *calibration.Engine
	clock     *timestamp.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics
	limiter   *rate.Limiter

	// mu guards synchronizer and connected
	mu           sync.Mutex
	synchronizer *frame.Synchronizer
	connected    bool

	running    atomic.Bool
	readErrors atomic.Int64
	suppressed atomic.Int64
}

// New creates a Sensor reading from t.
func New(cfg Config, t transport.Transport, deps Deps) (*Sensor, error) {
	if t == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sensor", "New", "transport check")
	}
	engine, err := calibration.NewEngine(cfg.SensitivityCh1, cfg.SensitivityCh2)
	if err != nil {
		return nil, err
	}
	if err := cfg.Transport.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Sensor", "New", "transport settings")
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	if cfg.DropLogInterval <= 0 {
		cfg.DropLogInterval = DefaultConfig().DropLogInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sensor{
		cfg:       cfg,
		transport: t,
		engine:    engine,
		clock:     timestamp.NewClock(),
		logger:    logger.With("component", "sensor", "port", cfg.Transport.Port),
		metrics:   deps.MetricsRegistry.CoreMetrics(),
		limiter:   rate.NewLimiter(rate.Every(cfg.DropLogInterval), 5),
	}
	s.synchronizer = frame.NewSynchronizer(cfg.Layout, frame.WithDropHandler(s.onDrop))
	return s, nil
}

// Engine returns the calibration engine fed by this sensor.
func (s *Sensor) Engine() *calibration.Engine {
	return s.engine
}

// Clock returns the clock that stamps samples.
func (s *Sensor) Clock() *timestamp.Clock {
	return s.clock
}

// Config returns the sensor configuration.
func (s *Sensor) Config() Config {
	return s.cfg
}

// Connect opens the transport, forgets both zero references and discards
// any partially received frame.
func (s *Sensor) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if err := s.transport.Open(s.cfg.Transport); err != nil {
		s.metrics.RecordError("sensor", errors.Kind(err))
		s.logger.Error("Failed to open transport", "error", err)
		return err
	}

	s.connected = true
	s.engine.ResetZero()
	s.synchronizer.Reset()
	s.logger.Info("Sensor connected", "settings", s.cfg.Transport.Identity())
	return nil
}

// Disconnect closes the transport and forgets both zero references.
// Disconnecting a closed sensor is a no-op.
func (s *Sensor) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	s.engine.ResetZero()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("Transport close failed", "error", err)
		return err
	}
	s.logger.Info("Sensor disconnected")
	return nil
}

// Connected reports whether the transport is open.
func (s *Sensor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send writes a command to the instrument.
func (s *Sensor) Send(cmd []byte) (int, error) {
	if !s.Connected() {
		return 0, errors.WrapInvalid(errors.ErrNotStarted, "Sensor", "Send", "connection check")
	}
	return s.transport.Write(cmd)
}

// Run decodes until ctx is cancelled or the transport fails. It returns nil
// on cancellation. Only one Run may be active at a time.
func (s *Sensor) Run(ctx context.Context, handle Handler) error {
	if handle == nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Sensor", "Run", "handler check")
	}
	if !s.Connected() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Sensor", "Run", "connection check")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sensor", "Run", "decode loop check")
	}
	defer s.running.Store(false)

	s.logger.Debug("Decode loop started")
	defer s.logger.Debug("Decode loop stopped")

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := s.transport.Read(buf)
		// an idle read still gives a stopped pass a chance to resume on
		// bytes left behind a dropped candidate
		if n > 0 || s.pending() {
			s.process(buf[:n], handle)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.readErrors.Add(1)
			s.metrics.RecordError("sensor", errors.Kind(err))
			s.logger.Error("Transport read failed", "error", err)
			return err
		}
	}
}

// process decodes one chunk and dispatches its samples.
func (s *Sensor) process(chunk []byte, handle Handler) {
	start := time.Now()
	if len(chunk) > 0 {
		s.metrics.RecordBytesReceived(len(chunk))
	}

	s.mu.Lock()
	frames := s.synchronizer.Ingest(chunk)
	s.mu.Unlock()

	for i := range frames {
		f := &frames[i]
		// every reading of a frame shares one timestamp
		ts := s.clock.Micros()
		for _, r := range f.Readings() {
			sample, err := s.engine.Apply(r.Channel, r.Raw, ts)
			if err != nil {
				continue
			}
			s.metrics.RecordSample(strconv.Itoa(r.Channel))
			handle(sample)
		}
		s.metrics.RecordFrameDecoded(f.Layout.String())
	}

	if len(frames) > 0 {
		s.metrics.RecordDecodeDuration(time.Since(start))
	}
}

func (s *Sensor) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synchronizer.Buffered() >= frame.SingleSize
}

// onDrop runs inside Ingest with mu held.
func (s *Sensor) onDrop(reason frame.Reason, span []byte) {
	s.metrics.RecordFrameDropped(string(reason))
	if reason == frame.ReasonNoTerminator || reason == frame.ReasonShort {
		s.metrics.RecordBufferClear()
	}

	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	s.logger.Warn("Dropped malformed frame",
		"reason", reason,
		"bytes", len(span),
		"span", fmt.Sprintf("%q", truncate(span, 48)),
		"suppressed", s.suppressed.Swap(0),
		"error", errors.ErrProtocol)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Stats returns the synchronizer counters.
func (s *Sensor) Stats() frame.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synchronizer.Stats()
}

// ReadErrors returns how many transport reads have failed.
func (s *Sensor) ReadErrors() int64 {
	return s.readErrors.Load()
}

// Running reports whether the decode loop is active.
func (s *Sensor) Running() bool {
	return s.running.Load()
}
