package acquisition

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Qininining/SignalGA/calibration"
	"github.com/Qininining/SignalGA/config"
	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/health"
	"github.com/Qininining/SignalGA/metric"
	"github.com/Qininining/SignalGA/output/csv"
	"github.com/Qininining/SignalGA/output/publish"
	"github.com/Qininining/SignalGA/pkg/buffer"
	"github.com/Qininining/SignalGA/pkg/retry"
	"github.com/Qininining/SignalGA/pkg/timestamp"
	"github.com/Qininining/SignalGA/sensor"
	"github.com/Qininining/SignalGA/transport"
)

// Header is the column header of the measurement stream.
var Header = []string{"ts_us", "channel", "absoluteForce", "relativeForce"}

// DefaultStopTimeout bounds Stop when the caller passes a non-positive timeout.
const DefaultStopTimeout = 3 * time.Second

// State of a Coordinator.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// TransportFactory creates the transport for a decode unit.
type TransportFactory func(transport.Settings) transport.Transport

// Deps holds the optional collaborators of a Coordinator.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry

	// Listener receives store and stream events.
	Listener csv.Listener

	// NewTransport defaults to a serial port.
	NewTransport TransportFactory

	// Publisher, when set, replaces the NATS connection named by publish.url.
	Publisher publish.Publisher
}

// Stats are the delivery counters of a Coordinator.
type Stats struct {
	RunID       string
	State       State
	Queued      int64
	Delivered   int64
	Dropped     int64
	WriteErrors int64
	QueueDepth  int

	// StartedAt and SampleRate describe the current run, or the last one
	// once stopped. SampleRate is delivered samples per second.
	StartedAt  time.Time
	SampleRate float64
}

// run is the state of one Start..Stop cycle.
type run struct {
	id      string
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// clock is the sensor clock; startUs and base are its offset and the
	// delivered count when the run began
	clock   *timestamp.Clock
	startUs int64
	base    int64

	// err is the first error returned by a run goroutine; written before done closes
	err error
}

// Coordinator ties the decode unit, the queue and the persistence layer together.
type Coordinator struct {
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	metrics      *metric.Metrics
	deps         Deps
	queue        buffer.Buffer[calibration.Sample]
	batchSize    int
	monitor      *health.Monitor
	state        atomic.Int32
	queued       atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	writeErrors  atomic.Int64
	lastActivity atomic.Int64

	// lifecycleMu serializes Configure, Start, Stop and Teardown
	lifecycleMu sync.Mutex

	// mu guards the fields below for readers outside the lifecycle calls
	mu         sync.Mutex
	cfg        config.Config
	sensor     *sensor.Sensor
	sensorID   string
	store      *csv.Store
	mirror     *publish.Mirror
	mirrorOwns bool
	run        *run
	lastRun    runSummary
}

type runSummary struct {
	startedAt time.Time
	rate      float64
}

// summary reports the wall-clock start and delivery rate of r up to now.
func (r *run) summary(delivered int64) (runSummary, time.Duration) {
	endUs := r.clock.Micros()
	return runSummary{
		startedAt: r.clock.WallTime(r.startUs),
		rate:      timestamp.Rate(delivered-r.base, r.startUs, endUs),
	}, timestamp.Elapsed(r.startUs, endUs)
}

// New creates an idle coordinator. The queue section of cfg is fixed for
// the lifetime of the coordinator.
func New(cfg *config.Config, deps Deps) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg = cfg.Clone()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.NewTransport == nil {
		deps.NewTransport = func(transport.Settings) transport.Transport {
			return transport.NewSerialPort()
		}
	}

	c := &Coordinator{
		logger:    logger.With("component", "acquisition"),
		registry:  deps.MetricsRegistry,
		metrics:   deps.MetricsRegistry.CoreMetrics(),
		deps:      deps,
		batchSize: cfg.Queue.BatchSize,
		monitor:   health.NewMonitor(),
		cfg:       *cfg,
	}

	queue, err := buffer.NewCircularBuffer[calibration.Sample](cfg.Queue.Capacity,
		buffer.WithOverflowPolicy[calibration.Sample](cfg.Queue.OverflowPolicy()),
		buffer.WithDropCallback[calibration.Sample](c.onQueueDrop),
		buffer.WithMetrics[calibration.Sample](deps.MetricsRegistry, "acquisition_queue"),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Coordinator", "New", "create sample queue")
	}
	c.queue = queue
	c.monitor.UpdateHealthy("acquisition", StateIdle.String())
	return c, nil
}

// Configure replaces the sensor, output, publish and log sections. It is
// only allowed while idle; the next Start rebuilds whatever changed.
func (c *Coordinator) Configure(cfg *config.Config) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateIdle {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Coordinator", "Configure", "state check")
	}
	next := cfg.Clone()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	next.Queue = c.cfg.Queue
	c.cfg = *next
	c.mu.Unlock()
	return nil
}

// Config returns a copy of the active configuration.
func (c *Coordinator) Config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Running reports whether a run is active.
func (c *Coordinator) Running() bool {
	return c.State() == StateRunning
}

// Start builds or reuses the decode unit and the store, connects the
// transport and starts decoding. Starting a running coordinator is a
// no-op. A transport failure leaves the coordinator idle.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	switch c.State() {
	case StateRunning:
		return nil
	case StateStopping:
		return errors.WrapTransient(errors.ErrShuttingDown, "Coordinator", "Start", "state check")
	}

	cfg := c.Config()
	sen, err := c.ensureSensor(cfg)
	if err != nil {
		return err
	}
	store, err := c.ensureStore(cfg)
	if err != nil {
		return err
	}
	c.prepareStream(cfg, store)

	attempts := retry.Once()
	if cfg.Sensor.OpenAttempts > 1 {
		attempts = retry.DefaultConfig()
		attempts.Attempts = cfg.Sensor.OpenAttempts
	}
	if err := retry.Do(ctx, attempts, sen.Connect); err != nil {
		c.monitor.Update("sensor", health.FromError("sensor", err))
		c.logger.Error("Failed to connect sensor", "settings", cfg.Sensor.Settings().Identity(), "error", err)
		return err
	}
	c.monitor.UpdateHealthy("sensor", "connected")

	c.ensureMirror(ctx, cfg)

	r := &run{
		id:      uuid.NewString(),
		done:    make(chan struct{}),
		started: time.Now(),
		clock:   sen.Clock(),
		startUs: sen.Clock().Micros(),
		base:    c.delivered.Load(),
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	c.mu.Lock()
	c.run = r
	mirror := c.mirror
	c.mu.Unlock()
	if mirror != nil {
		mirror.SetRunID(r.id)
	}

	c.queue.Clear()
	c.state.Store(int32(StateRunning))
	c.monitor.UpdateHealthy("acquisition", StateRunning.String())
	c.metrics.RecordStreamStatus(cfg.Output.Key().String(), true)

	log := c.logger.With("run_id", r.id)
	c.launch(runCtx, r, cfg, sen, store, mirror, log)

	log.Info("Acquisition started",
		"settings", cfg.Sensor.Settings().Identity(),
		"started_at", r.clock.Format(r.startUs),
		"output", cfg.Output.Enabled,
		"path", store.Path(cfg.Output.Key()))
	store.Notify(csv.Event{
		Kind:    csv.EventStreamStarted,
		Key:     cfg.Output.Key(),
		Path:    store.Path(cfg.Output.Key()),
		Message: "run " + r.id,
	})
	return nil
}

// launch starts the run goroutines and closes r.done when all have returned.
func (c *Coordinator) launch(ctx context.Context, r *run, cfg config.Config, sen *sensor.Sensor,
	store *csv.Store, mirror *publish.Mirror, log *slog.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	decodeDone := make(chan struct{})
	d := &delivery{
		c:       c,
		store:   store,
		mirror:  mirror,
		key:     cfg.Output.Key(),
		output:  cfg.Output,
		metrics: c.metrics,
	}

	g.Go(func() error {
		defer close(decodeDone)
		err := sen.Run(gctx, c.enqueue)
		if err != nil {
			c.monitor.Update("sensor", health.FromError("sensor", err))
			log.Error("Decode loop stopped", "error", err)
		}
		return err
	})
	g.Go(func() error {
		return d.loop(gctx, decodeDone)
	})
	if interval := cfg.Output.FlushInterval.Std(); interval > 0 && cfg.Output.Enabled {
		g.Go(func() error {
			d.flushLoop(gctx, interval)
			return nil
		})
	}

	go func() {
		r.err = g.Wait()
		close(r.done)
	}()
}

// enqueue runs on the decode goroutine and never blocks.
func (c *Coordinator) enqueue(s calibration.Sample) {
	if err := c.queue.Write(s); err != nil {
		c.dropped.Add(1)
		c.metrics.RecordQueueDrop()
		return
	}
	c.queued.Add(1)
	c.metrics.RecordQueued(c.queue.Size())
}

func (c *Coordinator) onQueueDrop(calibration.Sample) {
	c.dropped.Add(1)
	c.metrics.RecordQueueDrop()
}

// ensureSensor reuses the decode unit while its identity is unchanged.
func (c *Coordinator) ensureSensor(cfg config.Config) (*sensor.Sensor, error) {
	sc := sensor.DefaultConfig()
	sc.Transport = cfg.Sensor.Settings()
	sc.SensitivityCh1 = cfg.Sensor.SensitivityCh1
	sc.SensitivityCh2 = cfg.Sensor.SensitivityCh2
	sc.Layout = cfg.Sensor.Layout()
	id := sc.Identity()

	c.mu.Lock()
	existing, existingID := c.sensor, c.sensorID
	c.mu.Unlock()
	if existing != nil && existingID == id {
		return existing, nil
	}
	if existing != nil {
		if err := existing.Disconnect(); err != nil {
			c.logger.Warn("Failed to release previous sensor", "error", err)
		}
	}

	sen, err := sensor.New(sc, c.deps.NewTransport(sc.Transport), sensor.Deps{
		Logger:          c.logger,
		MetricsRegistry: c.registry,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sensor, c.sensorID = sen, id
	c.mu.Unlock()
	return sen, nil
}

// ensureStore reuses the store while its base directory is unchanged.
func (c *Coordinator) ensureStore(cfg config.Config) (*csv.Store, error) {
	baseDir := cfg.Output.BaseDir
	if baseDir == "" {
		// output disabled; the store only relays stream events
		baseDir = config.Default().Output.BaseDir
	}

	c.mu.Lock()
	existing := c.store
	c.mu.Unlock()
	if existing != nil && existing.BaseDir() == baseDir {
		return existing, nil
	}
	if existing != nil {
		if err := existing.CloseAll(); err != nil {
			c.logger.Warn("Failed to close previous store", "error", err)
		}
	}

	store, err := csv.NewStore(csv.Config{
		BaseDir:        baseDir,
		AutoFlush:      cfg.Output.AutoFlush,
		FlushThreshold: cfg.Output.FlushThreshold,
	}, csv.Deps{
		Logger:          c.logger,
		MetricsRegistry: c.registry,
		Listener:        c.deps.Listener,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.store = store
	c.mu.Unlock()
	return store, nil
}

// prepareStream opens the measurement stream and applies the flush policy.
// A failure is reported through the store and leaves writes to be dropped.
func (c *Coordinator) prepareStream(cfg config.Config, store *csv.Store) {
	if !cfg.Output.Enabled {
		c.monitor.UpdateDegraded("store", "output disabled")
		return
	}
	store.SetAutoFlush(cfg.Output.AutoFlush)
	store.SetFlushThreshold(cfg.Output.FlushThreshold)
	if err := store.Prepare(cfg.Output.Key(), Header...); err != nil {
		c.monitor.Update("store", health.FromError("store", err))
		c.logger.Warn("Measurement stream unavailable, samples will be dropped",
			"stream", cfg.Output.Key().String(), "error", err)
		return
	}
	c.monitor.UpdateHealthy("store", "writing "+cfg.Output.Key().String())
}

// ensureMirror connects the optional sample mirror once. A failure only
// degrades health.
func (c *Coordinator) ensureMirror(ctx context.Context, cfg config.Config) {
	c.mu.Lock()
	existing := c.mirror
	c.mu.Unlock()
	if existing != nil {
		return
	}

	var (
		mirror *publish.Mirror
		owns   bool
	)
	switch {
	case c.deps.Publisher != nil:
		mirror = publish.NewMirror(c.deps.Publisher, cfg.Publish.Subject, c.logger)
	case cfg.Publish.URL != "":
		m, err := publish.Connect(ctx, publish.Config{
			URL:        cfg.Publish.URL,
			Subject:    cfg.Publish.Subject,
			ClientName: cfg.Publish.ClientName,
			Timeout:    cfg.Publish.Timeout.Std(),
			Retry:      retry.DefaultConfig(),
		}, c.logger)
		if err != nil {
			c.monitor.Update("publish", health.FromError("publish", err))
			c.logger.Warn("Sample mirror unavailable", "error", err)
			return
		}
		mirror, owns = m, true
	default:
		return
	}

	c.monitor.UpdateHealthy("publish", "mirroring to "+cfg.Publish.Subject)
	c.mu.Lock()
	c.mirror, c.mirrorOwns = mirror, owns
	c.mu.Unlock()
}

// Stop ends the run. It waits up to timeout for the decode and delivery
// goroutines; on timeout it returns an error wrapping ErrStopTimeout and
// the coordinator stays stopping until a later Stop succeeds. Stopping an
// idle coordinator is a no-op.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.stop(timeout)
}

func (c *Coordinator) stop(timeout time.Duration) error {
	if c.State() == StateIdle {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	c.mu.Lock()
	r, sen, store, cfg := c.run, c.sensor, c.store, c.cfg
	c.mu.Unlock()

	c.state.Store(int32(StateStopping))
	r.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		c.logger.Warn("Acquisition stop timed out", "run_id", r.id, "timeout", timeout)
		return errors.WrapTransient(
			fmt.Errorf("%w after %v", errors.ErrStopTimeout, timeout),
			"Coordinator", "Stop", "wait for run goroutines")
	}

	key := cfg.Output.Key()
	if cfg.Output.Enabled {
		if err := store.Flush(key); err != nil {
			c.logger.Warn("Final flush failed", "stream", key.String(), "error", err)
		}
	}
	if err := sen.Disconnect(); err != nil {
		c.logger.Warn("Sensor disconnect failed", "error", err)
	}

	summary, elapsed := r.summary(c.delivered.Load())
	c.mu.Lock()
	c.run = nil
	c.lastRun = summary
	c.mu.Unlock()
	c.state.Store(int32(StateIdle))
	c.monitor.UpdateHealthy("acquisition", StateIdle.String())
	c.monitor.UpdateHealthy("sensor", "disconnected")
	c.metrics.RecordStreamStatus(key.String(), false)

	c.logger.Info("Acquisition stopped",
		"run_id", r.id,
		"duration", elapsed.Round(time.Millisecond),
		"sample_rate", summary.rate,
		"delivered", c.delivered.Load(),
		"dropped", c.dropped.Load())
	msg := "run " + r.id
	if r.err != nil {
		msg += ": " + r.err.Error()
	}
	store.Notify(csv.Event{
		Kind:    csv.EventStreamStopped,
		Key:     key,
		Path:    store.Path(key),
		Message: msg,
		Err:     r.err,
	})
	return nil
}

// Teardown stops the run, closes the measurement stream and the mirror and
// releases the decode unit. The coordinator can be started again afterwards.
func (c *Coordinator) Teardown() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.stop(DefaultStopTimeout); err != nil {
		return err
	}

	c.mu.Lock()
	store, mirror, owns, cfg := c.store, c.mirror, c.mirrorOwns, c.cfg
	c.sensor, c.sensorID = nil, ""
	c.mirror, c.mirrorOwns = nil, false
	c.mu.Unlock()

	var errs []error
	if store != nil && cfg.Output.Enabled {
		if err := store.Close(cfg.Output.Key()); err != nil {
			errs = append(errs, err)
		}
	}
	if mirror != nil && owns {
		if err := mirror.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.monitor.Remove("sensor")
	c.monitor.Remove("publish")
	c.logger.Debug("Acquisition torn down")
	return stderrors.Join(errs...)
}

// Done returns a channel closed when the current run's goroutines have all
// returned, or nil when idle. A transport failure ends the goroutines
// without changing the state; Stop still has to be called.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.done
}

// Err returns the error that ended the current run's goroutines, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// RunID returns the id of the current run, or "" when idle.
func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.id
}

// Sensor returns the decode unit, or nil before the first Start.
func (c *Coordinator) Sensor() *sensor.Sensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensor
}

// Store returns the CSV store, or nil before the first Start.
func (c *Coordinator) Store() *csv.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// Stats returns the delivery counters.
func (c *Coordinator) Stats() Stats {
	st := Stats{
		RunID:       c.RunID(),
		State:       c.State(),
		Queued:      c.queued.Load(),
		Delivered:   c.delivered.Load(),
		Dropped:     c.dropped.Load(),
		WriteErrors: c.writeErrors.Load(),
		QueueDepth:  c.queue.Size(),
	}

	c.mu.Lock()
	last := c.lastRun
	if c.run != nil {
		last, _ = c.run.summary(st.Delivered)
	}
	c.mu.Unlock()
	st.StartedAt, st.SampleRate = last.startedAt, last.rate
	return st
}

// Health aggregates the state of the sensor, the store and the mirror.
func (c *Coordinator) Health() health.Status {
	status := c.monitor.AggregateHealth("acquisition")

	m := &health.Metrics{
		ErrorCount:       c.writeErrors.Load(),
		SamplesProcessed: c.delivered.Load(),
		SamplesDropped:   c.dropped.Load(),
	}
	if ts := c.lastActivity.Load(); ts > 0 {
		m.LastActivity = time.UnixMicro(ts)
	}
	c.mu.Lock()
	if c.run != nil {
		m.Uptime = time.Since(c.run.started)
	}
	c.mu.Unlock()
	return status.WithMetrics(m)
}

func (c *Coordinator) engine(method string) (*calibration.Engine, error) {
	sen := c.Sensor()
	if sen == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no sensor has been started", errors.ErrInvalidState),
			"Coordinator", method, "sensor check")
	}
	return sen.Engine(), nil
}

// SetZero sets the zero reference of channel. See calibration.Engine.SetZero.
func (c *Coordinator) SetZero(value int64, channel int) error {
	e, err := c.engine("SetZero")
	if err != nil {
		return err
	}
	return e.SetZero(value, channel)
}

// SetSensitivity sets the sensitivity of channel.
func (c *Coordinator) SetSensitivity(value float64, channel int) error {
	e, err := c.engine("SetSensitivity")
	if err != nil {
		return err
	}
	return e.SetSensitivity(value, channel)
}

// Sensitivity returns the sensitivity of channel.
func (c *Coordinator) Sensitivity(channel int) (float64, error) {
	e, err := c.engine("Sensitivity")
	if err != nil {
		return 0, err
	}
	return e.Sensitivity(channel)
}

// Force returns the latest absolute or relative force of channel.
func (c *Coordinator) Force(channel int, relative bool) (float64, error) {
	e, err := c.engine("Force")
	if err != nil {
		return 0, err
	}
	return e.Force(channel, relative)
}
