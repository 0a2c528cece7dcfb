package acquisition

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qininining/SignalGA/calibration"
	"github.com/Qininining/SignalGA/config"
	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/frame"
	"github.com/Qininining/SignalGA/metric"
	"github.com/Qininining/SignalGA/output/csv"
	"github.com/Qininining/SignalGA/testutil"
	"github.com/Qininining/SignalGA/transport"
)

type harness struct {
	t      *testing.T
	cfg    *config.Config
	lb     *transport.Loopback
	c      *Coordinator
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []csv.Event
}

func (l *eventLog) record(e csv.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []csv.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]csv.EventKind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Sensor.ReadTimeout = config.Duration(5 * time.Millisecond)
	cfg.Output.BaseDir = t.TempDir()
	cfg.Output.FlushInterval = 0
	cfg.Queue.Capacity = 1024
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()
	h := &harness{t: t, cfg: testConfig(t), lb: transport.NewLoopback(), events: &eventLog{}}
	deps := Deps{
		Listener:     h.events.record,
		NewTransport: func(transport.Settings) transport.Transport { return h.lb },
	}
	if mutate != nil {
		mutate(h.cfg, &deps)
	}

	c, err := New(h.cfg, deps)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Teardown() })
	return h
}

func (h *harness) feed(channel int, raws ...int64) {
	h.t.Helper()
	h.lb.Feed(testutil.Frames(h.t, channel, raws...))
}

func (h *harness) waitDelivered(n int64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.c.Stats().Delivered >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) lines() []string {
	h.t.Helper()
	return testutil.ReadLines(h.t, filepath.Join(h.cfg.Output.BaseDir, "Acquisition", "Raw.csv"))
}

// columns drops the timestamp, which depends on the clock.
func columns(line string) string {
	_, rest, _ := strings.Cut(line, ",")
	return rest
}

func TestStartStopWritesRows(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx))
	assert.True(t, h.c.Running())
	assert.NotEmpty(t, h.c.RunID())

	h.feed(1, 15, 20)
	h.feed(2, 5)
	h.waitDelivered(3)

	require.NoError(t, h.c.Stop(time.Second))
	assert.Equal(t, StateIdle, h.c.State())
	assert.False(t, h.lb.IsOpen())
	assert.Empty(t, h.c.RunID())

	lines := h.lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "ts_us,channel,absoluteForce,relativeForce", lines[0])
	assert.Equal(t, "1,15.000000,0.000000", columns(lines[1]))
	assert.Equal(t, "1,20.000000,5.000000", columns(lines[2]))
	assert.Equal(t, "2,5.000000,0.000000", columns(lines[3]))
}

func TestStatsReportRunStartAndRate(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, h.c.Stats().StartedAt.IsZero())

	before := time.Now()
	require.NoError(t, h.c.Start(context.Background()))
	h.feed(1, 1, 2, 3, 4)
	h.waitDelivered(4)

	running := h.c.Stats()
	assert.False(t, running.StartedAt.Before(before.Add(-time.Second)))
	assert.Greater(t, running.SampleRate, 0.0)

	require.NoError(t, h.c.Stop(time.Second))
	stopped := h.c.Stats()
	assert.Equal(t, running.StartedAt, stopped.StartedAt, "the last run stays reported once idle")
	assert.Greater(t, stopped.SampleRate, 0.0)
	assert.LessOrEqual(t, stopped.SampleRate, running.SampleRate)
}

func TestStartIsNoOpWhenRunning(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start(context.Background()))
	id := h.c.RunID()

	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, 1, h.lb.Opens())
	assert.Equal(t, id, h.c.RunID())
}

func TestStopWhenIdleIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.c.Stop(time.Second))
	assert.Nil(t, h.c.Done())
	assert.NoError(t, h.c.Err())
}

func TestStartTransportFailureStaysIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.lb.FailOpen(stderrors.New("port busy"))

	err := h.c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.Equal(t, StateIdle, h.c.State())
	assert.True(t, h.c.Health().IsUnhealthy())

	h.lb.FailOpen(nil)
	require.NoError(t, h.c.Start(context.Background()))
	assert.True(t, h.c.Running())
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Sensor.OpenAttempts = 3
	})
	h.lb.FailOpen(stderrors.New("port busy"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.lb.FailOpen(nil)
	}()

	require.NoError(t, h.c.Start(context.Background()))
	assert.True(t, h.c.Running())
}

func TestEventsAcrossLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.Stop(time.Second))
	require.NoError(t, h.c.Teardown())

	assert.Equal(t, []csv.EventKind{
		csv.EventFileOpened,
		csv.EventStreamStarted,
		csv.EventStreamStopped,
		csv.EventFileClosed,
	}, h.events.kinds())
}

func TestRestartReusesSensorAndResetsZero(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx))
	sen := h.c.Sensor()
	h.feed(1, 100)
	h.waitDelivered(1)
	require.NoError(t, h.c.Stop(time.Second))

	require.NoError(t, h.c.Start(ctx))
	assert.Same(t, sen, h.c.Sensor())
	assert.Equal(t, 2, h.lb.Opens())
	h.feed(1, 130)
	h.waitDelivered(2)
	require.NoError(t, h.c.Stop(time.Second))

	lines := h.lines()
	require.Len(t, lines, 3, "header is written once")
	assert.Equal(t, "1,100.000000,0.000000", columns(lines[1]))
	assert.Equal(t, "1,130.000000,0.000000", columns(lines[2]), "zero is captured again after reconnect")
}

func TestConfigure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.c.Start(ctx))
	first := h.c.Sensor()

	next := h.c.Config()
	next.Sensor.SensitivityCh1 = 2.0
	err := h.c.Configure(&next)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, h.c.Stop(time.Second))
	require.NoError(t, h.c.Configure(&next))

	bad := next
	bad.Sensor.SensitivityCh2 = 0
	assert.ErrorIs(t, h.c.Configure(&bad), errors.ErrInvalidConfig)

	require.NoError(t, h.c.Start(ctx))
	assert.NotSame(t, first, h.c.Sensor())
	got, err := h.c.Sensitivity(1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)
}

func TestDualLayoutSharesTimestamp(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Sensor.FrameLayout = "dual"
	})
	require.NoError(t, h.c.Start(context.Background()))

	b, err := frame.EncodeDual(frame.Reading{Channel: 2, Raw: 7}, frame.Reading{Channel: 1, Raw: 3})
	require.NoError(t, err)
	h.lb.Feed(append(b, testutil.DualFrames(t, [2]int64{5, 9})...))
	h.waitDelivered(4)
	require.NoError(t, h.c.Stop(time.Second))

	lines := h.lines()
	require.Len(t, lines, 5)
	ts1, _, _ := strings.Cut(lines[1], ",")
	ts2, _, _ := strings.Cut(lines[2], ",")
	assert.Equal(t, ts1, ts2)
	assert.Equal(t, "1,3.000000,0.000000", columns(lines[1]))
	assert.Equal(t, "2,7.000000,0.000000", columns(lines[2]))
	assert.Equal(t, "1,5.000000,2.000000", columns(lines[3]))
	assert.Equal(t, "2,9.000000,2.000000", columns(lines[4]))
}

func TestSlowPathMatchesFastPath(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Output.FastPath = false
		cfg.Sensor.SensitivityCh1 = 0.5
	})
	require.NoError(t, h.c.Start(context.Background()))
	h.feed(1, 10, 13)
	h.waitDelivered(2)
	require.NoError(t, h.c.Stop(time.Second))

	lines := h.lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "1,5.000000,0.000000", columns(lines[1]))
	assert.Equal(t, "1,6.500000,1.500000", columns(lines[2]))
}

func TestOutputDisabledDropsSilently(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Output.Enabled = false
	})
	require.NoError(t, h.c.Start(context.Background()))
	h.feed(1, 1, 2, 3)
	h.waitDelivered(3)
	require.NoError(t, h.c.Stop(time.Second))

	_, err := os.Stat(filepath.Join(h.cfg.Output.BaseDir, "Acquisition"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(0), h.c.Stats().WriteErrors)
}

func TestPeriodicFlush(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Output.FlushInterval = config.Duration(10 * time.Millisecond)
	})
	require.NoError(t, h.c.Start(context.Background()))
	h.feed(1, 42)
	h.waitDelivered(1)

	require.Eventually(t, func() bool {
		return h.c.Store().Pending(h.cfg.Output.Key()) == 0 && len(h.lines()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCalibrationPassthrough(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.c.Sensitivity(1)
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	assert.ErrorIs(t, h.c.SetZero(0, 1), errors.ErrInvalidState)

	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.SetSensitivity(2.5, 2))
	got, err := h.c.Sensitivity(2)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	assert.ErrorIs(t, h.c.SetSensitivity(-1, 1), errors.ErrInvalidArgument)
	assert.ErrorIs(t, h.c.SetZero(10, 3), errors.ErrInvalidArgument)

	h.feed(2, 40)
	h.waitDelivered(1)
	require.NoError(t, h.c.SetZero(30, 2))

	abs, err := h.c.Force(2, false)
	require.NoError(t, err)
	assert.Equal(t, 100.0, abs)
	rel, err := h.c.Force(2, true)
	require.NoError(t, err)
	assert.Equal(t, 25.0, rel)
}

func TestMirrorReceivesDeliveredSamples(t *testing.T) {
	pub := &testutil.RecordingPublisher{}
	h := newHarness(t, func(_ *config.Config, deps *Deps) {
		deps.Publisher = pub
	})
	require.NoError(t, h.c.Start(context.Background()))
	h.feed(1, 1)
	h.feed(2, 2)
	h.waitDelivered(2)
	require.NoError(t, h.c.Stop(time.Second))

	assert.Equal(t, []string{"signalga.samples.ch1", "signalga.samples.ch2"}, pub.Subjects())
}

func TestReadFailureEndsRun(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start(context.Background()))

	h.lb.FailRead(stderrors.New("device unplugged"))
	select {
	case <-h.c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after a read failure")
	}

	assert.ErrorIs(t, h.c.Err(), errors.ErrTransport)
	assert.True(t, h.c.Health().IsUnhealthy())
	assert.Equal(t, StateRunning, h.c.State())

	require.NoError(t, h.c.Stop(time.Second))
	kinds := h.events.kinds()
	assert.Equal(t, csv.EventStreamStopped, kinds[len(kinds)-1])
}

// stuckTransport ignores Close so that a Read in progress never returns.
type stuckTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stuckTransport) Open(transport.Settings) error { return nil }
func (s *stuckTransport) Write(p []byte) (int, error)   { return len(p), nil }
func (s *stuckTransport) Close() error                  { return nil }

func (s *stuckTransport) Read([]byte) (int, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return 0, nil
}

func TestStopTimeout(t *testing.T) {
	stuck := &stuckTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, func(_ *config.Config, deps *Deps) {
		deps.NewTransport = func(transport.Settings) transport.Transport { return stuck }
	})
	require.NoError(t, h.c.Start(context.Background()))

	select {
	case <-stuck.entered:
	case <-time.After(time.Second):
		t.Fatal("decode loop never reached the transport")
	}

	err := h.c.Stop(20 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStopTimeout)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StateStopping, h.c.State())
	assert.ErrorIs(t, h.c.Start(context.Background()), errors.ErrShuttingDown)

	close(stuck.release)
	require.NoError(t, h.c.Stop(time.Second))
	assert.Equal(t, StateIdle, h.c.State())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	h := newHarness(t, func(cfg *config.Config, deps *Deps) {
		cfg.Queue.Capacity = 2
		deps.MetricsRegistry = reg
	})

	for i := int64(1); i <= 5; i++ {
		h.c.enqueue(calibration.Sample{Channel: 1, TimestampMicros: i})
	}

	stats := h.c.Stats()
	assert.Equal(t, int64(5), stats.Queued)
	assert.Equal(t, int64(3), stats.Dropped)
	assert.Equal(t, 2, stats.QueueDepth)

	first, ok := h.c.queue.Read()
	require.True(t, ok)
	assert.Equal(t, int64(4), first.TimestampMicros)

	core := reg.CoreMetrics()
	assert.Equal(t, 5.0, promtest.ToFloat64(core.SamplesQueued))
	assert.Equal(t, 3.0, promtest.ToFloat64(core.SamplesDropped))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, h.c.Health().IsHealthy())

	require.NoError(t, h.c.Start(context.Background()))
	h.feed(1, 9)
	h.waitDelivered(1)

	status := h.c.Health()
	assert.True(t, status.IsHealthy())
	require.NotNil(t, status.Metrics)
	assert.Equal(t, int64(1), status.Metrics.SamplesProcessed)
	assert.Positive(t, status.Metrics.Uptime)
	assert.False(t, status.Metrics.LastActivity.IsZero())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Capacity = 0
	_, err := New(cfg, Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
