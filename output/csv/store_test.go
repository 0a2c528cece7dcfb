package csv

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/metric"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestStore(t *testing.T, cfg Config) (*Store, *eventLog) {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	log := &eventLog{}
	s, err := NewStore(cfg, Deps{Listener: log.listen})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.CloseAll() })
	return s, log
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

var testKey = Key{Category: "Acquisition", Stream: "Raw"}

func TestPrepareWritesHeaderOnce(t *testing.T) {
	s, log := newTestStore(t, Config{AutoFlush: true})

	require.NoError(t, s.Prepare(testKey, "ts_us", "channel", "absoluteForce", "relativeForce"))
	require.NoError(t, s.Prepare(testKey, "other", "header"))
	require.NoError(t, s.WriteRawLine(testKey, "1,1,0.5,0.0"))

	path := filepath.Join(s.BaseDir(), "Acquisition", "Raw.csv")
	assert.Equal(t, path, s.Path(testKey))
	assert.Equal(t, "ts_us,channel,absoluteForce,relativeForce\n1,1,0.5,0.0\n", readFile(t, path))
	assert.Equal(t, []EventKind{EventFileOpened}, log.kinds())
}

func TestPrepareDoesNotTruncateExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Acquisition", "Raw.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("h\nold\n"), 0o644))

	s, _ := newTestStore(t, Config{BaseDir: dir, AutoFlush: true})
	require.NoError(t, s.Prepare(testKey, "h"))
	require.NoError(t, s.WriteRawLine(testKey, "new"))

	assert.Equal(t, "h\nold\nnew\n", readFile(t, path))
}

func TestWriteRowEscapes(t *testing.T) {
	s, _ := newTestStore(t, Config{AutoFlush: true})

	require.NoError(t, s.WriteRow(testKey, []string{"a,b", `a"b`, "plain"}))
	assert.Equal(t, "\"a,b\",\"a\"\"b\",plain\n", readFile(t, s.Path(testKey)))
}

func TestLazyPrepareWritesNoHeader(t *testing.T) {
	s, log := newTestStore(t, Config{AutoFlush: true})

	require.NoError(t, s.WriteInts(testKey, []int64{1, 2, 3}))
	require.NoError(t, s.WriteFloats(testKey, []float64{1.5}, 2))
	require.NoError(t, s.WriteFixed(testKey, 1200, 2, []float64{15, 0}, -1))

	assert.Equal(t, "1,2,3\n1.50\n1200,2,15.000000,0.000000\n", readFile(t, s.Path(testKey)))
	assert.Equal(t, []EventKind{EventFileOpened}, log.kinds())
}

func TestFlushThreshold(t *testing.T) {
	s, _ := newTestStore(t, Config{FlushThreshold: 30})
	path := s.Path(testKey)

	// each row is 10 bytes including the newline
	row := "123456789"
	require.NoError(t, s.WriteRawLine(testKey, row))
	require.NoError(t, s.WriteRawLine(testKey, row))
	assert.Equal(t, "", readFile(t, path), "no flush before the threshold")
	assert.Equal(t, 20, s.Pending(testKey))

	require.NoError(t, s.WriteRawLine(testKey, row))
	assert.Equal(t, strings.Repeat(row+"\n", 3), readFile(t, path), "flush once pending reaches the threshold")
	assert.Equal(t, 0, s.Pending(testKey))

	require.NoError(t, s.WriteRawLine(testKey, row))
	assert.Equal(t, 10, s.Pending(testKey))
	require.NoError(t, s.Flush(testKey))
	assert.Equal(t, strings.Repeat(row+"\n", 4), readFile(t, path))
}

func TestRaisedThresholdHoldsRowsUntilReached(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
	}{
		{"raised after open", 64 * 1024},
		{"above the initial buffer cap", 2 * maxBufferSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, Config{FlushThreshold: 16})
			require.NoError(t, s.Prepare(testKey))
			s.SetFlushThreshold(tt.threshold)

			row := strings.Repeat("7", 1023)
			rows := tt.threshold/1024 - 1
			for i := 0; i < rows; i++ {
				require.NoError(t, s.WriteRawLine(testKey, row))
			}
			assert.Equal(t, "", readFile(t, s.Path(testKey)), "no flush before the threshold")
			assert.Equal(t, rows*1024, s.Pending(testKey))

			require.NoError(t, s.WriteRawLine(testKey, row))
			assert.Equal(t, 0, s.Pending(testKey))
			assert.Len(t, readFile(t, s.Path(testKey)), tt.threshold)
		})
	}
}

func TestAutoFlushAndThresholdSettings(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	assert.Equal(t, 0, s.FlushThreshold())

	s.SetFlushThreshold(-5)
	assert.Equal(t, 0, s.FlushThreshold())

	s.SetFlushThreshold(1 << 20)
	s.SetAutoFlush(false)
	require.NoError(t, s.WriteRawLine(testKey, "x"))
	assert.Equal(t, "", readFile(t, s.Path(testKey)))

	s.SetAutoFlush(true)
	assert.True(t, s.AutoFlush())
	require.NoError(t, s.WriteRawLine(testKey, "y"))
	assert.Equal(t, "x\ny\n", readFile(t, s.Path(testKey)))
}

func TestCloseFlushesAndRemoves(t *testing.T) {
	s, log := newTestStore(t, Config{FlushThreshold: DefaultFlushThreshold})
	other := Key{Category: "Acquisition", Stream: "Other"}

	require.NoError(t, s.WriteRawLine(testKey, "a"))
	require.NoError(t, s.WriteRawLine(other, "b"))
	assert.Len(t, s.Keys(), 2)

	require.NoError(t, s.Close(testKey))
	assert.Equal(t, "a\n", readFile(t, s.Path(testKey)))
	assert.Len(t, s.Keys(), 1)
	assert.NoError(t, s.Close(testKey), "closing twice is a no-op")

	require.NoError(t, s.CloseAll())
	assert.Equal(t, "b\n", readFile(t, s.Path(other)))
	assert.Empty(t, s.Keys())
	assert.Equal(t, []EventKind{EventFileOpened, EventFileOpened, EventFileClosed, EventFileClosed}, log.kinds())

	// writing after close reopens lazily and appends
	require.NoError(t, s.WriteRawLine(testKey, "c"))
	require.NoError(t, s.FlushAll())
	assert.Equal(t, "a\nc\n", readFile(t, s.Path(testKey)))
}

func TestOpenFailureMarksKeyFailed(t *testing.T) {
	dir := t.TempDir()
	// a regular file where the category directory should be
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Acquisition"), []byte("x"), 0o644))

	registry := metric.NewMetricsRegistry()
	log := &eventLog{}
	s, err := NewStore(Config{BaseDir: dir, AutoFlush: true}, Deps{Listener: log.listen, MetricsRegistry: registry})
	require.NoError(t, err)

	err = s.Prepare(testKey, "h")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrIO))
	assert.NotNil(t, s.Failed(testKey))

	err = s.WriteRawLine(testKey, "dropped")
	assert.True(t, stderrors.Is(err, errors.ErrIO))
	assert.Equal(t, int64(1), s.Dropped())
	assert.Equal(t, []EventKind{EventError}, log.kinds(), "drops after the first failure are silent")
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().ErrorsTotal.WithLabelValues("csv", "io")))

	// other streams are unaffected
	ok := Key{Category: "Other", Stream: "Raw"}
	require.NoError(t, s.WriteRawLine(ok, "kept"))

	// fixing the cause and preparing again recovers
	require.NoError(t, os.Remove(filepath.Join(dir, "Acquisition")))
	require.NoError(t, s.Prepare(testKey, "h"))
	assert.Nil(t, s.Failed(testKey))
	require.NoError(t, s.WriteRawLine(testKey, "row"))
	assert.Equal(t, "h\nrow\n", readFile(t, s.Path(testKey)))
	require.NoError(t, s.CloseAll())
}

func TestInvalidKey(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	for _, k := range []Key{{"", "x"}, {"a", ""}, {"..", "x"}, {"a/b", "x"}, {"a", `x\y`}} {
		err := s.Prepare(k)
		assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument), "key %v", k)
	}
}

func TestNewStoreRequiresBaseDir(t *testing.T) {
	_, err := NewStore(Config{}, Deps{})
	assert.True(t, stderrors.Is(err, errors.ErrMissingConfig))
}

func TestConcurrentWritersSameStream(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s, err := NewStore(Config{BaseDir: t.TempDir(), FlushThreshold: 512}, Deps{MetricsRegistry: registry})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				assert.NoError(t, s.WriteInts(testKey, []int64{int64(w), int64(i)}))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.CloseAll())

	lines := strings.Split(strings.TrimSuffix(readFile(t, s.Path(testKey)), "\n"), "\n")
	assert.Len(t, lines, 1000)
	assert.Equal(t, 1000.0, testutil.ToFloat64(registry.CoreMetrics().RowsWritten.WithLabelValues(testKey.String())))
}

func TestNotifyAddsTimestamp(t *testing.T) {
	s, log := newTestStore(t, Config{})
	var second []Event
	s.AddListener(func(e Event) { second = append(second, e) })

	s.Notify(Event{Kind: EventStreamStarted, Key: testKey})
	require.Len(t, second, 1)
	assert.False(t, second[0].Time.IsZero())
	assert.Equal(t, []EventKind{EventStreamStarted}, log.kinds())
	assert.Equal(t, "stream_started", EventStreamStarted.String())
}
