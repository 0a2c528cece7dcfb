package csv

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/metric"
)

// DefaultFlushThreshold is the pending byte count that triggers a flush.
const DefaultFlushThreshold = 64 * 1024

// Initial capacity of a stream's pending buffer. The buffer grows past the
// cap when the flush threshold is larger.
const (
	minBufferSize = 4096
	maxBufferSize = 1 << 20
)

// Key identifies one stream.
type Key struct {
	Category string `json:"category" yaml:"category"`
	Stream   string `json:"stream" yaml:"stream"`
}

func (k Key) String() string {
	return k.Category + "/" + k.Stream
}

func (k Key) validate() error {
	for _, part := range []string{k.Category, k.Stream} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: bad stream key %q", errors.ErrInvalidArgument, k.String()),
				"Store", "Prepare", "key validation")
		}
	}
	return nil
}

// Config configures a Store.
type Config struct {
	BaseDir        string
	AutoFlush      bool
	FlushThreshold int
}

// Deps holds the optional collaborators of a Store.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Listener        Listener
}

// sink is the open state of one stream.
type sink struct {
	mu            sync.Mutex
	key           Key
	label         string
	path          string
	file          *os.File
	buf           []byte // rows not yet written to file
	headerWritten bool
	closed        bool
	rows          int64
}

// Store is a table of open streams under one base directory.
type Store struct {
	baseDir string
	logger  *slog.Logger
	metrics *metric.Metrics

	// mu guards the fields below; sink I/O happens under the sink's own mutex
	mu        sync.Mutex
	sinks     map[Key]*sink
	failed    map[Key]error
	autoFlush bool
	threshold int
	listeners []Listener

	dropped atomic.Int64
}

// NewStore creates a store rooted at cfg.BaseDir. No file is touched until
// the first Prepare or write.
func NewStore(cfg Config, deps Deps) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "NewStore", "base directory check")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		baseDir:   cfg.BaseDir,
		logger:    logger.With("component", "csv-store", "base_dir", cfg.BaseDir),
		metrics:   deps.MetricsRegistry.CoreMetrics(),
		sinks:     make(map[Key]*sink),
		failed:    make(map[Key]error),
		autoFlush: cfg.AutoFlush,
		threshold: clampThreshold(cfg.FlushThreshold),
	}
	if deps.Listener != nil {
		s.listeners = append(s.listeners, deps.Listener)
	}
	return s, nil
}

func clampThreshold(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// BaseDir returns the root directory of the store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Path returns the file path of a stream.
func (s *Store) Path(key Key) string {
	return filepath.Join(s.baseDir, key.Category, key.Stream+".csv")
}

// AddListener registers l for all future events.
func (s *Store) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Notify delivers e to every listener. The coordinator uses it for stream
// lifecycle events so that all notifications share one channel.
func (s *Store) Notify(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// SetAutoFlush switches between flushing after every row and batching by threshold.
func (s *Store) SetAutoFlush(on bool) {
	s.mu.Lock()
	s.autoFlush = on
	s.mu.Unlock()
}

// AutoFlush reports whether auto-flush is on.
func (s *Store) AutoFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoFlush
}

// SetFlushThreshold sets the pending byte count that triggers a flush.
// Negative values are clamped to zero, which flushes after every row.
func (s *Store) SetFlushThreshold(n int) {
	s.mu.Lock()
	s.threshold = clampThreshold(n)
	s.mu.Unlock()
}

// FlushThreshold returns the current flush threshold.
func (s *Store) FlushThreshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

func (s *Store) policy() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoFlush, s.threshold
}

// Prepare opens a stream if it is not open yet. On a new or empty file a
// non-empty header is written as one escaped line. Preparing an open stream
// is a no-op and never rewrites the header.
func (s *Store) Prepare(key Key, header ...string) error {
	_, err := s.prepare(key, header, false)
	return err
}

// prepare returns the open sink for key. When lazy is set and the key
// previously failed to open, it returns the stored failure without retrying.
func (s *Store) prepare(key Key, header []string, lazy bool) (*sink, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if sk, ok := s.sinks[key]; ok {
		s.mu.Unlock()
		return sk, nil
	}
	if prev, ok := s.failed[key]; ok && lazy {
		s.mu.Unlock()
		s.dropped.Add(1)
		return nil, prev
	}

	path := s.Path(key)
	sk, err := s.open(key, path, header)
	if err != nil {
		s.failed[key] = err
		s.mu.Unlock()
		s.reportError(key, path, "open stream", err)
		return nil, err
	}
	delete(s.failed, key)
	s.sinks[key] = sk
	s.mu.Unlock()

	s.logger.Info("Stream opened", "stream", key.String(), "path", path, "header", sk.headerWritten)
	s.Notify(Event{Kind: EventFileOpened, Key: key, Path: path})
	return sk, nil
}

// open creates the directory and file of a stream; caller holds mu.
func (s *Store) open(key Key, path string, header []string) (*sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.IOError(err, "Store", "Prepare", "create directory")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.IOError(err, "Store", "Prepare", "open file")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.IOError(err, "Store", "Prepare", "stat file")
	}

	size := min(max(s.threshold, minBufferSize), maxBufferSize)
	sk := &sink{
		key:   key,
		label: key.String(),
		path:  path,
		file:  f,
		buf:   make([]byte, 0, size),
	}

	if info.Size() == 0 && len(header) > 0 {
		line := append(appendRow(nil, header), '\n')
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return nil, errors.IOError(err, "Store", "Prepare", "write header")
		}
		sk.headerWritten = true
	}
	return sk, nil
}

func (s *Store) reportError(key Key, path, action string, err error) {
	s.metrics.RecordError("csv", errors.Kind(err))
	s.logger.Error("Stream I/O failed", "stream", key.String(), "path", path, "action", action, "error", err)
	s.Notify(Event{Kind: EventError, Key: key, Path: path, Message: action + ": " + err.Error(), Err: err})
}

// Failed returns the open failure recorded for key, or nil.
func (s *Store) Failed(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[key]
}

// Dropped returns how many writes were discarded because their stream had failed to open.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Keys returns the open streams.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0, len(s.sinks))
	for k := range s.sinks {
		keys = append(keys, k)
	}
	return keys
}

// write appends one line produced by format to the stream of key.
func (s *Store) write(key Key, format func(dst []byte) []byte) error {
	// a sink closed between lookup and lock is reopened once
	for attempt := 0; attempt < 2; attempt++ {
		sk, err := s.prepare(key, nil, true)
		if err != nil {
			return err
		}

		sk.mu.Lock()
		if sk.closed {
			sk.mu.Unlock()
			continue
		}
		err = s.appendLine(sk, format)
		sk.mu.Unlock()

		if err != nil {
			s.reportError(key, sk.path, "write row", err)
		}
		return err
	}
	return errors.WrapTransient(errors.ErrInvalidState, "Store", "write", "stream closed concurrently")
}

// appendLine writes and applies the flush policy; caller holds sk.mu.
func (s *Store) appendLine(sk *sink, format func(dst []byte) []byte) error {
	start := len(sk.buf)
	sk.buf = append(format(sk.buf), '\n')
	n := len(sk.buf) - start
	sk.rows++
	s.metrics.RecordRow(sk.label, n)

	autoFlush, threshold := s.policy()
	switch {
	case autoFlush:
		return s.flushSink(sk, "auto")
	case len(sk.buf) >= threshold:
		return s.flushSink(sk, "threshold")
	}
	return nil
}

// flushSink writes the pending rows to the file; caller holds sk.mu.
func (s *Store) flushSink(sk *sink, trigger string) error {
	if sk.closed {
		return nil
	}
	if len(sk.buf) == 0 {
		return nil
	}
	n, err := sk.file.Write(sk.buf)
	// unwritten bytes stay pending for the next flush
	sk.buf = sk.buf[:copy(sk.buf, sk.buf[n:])]
	if err != nil {
		return errors.IOError(err, "Store", "Flush", "flush "+sk.label)
	}
	s.metrics.RecordFlush(sk.label, trigger)
	return nil
}

// WriteRow escapes and appends columns as one line.
func (s *Store) WriteRow(key Key, columns []string) error {
	return s.write(key, func(dst []byte) []byte { return appendRow(dst, columns) })
}

// WriteRawLine appends line verbatim. The caller guarantees it is well formed.
func (s *Store) WriteRawLine(key Key, line string) error {
	return s.write(key, func(dst []byte) []byte { return append(dst, line...) })
}

// WriteInts appends a row of integers.
func (s *Store) WriteInts(key Key, values []int64) error {
	return s.write(key, func(dst []byte) []byte { return appendInts(dst, values) })
}

// WriteFloats appends a row of fixed-precision decimals. A negative
// precision uses DefaultPrecision.
func (s *Store) WriteFloats(key Key, values []float64, precision int) error {
	return s.write(key, func(dst []byte) []byte { return appendFloats(dst, values, precision) })
}

// WriteFixed appends a sample row: timestamp, channel, then fixed-precision values.
func (s *Store) WriteFixed(key Key, ts int64, channel int, values []float64, precision int) error {
	return s.write(key, func(dst []byte) []byte {
		dst = strconv.AppendInt(dst, ts, 10)
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, int64(channel), 10)
		if len(values) > 0 {
			dst = append(dst, ',')
			dst = appendFloats(dst, values, precision)
		}
		return dst
	})
}

func (s *Store) lookup(key Key) *sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[key]
}

// Flush writes any buffered bytes of one stream. Flushing a stream that is
// not open is a no-op.
func (s *Store) Flush(key Key) error {
	sk := s.lookup(key)
	if sk == nil {
		return nil
	}

	sk.mu.Lock()
	err := s.flushSink(sk, "explicit")
	sk.mu.Unlock()

	if err != nil {
		s.reportError(key, sk.path, "flush", err)
	}
	return err
}

// FlushAll flushes every open stream and joins the failures.
func (s *Store) FlushAll() error {
	var errs []error
	for _, key := range s.Keys() {
		if err := s.Flush(key); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Close flushes and closes one stream and removes it from the table.
// Closing a stream that is not open is a no-op.
func (s *Store) Close(key Key) error {
	s.mu.Lock()
	sk, ok := s.sinks[key]
	delete(s.sinks, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sk.mu.Lock()
	err := s.flushSink(sk, "close")
	if cerr := sk.file.Close(); cerr != nil && err == nil {
		err = errors.IOError(cerr, "Store", "Close", "close file")
	}
	sk.closed = true
	rows := sk.rows
	sk.mu.Unlock()

	if err != nil {
		s.reportError(key, sk.path, "close", err)
	}
	s.logger.Info("Stream closed", "stream", key.String(), "rows", rows)
	s.Notify(Event{Kind: EventFileClosed, Key: key, Path: sk.path})
	return err
}

// CloseAll closes every open stream and joins the failures.
func (s *Store) CloseAll() error {
	var errs []error
	for _, key := range s.Keys() {
		if err := s.Close(key); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Pending returns the bytes written to a stream since its last flush.
func (s *Store) Pending(key Key) int {
	sk := s.lookup(key)
	if sk == nil {
		return 0
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return len(sk.buf)
}
