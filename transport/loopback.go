package transport

import (
	"bytes"
	"sync"
	"time"

	"github.com/Qininining/SignalGA/errors"
)

// Loopback is an in-memory Transport. Bytes passed to Feed are returned by
// Read; bytes passed to Write are recorded for inspection.
type Loopback struct {
	mu       sync.Mutex
	open     bool
	settings Settings
	pending  bytes.Buffer
	written  bytes.Buffer
	opens    int
	openErr  error
	readErr  error

	// notify holds a token while pending data or a state change is unread
	notify chan struct{}
}

// NewLoopback returns an unopened loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{notify: make(chan struct{}, 1)}
}

func (l *Loopback) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// FailOpen makes subsequent Open calls fail with err. A nil err clears it.
func (l *Loopback) FailOpen(err error) {
	l.mu.Lock()
	l.openErr = err
	l.mu.Unlock()
}

// FailRead makes the next Read fail with err.
func (l *Loopback) FailRead(err error) {
	l.mu.Lock()
	l.readErr = err
	l.mu.Unlock()
	l.wake()
}

// Open marks the loopback open and drops any bytes fed while closed.
func (l *Loopback) Open(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return errors.WrapInvalid(err, "Loopback", "Open", "settings validation")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.openErr != nil {
		return errors.TransportError(l.openErr, "Loopback", "Open", "open "+settings.Port)
	}
	if l.open {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Loopback", "Open", "port state check")
	}
	l.open = true
	l.opens++
	l.settings = settings.withDefaults()
	return nil
}

// Feed queues bytes for Read.
func (l *Loopback) Feed(p []byte) {
	l.mu.Lock()
	l.pending.Write(p)
	l.mu.Unlock()
	l.wake()
}

// Read returns queued bytes, waiting up to the read timeout for some to arrive.
func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	timeout := l.settings.ReadTimeout
	l.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if !l.open {
			l.mu.Unlock()
			return 0, errors.TransportError(errors.ErrNotStarted, "Loopback", "Read", "port state check")
		}
		if l.readErr != nil {
			err := l.readErr
			l.readErr = nil
			l.mu.Unlock()
			return 0, errors.TransportError(err, "Loopback", "Read", "read")
		}
		if l.pending.Len() > 0 {
			n, _ := l.pending.Read(p)
			more := l.pending.Len() > 0
			l.mu.Unlock()
			if more {
				l.wake()
			}
			return n, nil
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Write records p.
func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open {
		return 0, errors.TransportError(errors.ErrNotStarted, "Loopback", "Write", "port state check")
	}
	return l.written.Write(p)
}

// Close marks the loopback closed and wakes a blocked reader.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.open = false
	l.pending.Reset()
	l.mu.Unlock()
	l.wake()
	return nil
}

// Written returns a copy of everything written so far.
func (l *Loopback) Written() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bytes.Clone(l.written.Bytes())
}

// IsOpen reports whether the loopback is open.
func (l *Loopback) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Opens returns how many times Open succeeded.
func (l *Loopback) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

// Settings returns the settings of the last successful Open.
func (l *Loopback) Settings() Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}
