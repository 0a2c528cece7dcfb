package csv

import "time"

// EventKind identifies a persistence notification.
type EventKind int

const (
	EventFileOpened EventKind = iota
	EventFileClosed
	EventError
	EventStreamStarted
	EventStreamStopped
)

func (k EventKind) String() string {
	switch k {
	case EventFileOpened:
		return "file_opened"
	case EventFileClosed:
		return "file_closed"
	case EventError:
		return "error"
	case EventStreamStarted:
		return "stream_started"
	case EventStreamStopped:
		return "stream_stopped"
	default:
		return "unknown"
	}
}

// Event is a notification about a stream.
type Event struct {
	Kind    EventKind
	Key     Key
	Path    string
	Message string
	Err     error
	Time    time.Time
}

// Listener receives events synchronously. It must not block and must not
// call back into the Store that emitted the event while holding its own locks.
type Listener func(Event)
