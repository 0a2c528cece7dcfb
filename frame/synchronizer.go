package frame

import (
	"bytes"
	"maps"
)

// Stats is a snapshot of synchronizer counters.
type Stats struct {
	BytesIngested  uint64
	Frames         uint64
	SingleFrames   uint64
	DualFrames     uint64
	Readings       uint64
	BytesDiscarded uint64
	BufferClears   uint64
	Dropped        map[Reason]uint64
}

// DroppedTotal returns the number of discarded spans across all reasons.
func (s Stats) DroppedTotal() uint64 {
	var total uint64
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithDropHandler installs a callback for discarded spans.
func WithDropHandler(h DropHandler) Option {
	return func(s *Synchronizer) {
		s.onDrop = h
	}
}

// Synchronizer accumulates raw bytes and extracts complete frames.
type Synchronizer struct {
	layout Layout
	buf    []byte
	off    int
	onDrop DropHandler
	stats  Stats
}

// NewSynchronizer creates a synchronizer for the given frame layout.
func NewSynchronizer(layout Layout, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		layout: layout,
		buf:    make([]byte, 0, 4*DualSize),
		stats:  Stats{Dropped: make(map[Reason]uint64)},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Layout returns the configured frame layout.
func (s *Synchronizer) Layout() Layout {
	return s.layout
}

// Ingest appends p to the pending bytes and returns every frame that can be
// extracted. Extraction stops at the first malformed candidate so that the
// next call resynchronizes on fresh bytes; every pass consumes or discards
// at least one byte whenever it returns without waiting for input.
func (s *Synchronizer) Ingest(p []byte) []Frame {
	s.stats.BytesIngested += uint64(len(p))
	s.buf = append(s.buf, p...)

	var out []Frame
	for len(s.buf)-s.off >= SingleSize {
		pending := s.buf[s.off:]
		end := s.candidateEnd(pending)
		if end < 0 {
			if len(pending) > maxPending {
				s.clear(ReasonNoTerminator)
			}
			break
		}

		candidate := pending[:end]
		var (
			f      Frame
			reason Reason
			ok     bool
		)
		switch {
		case end < SingleSize:
			s.clear(ReasonShort)
			s.compact()
			return out
		case end == SingleSize:
			f, reason, ok = decodeSingle(candidate)
		case end == DualSize:
			f, reason, ok = decodeDual(candidate)
		default:
			reason = ReasonBadLength
		}

		if !ok {
			s.drop(reason, candidate)
			s.off += end
			break
		}

		s.off += end
		s.record(&f)
		out = append(out, f)
	}

	s.bound()
	s.compact()
	return out
}

// bound keeps at most maxPending bytes after a pass. The oldest bytes are
// discarded up to the first terminator that leaves the remainder within
// the bound; without such a terminator everything pending is cleared.
func (s *Synchronizer) bound() {
	pending := s.buf[s.off:]
	if len(pending) <= maxPending {
		return
	}
	from := max(len(pending)-maxPending-len(terminator), 0)
	i := bytes.Index(pending[from:], terminator)
	if i < 0 {
		s.clear(ReasonOverflow)
		return
	}
	cut := from + i + len(terminator)
	s.drop(ReasonOverflow, pending[:cut])
	s.off += cut
}

// candidateEnd returns the length of the next candidate including its
// terminator, or -1 when no complete candidate is buffered yet.
func (s *Synchronizer) candidateEnd(pending []byte) int {
	i := bytes.Index(pending, terminator)
	if i < 0 {
		return -1
	}
	end := i + len(terminator)
	if s.layout != LayoutDual || end != SingleSize {
		return end
	}

	j := bytes.Index(pending[SingleSize:], terminator)
	if j < 0 {
		return -1
	}
	return SingleSize + j + len(terminator)
}

func (s *Synchronizer) record(f *Frame) {
	s.stats.Frames++
	s.stats.Readings += uint64(f.n)
	if f.Layout == LayoutDual {
		s.stats.DualFrames++
	} else {
		s.stats.SingleFrames++
	}
}

func (s *Synchronizer) drop(reason Reason, span []byte) {
	s.stats.Dropped[reason]++
	s.stats.BytesDiscarded += uint64(len(span))
	if s.onDrop != nil {
		s.onDrop(reason, span)
	}
}

// clear discards everything pending.
func (s *Synchronizer) clear(reason Reason) {
	s.stats.BufferClears++
	s.drop(reason, s.buf[s.off:])
	s.buf = s.buf[:0]
	s.off = 0
}

// compact moves unconsumed bytes to the front of the buffer.
func (s *Synchronizer) compact() {
	if s.off == 0 {
		return
	}
	n := copy(s.buf, s.buf[s.off:])
	s.buf = s.buf[:n]
	s.off = 0
}

// Buffered returns the number of bytes awaiting a terminator.
func (s *Synchronizer) Buffered() int {
	return len(s.buf) - s.off
}

// Reset discards pending bytes without counting them as drops.
func (s *Synchronizer) Reset() {
	s.buf = s.buf[:0]
	s.off = 0
}

// Stats returns a copy of the current counters.
func (s *Synchronizer) Stats() Stats {
	out := s.stats
	out.Dropped = maps.Clone(s.stats.Dropped)
	return out
}
