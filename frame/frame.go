package frame

import (
	"bytes"
	"fmt"
	"strconv"
)

// Wire format constants
const (
	ValueSize  = 6
	SingleSize = 10
	DualSize   = 20

	// maxPending bounds the bytes kept between passes. A stream without any
	// terminator beyond it is considered desynchronized and discarded
	maxPending = 2 * DualSize

	marker     = '0'
	channel1ID = 'b'
	channel2ID = 'd'
)

var terminator = []byte("\r\n")

// Layout selects how terminator-delimited sub-frames are grouped.
type Layout int

const (
	// LayoutSingle treats every terminator as the end of a frame.
	LayoutSingle Layout = iota
	// LayoutDual groups two sub-frames into one 20-byte frame. The
	// candidate extends past the embedded terminator at offset 8.
	LayoutDual
)

func (l Layout) String() string {
	switch l {
	case LayoutSingle:
		return "single"
	case LayoutDual:
		return "dual"
	default:
		return "unknown"
	}
}

// ParseLayout maps a configuration value to a Layout. The empty string is LayoutSingle.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "single":
		return LayoutSingle, nil
	case "dual":
		return LayoutDual, nil
	default:
		return LayoutSingle, fmt.Errorf("unknown frame layout %q", s)
	}
}

// Reason names why a span of bytes was discarded.
type Reason string

const (
	ReasonNoTerminator Reason = "no_terminator"
	ReasonShort        Reason = "short_candidate"
	ReasonBadLength    Reason = "bad_length"
	ReasonBadMarker    Reason = "bad_marker"
	ReasonBadHex       Reason = "bad_hex"
	ReasonBadChannel   Reason = "bad_channel"
	ReasonOverflow     Reason = "overflow"
)

// Reading is one decoded channel value.
type Reading struct {
	Channel int
	Raw     int64
}

// Frame is one decoded wire frame holding one or two readings.
// Dual frames always list channel 1 before channel 2.
type Frame struct {
	Layout   Layout
	readings [2]Reading
	n        int
}

// Readings returns the frame's readings in emission order.
func (f *Frame) Readings() []Reading {
	return f.readings[:f.n]
}

// Len returns the number of readings in the frame.
func (f *Frame) Len() int {
	return f.n
}

// DropHandler receives every discarded span. span is only valid for the
// duration of the call.
type DropHandler func(reason Reason, span []byte)

// ChannelForID maps a wire channel id to its channel number.
func ChannelForID(id byte) (int, bool) {
	switch id {
	case channel1ID:
		return 1, true
	case channel2ID:
		return 2, true
	default:
		return 0, false
	}
}

// IDForChannel maps a channel number to its wire id.
func IDForChannel(channel int) (byte, bool) {
	switch channel {
	case 1:
		return channel1ID, true
	case 2:
		return channel2ID, true
	default:
		return 0, false
	}
}

// Encode renders a single-channel frame. It is the inverse of decoding and
// is used by simulators and tests.
func Encode(channel int, raw int64) ([]byte, error) {
	id, ok := IDForChannel(channel)
	if !ok {
		return nil, fmt.Errorf("channel %d out of range", channel)
	}
	value, err := formatValue(raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, SingleSize)
	out = append(out, value...)
	out = append(out, marker, id)
	return append(out, terminator...), nil
}

// EncodeDual renders a dual-channel frame with the sub-frames in the given order.
func EncodeDual(first, second Reading) ([]byte, error) {
	a, err := Encode(first.Channel, first.Raw)
	if err != nil {
		return nil, err
	}
	b, err := Encode(second.Channel, second.Raw)
	if err != nil {
		return nil, err
	}
	return append(a, b...), nil
}

func formatValue(raw int64) (string, error) {
	if raw < 0 {
		if -raw > 0xFFFFF {
			return "", fmt.Errorf("value %d does not fit in %d characters", raw, ValueSize)
		}
		return fmt.Sprintf("-%05X", -raw), nil
	}
	if raw > 0xFFFFFF {
		return "", fmt.Errorf("value %d does not fit in %d characters", raw, ValueSize)
	}
	return fmt.Sprintf("%06X", raw), nil
}

// subFrame validates one 10-byte sub-frame and returns its reading.
func subFrame(b []byte) (Reading, Reason, bool) {
	if b[ValueSize] != marker || !bytes.Equal(b[SingleSize-2:SingleSize], terminator) {
		return Reading{}, ReasonBadMarker, false
	}
	raw, err := strconv.ParseInt(string(b[:ValueSize]), 16, 64)
	if err != nil {
		return Reading{}, ReasonBadHex, false
	}
	channel, ok := ChannelForID(b[ValueSize+1])
	if !ok {
		return Reading{}, ReasonBadChannel, false
	}
	return Reading{Channel: channel, Raw: raw}, "", true
}

// decodeSingle validates a 10-byte candidate.
func decodeSingle(candidate []byte) (Frame, Reason, bool) {
	r, reason, ok := subFrame(candidate)
	if !ok {
		return Frame{}, reason, false
	}
	f := Frame{Layout: LayoutSingle, n: 1}
	f.readings[0] = r
	return f, "", true
}

// decodeDual validates a 20-byte candidate. Both sub-frames must carry
// distinct channel ids; readings are ordered by channel, not position.
func decodeDual(candidate []byte) (Frame, Reason, bool) {
	first, reason, ok := subFrame(candidate[:SingleSize])
	if !ok {
		return Frame{}, reason, false
	}
	second, reason, ok := subFrame(candidate[SingleSize:DualSize])
	if !ok {
		return Frame{}, reason, false
	}
	if first.Channel == second.Channel {
		return Frame{}, ReasonBadChannel, false
	}
	if first.Channel == 2 {
		first, second = second, first
	}
	f := Frame{Layout: LayoutDual, n: 2}
	f.readings[0] = first
	f.readings[1] = second
	return f, "", true
}
