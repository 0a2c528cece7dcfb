package testutil

import (
	"testing"

	"github.com/Qininining/SignalGA/frame"
)

// Frames encodes one single-channel frame per raw value.
func Frames(t testing.TB, channel int, raws ...int64) []byte {
	t.Helper()
	var out []byte
	for _, raw := range raws {
		b, err := frame.Encode(channel, raw)
		if err != nil {
			t.Fatalf("encode channel %d raw %d: %v", channel, raw, err)
		}
		out = append(out, b...)
	}
	return out
}

// DualFrames encodes one dual frame per pair, channel 1 sub-frame first.
func DualFrames(t testing.TB, pairs ...[2]int64) []byte {
	t.Helper()
	var out []byte
	for _, p := range pairs {
		b, err := frame.EncodeDual(
			frame.Reading{Channel: 1, Raw: p[0]},
			frame.Reading{Channel: 2, Raw: p[1]},
		)
		if err != nil {
			t.Fatalf("encode dual %v: %v", p, err)
		}
		out = append(out, b...)
	}
	return out
}

// Chunks splits b at the given offsets. Offsets outside b are ignored.
func Chunks(b []byte, offsets ...int) [][]byte {
	var out [][]byte
	prev := 0
	for _, off := range offsets {
		if off <= prev || off >= len(b) {
			continue
		}
		out = append(out, b[prev:off])
		prev = off
	}
	return append(out, b[prev:])
}
