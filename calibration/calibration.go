// Package calibration converts raw instrument readings into calibrated force samples.
//
// Each of the two channels keeps its own sensitivity and zero reference. The
// first non-negative reading after a reset defines the zero reference, and
// negative readings are treated as transient glitches that reuse the last
// valid value.
package calibration

import (
	"fmt"
	"sync"

	"github.com/Qininining/SignalGA/errors"
)

// Channels is the number of measurement channels.
const Channels = 2

// Sample is one calibrated reading. Both samples of a dual frame share a timestamp.
type Sample struct {
	Channel         int     `json:"channel"`
	TimestampMicros int64   `json:"ts_us"`
	AbsoluteForce   float64 `json:"absolute_force"`
	RelativeForce   float64 `json:"relative_force"`
}

// ChannelState is the calibration state of a single channel.
type ChannelState struct {
	Sensitivity   float64 `json:"sensitivity"`
	ReferenceZero int64   `json:"reference_zero"`
	ZeroIsSet     bool    `json:"zero_is_set"`
	LastValidRaw  int64   `json:"last_valid_raw"`
	CurrentRaw    int64   `json:"current_raw"`
}

func (s *ChannelState) absolute() float64 {
	return float64(s.CurrentRaw) * s.Sensitivity
}

func (s *ChannelState) relative() float64 {
	return float64(s.CurrentRaw-s.ReferenceZero) * s.Sensitivity
}

// Engine holds the calibration state of both channels. Apply runs on the
// decode goroutine; the explicit calibration calls may come from any
// goroutine and are serialized with it.
type Engine struct {
	mu       sync.Mutex
	channels [Channels]ChannelState
}

// NewEngine creates an engine with the given per-channel sensitivities.
func NewEngine(sensitivityCh1, sensitivityCh2 float64) (*Engine, error) {
	e := &Engine{}
	for i, s := range []float64{sensitivityCh1, sensitivityCh2} {
		if err := checkSensitivity(s, "NewEngine"); err != nil {
			return nil, err
		}
		e.channels[i].Sensitivity = s
	}
	return e, nil
}

func checkChannel(channel int, method string) error {
	if channel < 1 || channel > Channels {
		return errors.WrapInvalid(
			fmt.Errorf("%w: channel %d not in [1,%d]", errors.ErrInvalidArgument, channel, Channels),
			"Engine", method, "channel check")
	}
	return nil
}

func checkSensitivity(value float64, method string) error {
	if !(value > 0) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: sensitivity %v must be positive", errors.ErrInvalidArgument, value),
			"Engine", method, "sensitivity check")
	}
	return nil
}

// Apply folds one raw reading into the channel state and returns the
// calibrated sample stamped with ts.
func (e *Engine) Apply(channel int, raw, ts int64) (Sample, error) {
	if err := checkChannel(channel, "Apply"); err != nil {
		return Sample{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ch := &e.channels[channel-1]
	if raw >= 0 {
		if !ch.ZeroIsSet {
			ch.ReferenceZero = raw
			ch.ZeroIsSet = true
		}
		ch.LastValidRaw = raw
		ch.CurrentRaw = raw
	} else {
		// glitch: keep the previous value and leave the baseline alone
		ch.CurrentRaw = ch.LastValidRaw
	}

	return Sample{
		Channel:         channel,
		TimestampMicros: ts,
		AbsoluteForce:   ch.absolute(),
		RelativeForce:   ch.relative(),
	}, nil
}

// SetZero sets the zero reference of a channel. A positive value becomes the
// baseline; zero or a negative value captures the current raw reading.
func (e *Engine) SetZero(value int64, channel int) error {
	if err := checkChannel(channel, "SetZero"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ch := &e.channels[channel-1]
	if value > 0 {
		ch.ReferenceZero = value
		ch.ZeroIsSet = true
		return nil
	}
	if ch.CurrentRaw < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: current raw %d is negative", errors.ErrInvalidState, ch.CurrentRaw),
			"Engine", "SetZero", "capture current value")
	}
	ch.ReferenceZero = ch.CurrentRaw
	ch.ZeroIsSet = true
	return nil
}

// SetSensitivity replaces the sensitivity of a channel.
func (e *Engine) SetSensitivity(value float64, channel int) error {
	if err := checkSensitivity(value, "SetSensitivity"); err != nil {
		return err
	}
	if err := checkChannel(channel, "SetSensitivity"); err != nil {
		return err
	}

	e.mu.Lock()
	e.channels[channel-1].Sensitivity = value
	e.mu.Unlock()
	return nil
}

// Sensitivity returns the sensitivity of a channel.
func (e *Engine) Sensitivity(channel int) (float64, error) {
	if err := checkChannel(channel, "Sensitivity"); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[channel-1].Sensitivity, nil
}

// Force returns the latest absolute or relative force of a channel.
func (e *Engine) Force(channel int, relative bool) (float64, error) {
	if err := checkChannel(channel, "Force"); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ch := &e.channels[channel-1]
	if relative {
		return ch.relative(), nil
	}
	return ch.absolute(), nil
}

// ResetZero forgets the zero reference of both channels so that the next
// non-negative reading defines a new one.
func (e *Engine) ResetZero() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.channels {
		e.channels[i].ZeroIsSet = false
	}
}

// Snapshot returns a copy of a channel's state.
func (e *Engine) Snapshot(channel int) (ChannelState, error) {
	if err := checkChannel(channel, "Snapshot"); err != nil {
		return ChannelState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[channel-1], nil
}
