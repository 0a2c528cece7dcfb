// Package transport provides the byte-stream capability the decode unit reads from.
//
// A Transport is opened with Settings, read from by exactly one goroutine and
// closed to unblock that reader. SerialPort talks to a real device through
// go.bug.st/serial; Loopback is an in-memory implementation used for tests
// and for replaying captured streams.
package transport

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/Qininining/SignalGA/errors"
)

// Parity of the serial line.
type Parity string

const (
	ParityNone  Parity = "none"
	ParityOdd   Parity = "odd"
	ParityEven  Parity = "even"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// StopBits of the serial line.
type StopBits string

const (
	StopBitsOne          StopBits = "1"
	StopBitsOnePointFive StopBits = "1.5"
	StopBitsTwo          StopBits = "2"
)

// Defaults of the force instrument link.
const (
	DefaultPort        = "COM1"
	DefaultBaudRate    = 921600
	DefaultDataBits    = 8
	DefaultReadTimeout = 50 * time.Millisecond
)

// Settings identifies and configures a transport endpoint.
type Settings struct {
	Port        string        `json:"port" yaml:"port"`
	BaudRate    int           `json:"baud" yaml:"baud"`
	DataBits    int           `json:"data_bits" yaml:"data_bits"`
	Parity      Parity        `json:"parity" yaml:"parity"`
	StopBits    StopBits      `json:"stop_bits" yaml:"stop_bits"`
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

// DefaultSettings returns 921600 baud 8N1 settings for port.
func DefaultSettings(port string) Settings {
	if port == "" {
		port = DefaultPort
	}
	return Settings{
		Port:        port,
		BaudRate:    DefaultBaudRate,
		DataBits:    DefaultDataBits,
		Parity:      ParityNone,
		StopBits:    StopBitsOne,
		ReadTimeout: DefaultReadTimeout,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings(s.Port)
	if s.BaudRate == 0 {
		s.BaudRate = d.BaudRate
	}
	if s.DataBits == 0 {
		s.DataBits = d.DataBits
	}
	if s.Parity == "" {
		s.Parity = d.Parity
	}
	if s.StopBits == "" {
		s.StopBits = d.StopBits
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	s.Port = d.Port
	return s
}

// Validate checks the settings for values no serial driver accepts.
func (s Settings) Validate() error {
	s = s.withDefaults()
	if s.BaudRate < 0 {
		return fmt.Errorf("%w: baud rate %d", errors.ErrInvalidArgument, s.BaudRate)
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return fmt.Errorf("%w: data bits %d not in [5,8]", errors.ErrInvalidArgument, s.DataBits)
	}
	if _, err := s.serialParity(); err != nil {
		return err
	}
	if _, err := s.serialStopBits(); err != nil {
		return err
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("%w: negative read timeout", errors.ErrInvalidArgument)
	}
	return nil
}

// Identity returns a string that changes whenever the endpoint would need reopening.
func (s Settings) Identity() string {
	s = s.withDefaults()
	return fmt.Sprintf("%s@%d/%d%s%s", s.Port, s.BaudRate, s.DataBits,
		strings.ToUpper(string(s.Parity[:1])), s.StopBits)
}

func (s Settings) serialParity() (serial.Parity, error) {
	switch s.Parity {
	case ParityNone:
		return serial.NoParity, nil
	case ParityOdd:
		return serial.OddParity, nil
	case ParityEven:
		return serial.EvenParity, nil
	case ParityMark:
		return serial.MarkParity, nil
	case ParitySpace:
		return serial.SpaceParity, nil
	default:
		return 0, fmt.Errorf("%w: parity %q", errors.ErrInvalidArgument, s.Parity)
	}
}

func (s Settings) serialStopBits() (serial.StopBits, error) {
	switch s.StopBits {
	case StopBitsOne:
		return serial.OneStopBit, nil
	case StopBitsOnePointFive:
		return serial.OnePointFiveStopBits, nil
	case StopBitsTwo:
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("%w: stop bits %q", errors.ErrInvalidArgument, s.StopBits)
	}
}

// Transport is a byte-stream endpoint. Read may return (0, nil) when the
// read timeout elapses without data.
type Transport interface {
	io.ReadWriteCloser
	Open(settings Settings) error
}
