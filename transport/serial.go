package transport

import (
	"sync"

	"go.bug.st/serial"

	"github.com/Qininining/SignalGA/errors"
)

// SerialPort is a Transport backed by an operating system serial device.
type SerialPort struct {
	mu   sync.Mutex
	port serial.Port
}

// NewSerialPort returns an unopened serial transport.
func NewSerialPort() *SerialPort {
	return &SerialPort{}
}

// Open opens and configures the device named in settings.
func (p *SerialPort) Open(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return errors.WrapInvalid(err, "SerialPort", "Open", "settings validation")
	}
	settings = settings.withDefaults()

	parity, _ := settings.serialParity()
	stopBits, _ := settings.serialStopBits()
	mode := &serial.Mode{
		BaudRate: settings.BaudRate,
		DataBits: settings.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "SerialPort", "Open", "port state check")
	}

	port, err := serial.Open(settings.Port, mode)
	if err != nil {
		return errors.TransportError(err, "SerialPort", "Open", "open "+settings.Port)
	}
	if err := port.SetReadTimeout(settings.ReadTimeout); err != nil {
		_ = port.Close()
		return errors.TransportError(err, "SerialPort", "Open", "set read timeout")
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return errors.TransportError(err, "SerialPort", "Open", "reset input buffer")
	}

	p.port = port
	return nil
}

func (p *SerialPort) current() serial.Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Read reads available bytes, returning (0, nil) when the read timeout elapses.
func (p *SerialPort) Read(b []byte) (int, error) {
	port := p.current()
	if port == nil {
		return 0, errors.TransportError(errors.ErrNotStarted, "SerialPort", "Read", "port state check")
	}
	n, err := port.Read(b)
	if err != nil {
		return n, errors.TransportError(err, "SerialPort", "Read", "read")
	}
	return n, nil
}

// Write sends b to the device.
func (p *SerialPort) Write(b []byte) (int, error) {
	port := p.current()
	if port == nil {
		return 0, errors.TransportError(errors.ErrNotStarted, "SerialPort", "Write", "port state check")
	}
	n, err := port.Write(b)
	if err != nil {
		return n, errors.TransportError(err, "SerialPort", "Write", "write")
	}
	return n, nil
}

// Close closes the device. Closing an unopened port is a no-op.
func (p *SerialPort) Close() error {
	p.mu.Lock()
	port := p.port
	p.port = nil
	p.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return errors.TransportError(err, "SerialPort", "Close", "close")
	}
	return nil
}

// Ports lists the serial devices present on the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.TransportError(err, "transport", "Ports", "enumerate ports")
	}
	return ports, nil
}
