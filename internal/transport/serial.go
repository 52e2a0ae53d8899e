package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/mocap.bridge/internal/monitoring"
)

// PortOptions describes a serial link to a controller that is wired over
// RS-232 or USB-serial instead of TCP.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalise validates the options and fills in 115200 8N1 for unset values.
func (o PortOptions) Normalise() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// PortOpener opens a serial port. OpenSerialPort is the real implementation.
type PortOpener func(path string, mode *serial.Mode) (io.WriteCloser, error)

// OpenSerialPort opens path with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (io.WriteCloser, error) {
	return serial.Open(path, mode)
}

// SerialSession streams payloads over a serial port. It follows the same
// single-attempt contract as Session.
type SerialSession struct {
	path   string
	opts   PortOptions
	opener PortOpener

	mu           sync.Mutex
	port         io.WriteCloser
	closed       bool
	lastErr      error
	bytesSent    uint64
	sends        uint64
	sendFailures uint64
}

// NewSerialSession returns an unopened serial session. A nil opener uses
// OpenSerialPort.
func NewSerialSession(path string, opts PortOptions, opener PortOpener) *SerialSession {
	if opener == nil {
		opener = OpenSerialPort
	}
	return &SerialSession{path: path, opts: opts, opener: opener}
}

// ConnectOnce opens the port once and reports whether it is open.
func (s *SerialSession) ConnectOnce(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return true
	}
	if s.closed || ctx.Err() != nil {
		return false
	}
	mode, err := s.opts.SerialMode()
	if err != nil {
		s.lastErr = err
		monitoring.Opsf("serial controller %s: %v", s.path, err)
		return false
	}
	port, err := s.opener(s.path, mode)
	if err != nil {
		s.lastErr = err
		monitoring.Opsf("serial controller open %s failed: %v", s.path, err)
		return false
	}
	s.port = port
	monitoring.Opsf("connected to controller on %s at %d baud", s.path, mode.BaudRate)
	return true
}

// Send writes payload to the port. As with Session, a write that stops part
// way through a payload closes the port for good.
func (s *SerialSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotConnected
	}
	s.sends++
	n, err := s.port.Write(payload)
	s.bytesSent += uint64(n)
	if n > 0 && n < len(payload) {
		monitoring.Opsf("serial controller %s: partial write, closing port", s.path)
		_ = s.port.Close()
		s.port = nil
		s.closed = true
	}
	if err == nil && n < len(payload) {
		err = fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(payload))
	}
	if err != nil {
		s.sendFailures++
		s.lastErr = err
	}
	return err
}

func (s *SerialSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Close is idempotent.
func (s *SerialSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SerialSession) Address() string { return s.path }

func (s *SerialSession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Address:      s.path,
		Connected:    s.port != nil,
		BytesSent:    s.bytesSent,
		Sends:        s.sends,
		SendFailures: s.sendFailures,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
