// Package transport carries encoded payloads to the downstream controller.
//
// A Session owns one outbound TCP connection that is dialled exactly once;
// there is no reconnection. Send never blocks longer than the write timeout
// and a failed send never tears the session down.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/monitoring"
)

const (
	DefaultDialTimeout  = 2 * time.Second
	DefaultWriteTimeout = 100 * time.Millisecond
)

var (
	// ErrNotConnected is returned by Send before a successful connect or
	// after Close.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrShortWrite is returned when the peer accepted only part of a payload.
	ErrShortWrite = errors.New("transport: short write")
)

// Sender is the write side the publisher depends on.
type Sender interface {
	Send(payload []byte) error
	IsConnected() bool
}

// Link is a controller connection the bridge owns: a Sender it can open once,
// inspect and close. Session and SerialSession implement it.
type Link interface {
	Sender
	ConnectOnce(ctx context.Context) bool
	Close() error
	Address() string
	Stats() Stats
}

var (
	_ Link = (*Session)(nil)
	_ Link = (*SerialSession)(nil)
)

// Dialer opens the controller connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionConfig configures a Session. Zero durations take the defaults.
type SessionConfig struct {
	Address      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Dialer overrides the network dialer, mainly for tests.
	Dialer Dialer
}

// Stats is a point-in-time copy of session counters.
type Stats struct {
	Address      string    `json:"address"`
	Connected    bool      `json:"connected"`
	BytesSent    uint64    `json:"bytes_sent"`
	Sends        uint64    `json:"sends"`
	SendFailures uint64    `json:"send_failures"`
	LastError    string    `json:"last_error,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
}

// Session is a single-shot outbound TCP connection to the controller.
// Send and Close are safe for concurrent use.
type Session struct {
	cfg SessionConfig

	mu          sync.Mutex
	conn        net.Conn
	closed      bool
	connectedAt time.Time
	lastErr     error

	bytesSent    atomic.Uint64
	sends        atomic.Uint64
	sendFailures atomic.Uint64
}

// NewSession returns an unconnected session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	return &Session{cfg: cfg}
}

// ConnectOnce makes a single connection attempt bounded by the dial timeout
// and ctx. It reports whether the session is connected afterwards; a second
// call on a connected session is a no-op.
func (s *Session) ConnectOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return true
	}
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", s.cfg.Address)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		monitoring.Opsf("controller connect to %s failed: %v", s.cfg.Address, err)
		return false
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Payloads are tiny and latency sensitive.
		_ = tc.SetNoDelay(true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn != nil {
		conn.Close()
		return s.conn != nil
	}
	s.conn = conn
	s.connectedAt = time.Now()
	monitoring.Opsf("connected to controller at %s", s.cfg.Address)
	return true
}

// Send writes payload under the write deadline. Errors are returned to the
// caller and recorded. A write that stops part way through a payload leaves
// the controller misaligned on the 24-byte framing, so the connection is
// dropped and later sends return ErrNotConnected. A failed write that sent
// nothing keeps the connection.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}

	s.sends.Add(1)
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return s.fail(fmt.Errorf("set write deadline: %w", err))
	}
	n, err := s.conn.Write(payload)
	s.bytesSent.Add(uint64(n))
	if n > 0 && n < len(payload) {
		s.dropLocked()
		if err != nil {
			return s.fail(fmt.Errorf("%w: %d of %d bytes: %w", ErrShortWrite, n, len(payload), err))
		}
		return s.fail(fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(payload)))
	}
	if err != nil {
		return s.fail(err)
	}
	if n < len(payload) {
		return s.fail(fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(payload)))
	}
	return nil
}

// dropLocked closes a connection whose framing can no longer be trusted. The
// session is not redialled.
func (s *Session) dropLocked() {
	monitoring.Opsf("controller %s: partial write, dropping connection", s.cfg.Address)
	_ = s.conn.Close()
	s.conn = nil
	s.closed = true
}

func (s *Session) fail(err error) error {
	s.sendFailures.Add(1)
	s.lastErr = err
	return err
}

// IsConnected reports whether a connection is held.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close releases the connection. It is idempotent; Send returns
// ErrNotConnected afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Address returns the configured controller address.
func (s *Session) Address() string { return s.cfg.Address }

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Address:      s.cfg.Address,
		Connected:    s.conn != nil,
		BytesSent:    s.bytesSent.Load(),
		Sends:        s.sends.Load(),
		SendFailures: s.sendFailures.Load(),
		ConnectedAt:  s.connectedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
