package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/monitoring"
)

// Stats counts source traffic.
type Stats struct {
	Messages   uint64 `json:"messages"`
	Bytes      uint64 `json:"bytes"`
	Frames     uint64 `json:"frames"`
	Topologies uint64 `json:"topologies"`
	Malformed  uint64 `json:"malformed"`
}

type counters struct {
	messages, bytes, frames, topologies, malformed atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Messages:   c.messages.Load(),
		Bytes:      c.bytes.Load(),
		Frames:     c.frames.Load(),
		Topologies: c.topologies.Load(),
		Malformed:  c.malformed.Load(),
	}
}

// handle decodes one message and dispatches it, counting the outcome.
func (c *counters) handle(b []byte, h Handler) error {
	c.messages.Add(1)
	c.bytes.Add(uint64(len(b)))
	m, err := DecodeMessage(b)
	if err != nil {
		c.malformed.Add(1)
		return err
	}
	if m.Type == MessageFrame {
		c.frames.Add(1)
	} else {
		c.topologies.Add(1)
	}
	Dispatch(m, h)
	return nil
}

// UDPConfig configures a UDPSource.
type UDPConfig struct {
	Address string
	// RcvBuf sets the socket receive buffer when positive.
	RcvBuf      int
	LogInterval time.Duration
}

// UDPSource receives one JSON message per datagram.
type UDPSource struct {
	cfg  UDPConfig
	conn *net.UDPConn
	c    counters
}

// ListenUDP binds the source socket. Binding is the resource acquisition step
// that may fail startup; Run only reads.
func ListenUDP(cfg UDPConfig) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			monitoring.Opsf("Warning: failed to set UDP receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	monitoring.Opsf("capture listener bound on %s", conn.LocalAddr())
	return &UDPSource{cfg: cfg, conn: conn}, nil
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *UDPSource) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Run reads datagrams until ctx is cancelled. Malformed datagrams are counted
// and skipped.
func (s *UDPSource) Run(ctx context.Context, h Handler) error {
	go s.logStats(ctx)

	// Largest IPv4 UDP payload.
	buffer := make([]byte, 65507)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Short deadline so cancellation is noticed promptly.
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Opsf("capture read error: %v", err)
			continue
		}
		if err := s.c.handle(buffer[:n], h); err != nil {
			monitoring.Diagf("skipping datagram from %v: %v", from, err)
		}
	}
}

func (s *UDPSource) logStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LogInterval)
	defer ticker.Stop()
	var last Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Stats()
			monitoring.Diagf("capture: %d frames, %d topologies, %d malformed in the last %s",
				st.Frames-last.Frames, st.Topologies-last.Topologies, st.Malformed-last.Malformed, s.cfg.LogInterval)
			last = st
		}
	}
}

func (s *UDPSource) Stats() Stats { return s.c.snapshot() }

// Close releases the socket; a blocked Run returns.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}
