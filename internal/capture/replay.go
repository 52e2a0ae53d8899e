package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/monitoring"
	"github.com/banshee-data/mocap.bridge/internal/timeutil"
)

// maxLine bounds one JSON line in a replay file.
const maxLine = 4 << 20

// ReplayConfig configures a ReplaySource.
type ReplayConfig struct {
	Path string
	// FrameRateHz paces frames; 0 replays as fast as the handler allows.
	// When pacing, a topology message that reports a frame rate switches
	// pacing to that rate for the rest of the pass.
	FrameRateHz float64
	// Loop restarts from the top at end of file.
	Loop  bool
	Clock timeutil.Clock
}

// ReplaySource plays back a JSON-lines fixture file in the same envelope the
// UDP shim sends. It stands in for a live capture server in dev mode.
type ReplaySource struct {
	cfg ReplayConfig
	f   *os.File
	c   counters
}

// OpenReplay opens the fixture file.
func OpenReplay(cfg ReplayConfig) (*ReplaySource, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &ReplaySource{cfg: cfg, f: f}, nil
}

// Run plays the file once (or forever with Loop) and returns nil at the end.
func (s *ReplaySource) Run(ctx context.Context, h Handler) error {
	var period time.Duration
	if s.cfg.FrameRateHz > 0 {
		period = time.Duration(float64(time.Second) / s.cfg.FrameRateHz)
	}
	for pass := 0; ; pass++ {
		if err := s.play(ctx, h, period); err != nil {
			return err
		}
		if !s.cfg.Loop {
			monitoring.Opsf("replay of %s finished: %d frames", s.cfg.Path, s.c.frames.Load())
			return nil
		}
		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind replay file: %w", err)
		}
		monitoring.Diagf("replay of %s looping (pass %d)", s.cfg.Path, pass+1)
	}
}

func (s *ReplaySource) play(ctx context.Context, h Handler, period time.Duration) error {
	paced := period > 0
	sc := bufio.NewScanner(s.f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		m, err := DecodeMessage(b)
		s.c.messages.Add(1)
		s.c.bytes.Add(uint64(len(b)))
		if err != nil {
			s.c.malformed.Add(1)
			monitoring.Diagf("%s:%d: %v", s.cfg.Path, line, err)
			continue
		}
		if m.Type == MessageFrame {
			s.c.frames.Add(1)
			if m.Frame.Timestamp.IsZero() {
				m.Frame.Timestamp = s.cfg.Clock.Now()
			}
		} else {
			s.c.topologies.Add(1)
			if paced && m.Topology.FrameRateHz > 0 && m.Topology.FrameRateHz <= kinematics.MaxFrameRateHz {
				period = time.Duration(float64(time.Second) / m.Topology.FrameRateHz)
			}
		}
		Dispatch(m, h)
		if m.Type == MessageFrame && period > 0 {
			s.cfg.Clock.Sleep(period)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}
	return nil
}

func (s *ReplaySource) Stats() Stats { return s.c.snapshot() }

func (s *ReplaySource) Close() error { return s.f.Close() }

// Open picks a source for address: "replay:<path>", "file://<path>" or a path
// ending in .jsonl replays a file, anything else is a UDP listen address
// (an optional udp:// prefix is stripped).
func Open(address string, udp UDPConfig, replay ReplayConfig) (Source, error) {
	switch {
	case strings.HasPrefix(address, "replay:"):
		replay.Path = strings.TrimPrefix(address, "replay:")
		return OpenReplay(replay)
	case strings.HasPrefix(address, "file://"):
		replay.Path = strings.TrimPrefix(address, "file://")
		return OpenReplay(replay)
	case strings.HasSuffix(address, ".jsonl"):
		replay.Path = address
		return OpenReplay(replay)
	default:
		udp.Address = strings.TrimPrefix(address, "udp://")
		return ListenUDP(udp)
	}
}
