// Package publisher gates derived kinematics onto the controller link at a
// bounded cadence.
package publisher

import (
	"sync"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/monitoring"
	"github.com/banshee-data/mocap.bridge/internal/timeutil"
	"github.com/banshee-data/mocap.bridge/internal/transport"
	"github.com/banshee-data/mocap.bridge/internal/wire"
)

// DefaultInterval is the minimum spacing between emissions.
const DefaultInterval = 50 * time.Millisecond

// State is the throttle gate state.
type State int

const (
	// Idle means a value offered now would be dropped.
	Idle State = iota
	// Armed means the next offered value will be sent.
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

// Emission describes one value that passed the gate.
type Emission struct {
	Seq     uint64
	At      time.Time
	Sample  kinematics.KinematicSample
	Payload wire.Payload
	Sent    bool
	Err     error
}

// Config configures a ThrottledPublisher. Zero values take defaults.
type Config struct {
	Interval time.Duration
	Clock    timeutil.Clock
	// Scale multiplies position and velocity before encoding, for unit
	// conversion. 0 means 1.
	Scale float64
	// OnEmit, if set, observes every emission after the send attempt. It runs
	// on the offering goroutine and must not block.
	OnEmit func(Emission)
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Offered      uint64    `json:"offered"`
	Emitted      uint64    `json:"emitted"`
	Throttled    uint64    `json:"throttled"`
	SendFailures uint64    `json:"send_failures"`
	LastEmit     time.Time `json:"last_emit,omitempty"`
	Interval     string    `json:"interval"`
}

// ThrottledPublisher emits at most one value per interval and drops the rest.
// Nothing is queued: the value offered when the gate opens is the one sent.
// The gate is serialised internally; the send happens outside that lock.
type ThrottledPublisher struct {
	sender transport.Sender
	cfg    Config

	mu           sync.Mutex
	lastEmit     time.Time
	seq          uint64
	offered      uint64
	emitted      uint64
	throttled    uint64
	sendFailures uint64
}

// New returns a publisher writing to sender. A nil sender makes every
// emission a failed send, which is how the bridge runs with no controller.
func New(sender transport.Sender, cfg Config) *ThrottledPublisher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	return &ThrottledPublisher{sender: sender, cfg: cfg}
}

// Offer presents the latest derived value. If the gate is armed the value is
// encoded and sent and the emission is returned with ok set; otherwise the
// value is dropped. Send failures are absorbed and only counted.
func (p *ThrottledPublisher) Offer(s kinematics.KinematicSample) (Emission, bool) {
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	p.offered++
	if !p.armedLocked(now) {
		p.throttled++
		p.mu.Unlock()
		return Emission{}, false
	}
	p.lastEmit = now
	p.seq++
	e := Emission{Seq: p.seq, At: now, Sample: s}
	p.mu.Unlock()

	if e.Sample.Timestamp.IsZero() {
		e.Sample.Timestamp = now
	}
	e.Payload = wire.FromSample(e.Sample, p.cfg.Scale)
	e.Err = p.send(e.Payload)
	e.Sent = e.Err == nil

	p.mu.Lock()
	p.emitted++
	if !e.Sent {
		p.sendFailures++
	}
	p.mu.Unlock()

	if !e.Sent && monitoring.TraceEnabled() {
		monitoring.Tracef("emission %d frame %d dropped: %v", e.Seq, e.Sample.Frame, e.Err)
	}
	if p.cfg.OnEmit != nil {
		p.cfg.OnEmit(e)
	}
	return e, true
}

func (p *ThrottledPublisher) send(payload wire.Payload) error {
	if p.sender == nil {
		return transport.ErrNotConnected
	}
	b, err := payload.MarshalBinary()
	if err != nil {
		return err
	}
	return p.sender.Send(b)
}

func (p *ThrottledPublisher) armedLocked(now time.Time) bool {
	return p.lastEmit.IsZero() || now.Sub(p.lastEmit) >= p.cfg.Interval
}

// State reports whether a value offered now would be emitted.
func (p *ThrottledPublisher) State() State {
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armedLocked(now) {
		return Armed
	}
	return Idle
}

// Interval returns the configured emission interval.
func (p *ThrottledPublisher) Interval() time.Duration { return p.cfg.Interval }

// Stats returns a snapshot of the counters.
func (p *ThrottledPublisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Offered:      p.offered,
		Emitted:      p.emitted,
		Throttled:    p.throttled,
		SendFailures: p.sendFailures,
		LastEmit:     p.lastEmit,
		Interval:     p.cfg.Interval.String(),
	}
}
