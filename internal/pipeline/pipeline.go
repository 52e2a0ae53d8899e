// Package pipeline is the ingestion path of the bridge: every capture frame
// updates the kinematics registry, and the derived centre point is offered
// to the throttled publisher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap.bridge/internal/capture"
	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/monitoring"
	"github.com/banshee-data/mocap.bridge/internal/publisher"
	"github.com/banshee-data/mocap.bridge/internal/timeutil"
	"github.com/banshee-data/mocap.bridge/internal/transport"
)

// DefaultCentroidMarkers are the 11th, 12th and 13th markers of a set.
var DefaultCentroidMarkers = []int{10, 11, 12}

// ErrNotInitialized is returned by Initialize after Shutdown.
var ErrNotInitialized = errors.New("pipeline: shut down")

// Config configures a Pipeline.
type Config struct {
	Registry kinematics.RegistryConfig

	// CentroidMarkerSet names the marker set holding the centroid markers;
	// empty means the first set in each frame.
	CentroidMarkerSet string
	CentroidMarkers   []int
	// TrackAllEntities also differentiates every marker, rigid body and bone.
	TrackAllEntities bool

	HistorySize int
	LogInterval time.Duration
	Clock       timeutil.Clock

	// Source options used by Initialize.
	UDP    capture.UDPConfig
	Replay capture.ReplayConfig
}

// EmissionSink observes emissions, for example the database recorder.
type EmissionSink interface {
	Record(e publisher.Emission)
}

// Pipeline implements capture.Handler.
type Pipeline struct {
	cfg  Config
	pub  *publisher.ThrottledPublisher
	link transport.Link

	// mu serialises registry updates. It is never held while sending.
	mu     sync.Mutex
	reg    *kinematics.Registry
	latest map[kinematics.EntityID]kinematics.KinematicSample

	history *History

	sinkMu sync.RWMutex
	sinks  []EmissionSink

	frames    atomic.Uint64
	malformed atomic.Uint64
	derived   atomic.Uint64
	resets    atomic.Uint64
	lastFrame atomic.Int64

	lifeMu   sync.Mutex
	source   capture.Source
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once

	// stopped is set by Shutdown before the source is cancelled; handlers
	// ignore callbacks once it is set.
	stopped atomic.Bool
}

var _ capture.Handler = (*Pipeline)(nil)

// New builds a pipeline that emits through pub. link may be nil when the
// controller connection is managed elsewhere; it is only used for connect,
// stats and close.
func New(cfg Config, pub *publisher.ThrottledPublisher, link transport.Link) (*Pipeline, error) {
	if pub == nil {
		return nil, errors.New("pipeline: publisher is required")
	}
	reg, err := kinematics.NewRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}
	if len(cfg.CentroidMarkers) == 0 {
		cfg.CentroidMarkers = append([]int(nil), DefaultCentroidMarkers...)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Replay.Clock == nil {
		cfg.Replay.Clock = cfg.Clock
	}
	if cfg.Replay.FrameRateHz == 0 {
		cfg.Replay.FrameRateHz = cfg.Registry.Velocity.FrameRateHz
	}
	if cfg.UDP.LogInterval == 0 {
		cfg.UDP.LogInterval = cfg.LogInterval
	}
	p := &Pipeline{
		cfg:     cfg,
		pub:     pub,
		link:    link,
		reg:     reg,
		latest:  make(map[kinematics.EntityID]kinematics.KinematicSample),
		history: NewHistory(cfg.HistorySize),
	}
	p.lastFrame.Store(-1)
	return p, nil
}

// AddSink registers an emission observer.
func (p *Pipeline) AddSink(s EmissionSink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Initialize acquires the capture source for sourceAddress, makes the single
// controller connection attempt and starts delivering frames. Only failing to
// acquire the source is an error; an unreachable controller leaves the
// pipeline running with every emission dropped.
func (p *Pipeline) Initialize(ctx context.Context, sourceAddress string) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.stopped.Load() {
		return ErrNotInitialized
	}
	if p.source != nil {
		return fmt.Errorf("pipeline: already initialized with %T", p.source)
	}

	src, err := capture.Open(sourceAddress, p.cfg.UDP, p.cfg.Replay)
	if err != nil {
		return fmt.Errorf("open capture source %q: %w", sourceAddress, err)
	}

	if p.link != nil && !p.link.ConnectOnce(ctx) {
		monitoring.Opsf("controller %s unavailable: emissions will be dropped", p.link.Address())
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.source = src
	p.cancel = cancel

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := src.Run(runCtx, p); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("capture source stopped: %v", err)
		}
	}()
	go func() {
		defer p.wg.Done()
		p.logStats(runCtx)
	}()

	monitoring.Opsf("pipeline started: source %s, interval %s, frame rate %g Hz", sourceAddress, p.pub.Interval(), p.reg.FrameRate())
	return nil
}

// Shutdown stops the source, lets the in-flight frame finish and closes the
// controller link. It is idempotent and safe after a failed Initialize.
func (p *Pipeline) Shutdown() error {
	var err error
	p.once.Do(func() {
		p.lifeMu.Lock()
		p.stopped.Store(true)
		cancel, src := p.cancel, p.source
		p.lifeMu.Unlock()

		if cancel != nil {
			cancel()
		}
		if src != nil {
			if cerr := src.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		p.wg.Wait()

		if p.link != nil {
			if cerr := p.link.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}

		p.mu.Lock()
		p.reg.Reset()
		p.latest = make(map[kinematics.EntityID]kinematics.KinematicSample)
		p.mu.Unlock()
		monitoring.Opsf("pipeline stopped after %d frames", p.frames.Load())
	})
	return err
}

// OnTopology resets every window and installs the new name tables.
func (p *Pipeline) OnTopology(t kinematics.Topology) {
	if p.stopped.Load() {
		return
	}
	p.mu.Lock()
	p.reg.ApplyTopology(t)
	p.latest = make(map[kinematics.EntityID]kinematics.KinematicSample)
	rate := p.reg.FrameRate()
	p.mu.Unlock()

	p.resets.Add(1)
	monitoring.Opsf("capture topology changed: %d marker sets, %d rigid bodies, %d skeletons; windows reset, frame rate %g Hz",
		len(t.MarkerSets), len(t.RigidBodies), len(t.Skeletons), rate)
}

// OnFrame handles one capture frame. A frame that lacks the centroid markers
// is skipped whole. Frames delivered after Shutdown are ignored.
func (p *Pipeline) OnFrame(f *capture.Frame) {
	if p.stopped.Load() {
		return
	}
	p.frames.Add(1)
	if f == nil {
		p.malformed.Add(1)
		return
	}

	centre, setName, err := p.centroid(f)
	if err != nil {
		p.malformed.Add(1)
		if monitoring.TraceEnabled() {
			monitoring.Tracef("frame %d skipped: %v", f.Index, err)
		}
		return
	}
	p.lastFrame.Store(int64(f.Index))

	ts := f.Timestamp
	if ts.IsZero() {
		ts = p.cfg.Clock.Now()
	}
	id := kinematics.EntityID{Kind: kinematics.KindCentroid, Name: setName}

	p.mu.Lock()
	res := p.reg.TrackPoint(id, centre, f.Index)
	ks, ready := res.Kinematic()
	if ready {
		ks.Timestamp = ts
		p.latest[id] = ks
	}
	if p.cfg.TrackAllEntities {
		p.trackAllLocked(f, ts)
	}
	p.mu.Unlock()

	if !ready {
		return
	}
	p.derived.Add(1)

	e, emitted := p.pub.Offer(ks)
	if !emitted {
		return
	}
	p.history.Add(e)
	p.sinkMu.RLock()
	for _, s := range p.sinks {
		s.Record(e)
	}
	p.sinkMu.RUnlock()
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}

// centroid bounds-checks the configured markers before averaging them.
func (p *Pipeline) centroid(f *capture.Frame) (r3.Vec, string, error) {
	set, ok := f.MarkerSet(p.cfg.CentroidMarkerSet)
	if !ok {
		if p.cfg.CentroidMarkerSet == "" {
			return r3.Vec{}, "", errors.New("frame has no marker sets")
		}
		return r3.Vec{}, "", fmt.Errorf("marker set %q missing", p.cfg.CentroidMarkerSet)
	}
	points := make([]r3.Vec, 0, len(p.cfg.CentroidMarkers))
	for _, idx := range p.cfg.CentroidMarkers {
		if idx < 0 || idx >= len(set.Markers) {
			return r3.Vec{}, "", fmt.Errorf("marker set %q has %d markers, need index %d", set.Name, len(set.Markers), idx)
		}
		v := set.Markers[idx].Vec()
		if !finite(v) {
			return r3.Vec{}, "", fmt.Errorf("marker %d of %q is not finite", idx, set.Name)
		}
		points = append(points, v)
	}
	return kinematics.Centroid(points...), set.Name, nil
}

func (p *Pipeline) trackAllLocked(f *capture.Frame, ts time.Time) {
	keep := func(res kinematics.Result) {
		if ks, ok := res.Kinematic(); ok {
			ks.Timestamp = ts
			p.latest[res.Entity] = ks
		}
	}
	for _, set := range f.MarkerSets {
		for i, m := range set.Markers {
			if !finite(m.Vec()) {
				continue
			}
			id := kinematics.EntityID{Kind: kinematics.KindMarker, Scope: set.Name, Name: p.reg.MarkerName(set.Name, i)}
			keep(p.reg.TrackPoint(id, m.Vec(), f.Index))
		}
	}
	for _, rb := range f.RigidBodies {
		if !rb.Tracked() || !finite(rb.Position.Vec()) {
			continue
		}
		name := rb.Name
		if name == "" {
			name = p.reg.RigidBodyName(rb.ID)
		}
		keep(p.reg.TrackPoint(kinematics.EntityID{Kind: kinematics.KindRigidBody, Name: name}, rb.Position.Vec(), f.Index))
	}
	for _, sk := range f.Skeletons {
		skName := sk.Name
		if skName == "" {
			skName = p.reg.SkeletonName(sk.ID)
		}
		for _, b := range sk.Bones {
			if !finite(b.Position.Vec()) {
				continue
			}
			name := b.Name
			if name == "" {
				name = p.reg.BoneName(sk.ID, b.ID)
			}
			keep(p.reg.TrackPoint(kinematics.EntityID{Kind: kinematics.KindBone, Scope: skName, Name: name}, b.Position.Vec(), f.Index))
		}
	}
}

// Entities returns the latest derived sample of every entity with a velocity.
func (p *Pipeline) Entities() []kinematics.KinematicSample {
	p.mu.Lock()
	out := make([]kinematics.KinematicSample, 0, len(p.latest))
	for _, ks := range p.latest {
		out = append(out, ks)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Entity.String() < out[j].Entity.String() })
	return out
}

// History returns the recent emissions, oldest first.
func (p *Pipeline) History() []HistoryPoint { return p.history.Points() }

func (p *Pipeline) logStats(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.LogInterval)
	defer ticker.Stop()
	var last Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			st := p.Stats()
			monitoring.Diagf("frames=%d (+%d) malformed=%d derived=%d emitted=%d throttled=%d send_failures=%d entities=%d",
				st.Frames, st.Frames-last.Frames, st.Malformed, st.Derived,
				st.Publisher.Emitted, st.Publisher.Throttled, st.Publisher.SendFailures, st.Entities)
			if d := st.Publisher.SendFailures - last.Publisher.SendFailures; d > 0 {
				monitoring.Opsf("\033[93mDropped %d emissions in the last %s: controller send failed\033[0m", d, p.cfg.LogInterval)
			}
			last = st
		}
	}
}
