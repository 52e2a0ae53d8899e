package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/monitoring"
	"github.com/banshee-data/mocap.bridge/internal/publisher"
)

// RecorderConfig tunes an EmissionRecorder. Zero values take defaults.
type RecorderConfig struct {
	Buffer        int
	FlushInterval time.Duration
	LogInterval   time.Duration
}

// EmissionRecorder writes emissions to the database off the ingestion path.
// Record never blocks: when the buffer is full the emission is dropped and
// counted, and drops are logged once per log interval.
type EmissionRecorder struct {
	db        *DB
	sessionID string
	cfg       RecorderConfig

	ch      chan Emission
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once

	// mu guards closed against Record; the writer takes it exclusively
	// before its final drain so nothing is queued after it.
	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewEmissionRecorder returns a recorder for one session. Call Start before
// Record.
func NewEmissionRecorder(db *DB, sessionID string, cfg RecorderConfig) *EmissionRecorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	return &EmissionRecorder{
		db:        db,
		sessionID: sessionID,
		cfg:       cfg,
		ch:        make(chan Emission, cfg.Buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session the recorder writes to.
func (r *EmissionRecorder) SessionID() string { return r.sessionID }

// Start launches the writer goroutine. It exits when ctx is cancelled or
// Close is called, flushing what is buffered. Callers that keep recording
// while shutting down should pass a context that outlives the producers and
// rely on Close.
func (r *EmissionRecorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
}

func (r *EmissionRecorder) run(ctx context.Context) {
	defer close(r.done)

	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()
	logTicker := time.NewTicker(r.cfg.LogInterval)
	defer logTicker.Stop()

	var batch []Emission
	var reported uint64
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.db.RecordEmissions(batch); err != nil {
			r.failed.Add(uint64(len(batch)))
			monitoring.Opsf("failed to record %d emissions: %v", len(batch), err)
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-r.ch:
				batch = append(batch, e)
			default:
				write()
				return
			}
		}
	}

	finish := func() {
		r.markClosed()
		drain()
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return
		case <-r.stop:
			finish()
			return
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= r.cfg.Buffer {
				write()
			}
		case <-flush.C:
			write()
		case <-logTicker.C:
			// Only log if emissions were dropped in this interval
			if d := r.dropped.Load(); d > reported {
				monitoring.Opsf("\033[93mDropped %d emission records: recorder buffer full\033[0m", d-reported)
				reported = d
			}
		}
	}
}

func (r *EmissionRecorder) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Record queues e for writing. Emissions recorded after the writer has
// stopped are counted as dropped.
func (r *EmissionRecorder) Record(e publisher.Emission) {
	row := FromPublisher(r.sessionID, e)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- row:
	default:
		r.dropped.Add(1)
	}
}

// Close stops the writer after flushing and waits for it. It is idempotent.
// A recorder that was never started counts its buffered emissions as
// dropped.
func (r *EmissionRecorder) Close() error {
	r.once.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
		return nil
	}
	r.markClosed()
	for {
		select {
		case <-r.ch:
			r.dropped.Add(1)
		default:
			return nil
		}
	}
}

// RecorderStats reports recorder counters.
type RecorderStats struct {
	SessionID string `json:"session_id"`
	Written   uint64 `json:"written"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

func (r *EmissionRecorder) Stats() RecorderStats {
	return RecorderStats{
		SessionID: r.sessionID,
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// FromPublisher converts a publisher emission into a database row. Positions
// and velocities are stored in source units, before output scaling.
func FromPublisher(sessionID string, e publisher.Emission) Emission {
	s := e.Sample
	row := Emission{
		SessionID:       sessionID,
		Seq:             e.Seq,
		Entity:          s.Entity.String(),
		FrameIndex:      s.Frame,
		EmittedAt:       e.At,
		Center:          [3]float64{s.Position.X, s.Position.Y, s.Position.Z},
		Velocity:        [3]float64{s.Velocity.X, s.Velocity.Y, s.Velocity.Z},
		Speed:           s.Speed,
		HasAcceleration: s.HasAcceleration,
		Sent:            e.Sent,
	}
	if s.HasAcceleration {
		row.Acceleration = [3]float64{s.Acceleration.X, s.Acceleration.Y, s.Acceleration.Z}
	}
	if e.Err != nil {
		row.SendError = e.Err.Error()
	}
	return row
}
