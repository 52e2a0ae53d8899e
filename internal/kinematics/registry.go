package kinematics

import (
	"fmt"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"
)

// Topology describes the entities a capture source currently publishes.
// A new Topology replaces the previous one wholesale.
type Topology struct {
	// FrameRateHz is the rate the capture server reports; 0 keeps the
	// configured rate.
	FrameRateHz float64 `json:"frame_rate_hz,omitempty"`
	// MarkerSets maps a marker set name to its marker names by index.
	MarkerSets map[string][]string `json:"marker_sets,omitempty"`
	// RigidBodies maps rigid body id to name.
	RigidBodies map[int]string `json:"rigid_bodies,omitempty"`
	// Skeletons maps skeleton id to its name and bones.
	Skeletons map[int]SkeletonDesc `json:"skeletons,omitempty"`
}

// SkeletonDesc names a skeleton and its bones by bone id.
type SkeletonDesc struct {
	Name  string         `json:"name"`
	Bones map[int]string `json:"bones,omitempty"`
}

// RegistryConfig selects the differentiators every entity shares.
type RegistryConfig struct {
	Velocity Differentiator
	// Acceleration is optional; nil disables acceleration.
	Acceleration *Differentiator
}

// Result is what one Track call produced. Velocity and Acceleration are only
// meaningful when the matching Has flag is set.
type Result struct {
	Entity          EntityID
	Sample          Sample
	Velocity        Derivative
	HasVelocity     bool
	Acceleration    Derivative
	HasAcceleration bool
}

// Kinematic converts a result with a velocity into a KinematicSample.
func (r Result) Kinematic() (KinematicSample, bool) {
	if !r.HasVelocity {
		return KinematicSample{}, false
	}
	return KinematicSample{
		Entity:          r.Entity,
		Frame:           r.Sample.Frame,
		Position:        r.Sample.Pos(),
		Velocity:        r.Velocity.Vec,
		Speed:           r.Velocity.Magnitude,
		Acceleration:    r.Acceleration.Vec,
		HasAcceleration: r.HasAcceleration,
	}, true
}

// Registry owns one sliding window per tracked entity plus the id->name
// tables of the current topology. Entities are created on first sight and
// only removed by Reset or ApplyTopology. A Registry is not safe for
// concurrent use.
type Registry struct {
	velocity     Differentiator
	acceleration *Differentiator
	capacity     int
	windows      map[EntityID]*SlidingWindow
	topology     Topology
}

// NewRegistry validates cfg and returns an empty registry. Window capacity is
// the largest window any configured differentiator needs.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Velocity.WindowSize < 2 {
		return nil, fmt.Errorf("%w: velocity differentiator not configured", ErrInvalidWindow)
	}
	capacity := cfg.Velocity.WindowSize
	var accel *Differentiator
	if cfg.Acceleration != nil {
		a := *cfg.Acceleration
		if a.WindowSize < 3 {
			return nil, fmt.Errorf("%w: acceleration differentiator window %d", ErrInvalidWindow, a.WindowSize)
		}
		if a.WindowSize > capacity {
			capacity = a.WindowSize
		}
		accel = &a
	}
	return &Registry{
		velocity:     cfg.Velocity,
		acceleration: accel,
		capacity:     capacity,
		windows:      make(map[EntityID]*SlidingWindow),
	}, nil
}

// Track pushes s into the entity's window, creating it if needed, and runs the
// cached differentiators. Not-ready differentiators leave their Has flag
// unset; they are never reported as errors.
func (r *Registry) Track(id EntityID, s Sample) Result {
	w, ok := r.windows[id]
	if !ok {
		w = NewSlidingWindow(r.capacity)
		r.windows[id] = w
	}
	w.Push(s)

	res := Result{Entity: id, Sample: s}
	if v, err := r.velocity.ComputeWindow(w); err == nil {
		res.Velocity = v
		res.HasVelocity = true
	}
	if r.acceleration != nil {
		if a, err := r.acceleration.ComputeWindow(w); err == nil {
			res.Acceleration = a
			res.HasAcceleration = true
		}
	}
	return res
}

// TrackPoint is Track for a bare position.
func (r *Registry) TrackPoint(id EntityID, p r3.Vec, frame int) Result {
	return r.Track(id, SampleAt(p, frame, id.Name))
}

// Reset drops every window and the topology name tables, so a reappearing
// entity starts from an empty window.
func (r *Registry) Reset() {
	r.windows = make(map[EntityID]*SlidingWindow)
	r.topology = Topology{}
}

// ApplyTopology resets the registry and installs t. When t reports a frame
// rate the differentiators adopt it.
func (r *Registry) ApplyTopology(t Topology) {
	r.Reset()
	r.topology = t
	if t.FrameRateHz > 0 {
		r.SetFrameRate(t.FrameRateHz)
	}
}

// SetFrameRate changes the capture rate used by every differentiator. Windows
// are kept: frame indices, not the rate, define the sample spacing.
func (r *Registry) SetFrameRate(hz float64) {
	r.velocity = r.velocity.WithFrameRate(hz)
	if r.acceleration != nil {
		a := r.acceleration.WithFrameRate(hz)
		r.acceleration = &a
	}
}

// FrameRate returns the capture rate in use.
func (r *Registry) FrameRate() float64 { return r.velocity.FrameRateHz }

// Capacity returns the window capacity given to new entities.
func (r *Registry) Capacity() int { return r.capacity }

// Len returns the number of tracked entities.
func (r *Registry) Len() int { return len(r.windows) }

// WindowLen returns how many samples the entity currently holds.
func (r *Registry) WindowLen(id EntityID) int {
	if w, ok := r.windows[id]; ok {
		return w.Len()
	}
	return 0
}

// Entities returns the tracked ids in a stable order.
func (r *Registry) Entities() []EntityID {
	ids := make([]EntityID, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Kind != ids[j].Kind {
			return ids[i].Kind < ids[j].Kind
		}
		if ids[i].Scope != ids[j].Scope {
			return ids[i].Scope < ids[j].Scope
		}
		return ids[i].Name < ids[j].Name
	})
	return ids
}

// MarkerName resolves a marker index within a marker set, falling back to the
// 1-based marker number when the topology does not name it.
func (r *Registry) MarkerName(set string, index int) string {
	if names, ok := r.topology.MarkerSets[set]; ok && index >= 0 && index < len(names) && names[index] != "" {
		return names[index]
	}
	return strconv.Itoa(index + 1)
}

// RigidBodyName resolves a rigid body id, falling back to the id.
func (r *Registry) RigidBodyName(id int) string {
	if name, ok := r.topology.RigidBodies[id]; ok && name != "" {
		return name
	}
	return strconv.Itoa(id)
}

// SkeletonName resolves a skeleton id, falling back to the id.
func (r *Registry) SkeletonName(id int) string {
	if sk, ok := r.topology.Skeletons[id]; ok && sk.Name != "" {
		return sk.Name
	}
	return strconv.Itoa(id)
}

// BoneName resolves a bone id within a skeleton, falling back to the id.
func (r *Registry) BoneName(skeletonID, boneID int) string {
	if sk, ok := r.topology.Skeletons[skeletonID]; ok {
		if name, ok := sk.Bones[boneID]; ok && name != "" {
			return name
		}
	}
	return strconv.Itoa(boneID)
}

// Centroid returns the mean of the given points.
func Centroid(points ...r3.Vec) r3.Vec {
	if len(points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}
