// Package kinematics turns per-frame positions of tracked entities into
// velocity and acceleration using fixed-depth sliding windows and
// finite-difference strategies.
//
// Positions are kept in the units the capture source reports (millimetres for
// most optical systems); derivatives are per second using the configured
// capture frame rate. Nothing in this package locks: a Registry is owned by a
// single ingestion goroutine, or serialised by its caller.
package kinematics

import (
	"fmt"
	"strconv"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Sample is one entity's position at one capture frame. Samples are copied
// into windows by value and never modified afterwards.
type Sample struct {
	X, Y, Z float64
	Frame   int
	Name    string
}

// Pos returns the sample position as a vector.
func (s Sample) Pos() r3.Vec {
	return r3.Vec{X: s.X, Y: s.Y, Z: s.Z}
}

// SampleAt builds a Sample from a vector.
func SampleAt(p r3.Vec, frame int, name string) Sample {
	return Sample{X: p.X, Y: p.Y, Z: p.Z, Frame: frame, Name: name}
}

// Derivative is a per-axis rate of change plus its Euclidean magnitude.
type Derivative struct {
	Vec       r3.Vec
	Magnitude float64
}

func newDerivative(v r3.Vec) Derivative {
	return Derivative{Vec: v, Magnitude: r3.Norm(v)}
}

// EntityKind is the class of a tracked entity.
type EntityKind uint8

const (
	KindMarker EntityKind = iota + 1
	KindRigidBody
	KindBone
	KindCentroid
)

func (k EntityKind) String() string {
	switch k {
	case KindMarker:
		return "marker"
	case KindRigidBody:
		return "rigidbody"
	case KindBone:
		return "bone"
	case KindCentroid:
		return "centroid"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// EntityID is the stable key of a tracked entity. Scope is the owning marker
// set or skeleton name (empty for rigid bodies); Name is the entity name, or
// its numeric id when the capture source has not described it.
type EntityID struct {
	Kind  EntityKind
	Scope string
	Name  string
}

func (id EntityID) String() string {
	if id.Scope == "" {
		return fmt.Sprintf("%s/%s", id.Kind, id.Name)
	}
	return fmt.Sprintf("%s/%s/%s", id.Kind, id.Scope, id.Name)
}

// KinematicSample is the derived result for one logical point on one frame.
// Acceleration is only meaningful when HasAcceleration is set.
type KinematicSample struct {
	Entity          EntityID
	Frame           int
	Position        r3.Vec
	Velocity        r3.Vec
	Speed           float64
	Acceleration    r3.Vec
	HasAcceleration bool
	Timestamp       time.Time
}
