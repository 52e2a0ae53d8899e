// Package capture adapts motion-capture sources to the bridge. The vendor SDK
// itself stays outside the process: a shim next to the capture server
// republishes frames and descriptions as JSON, and the sources here decode
// them and invoke a Handler once per frame.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mocap.bridge/internal/kinematics"
)

// Point is a 3-D position in source units, encoded as [x, y, z].
type Point [3]float64

func (p Point) Vec() r3.Vec { return r3.Vec{X: p[0], Y: p[1], Z: p[2]} }

type MarkerSet struct {
	Name    string  `json:"name"`
	Markers []Point `json:"markers"`
}

type RigidBody struct {
	ID       int    `json:"id"`
	Name     string `json:"name,omitempty"`
	Position Point  `json:"position"`
	// Valid is false when the server lost track of the body this frame.
	Valid *bool `json:"valid,omitempty"`
}

// Tracked reports whether the body was tracked; absent means tracked.
func (rb RigidBody) Tracked() bool { return rb.Valid == nil || *rb.Valid }

type Bone struct {
	ID       int    `json:"id"`
	Name     string `json:"name,omitempty"`
	Position Point  `json:"position"`
}

type Skeleton struct {
	ID    int    `json:"id"`
	Name  string `json:"name,omitempty"`
	Bones []Bone `json:"bones"`
}

// Frame is one capture instant. Handlers must copy anything they keep: the
// frame is only valid for the duration of OnFrame.
type Frame struct {
	Index       int         `json:"index"`
	Timestamp   time.Time   `json:"timestamp"`
	MarkerSets  []MarkerSet `json:"marker_sets,omitempty"`
	RigidBodies []RigidBody `json:"rigid_bodies,omitempty"`
	Skeletons   []Skeleton  `json:"skeletons,omitempty"`
}

// MarkerSet returns the named marker set, or the first one when name is empty.
func (f *Frame) MarkerSet(name string) (*MarkerSet, bool) {
	for i := range f.MarkerSets {
		if name == "" || f.MarkerSets[i].Name == name {
			return &f.MarkerSets[i], true
		}
	}
	return nil, false
}

// Handler receives decoded capture traffic.
type Handler interface {
	OnFrame(f *Frame)
	OnTopology(t kinematics.Topology)
}

// Source delivers frames to a Handler until its context is cancelled or the
// input ends.
type Source interface {
	Run(ctx context.Context, h Handler) error
	Close() error
	Stats() Stats
}

const (
	MessageFrame    = "frame"
	MessageTopology = "topology"
)

// ErrMalformed is returned for input that is not a frame or topology message.
var ErrMalformed = errors.New("capture: malformed message")

// Message is the JSON envelope produced by the SDK shim.
type Message struct {
	Type     string               `json:"type"`
	Frame    *Frame               `json:"frame,omitempty"`
	Topology *kinematics.Topology `json:"topology,omitempty"`
}

// DecodeMessage parses one envelope and checks it carries the body its type
// names.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case MessageFrame:
		if m.Frame == nil {
			return m, fmt.Errorf("%w: frame message without frame", ErrMalformed)
		}
	case MessageTopology:
		if m.Topology == nil {
			return m, fmt.Errorf("%w: topology message without topology", ErrMalformed)
		}
	default:
		return m, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return m, nil
}

// Dispatch hands a decoded message to h.
func Dispatch(m Message, h Handler) {
	switch m.Type {
	case MessageFrame:
		h.OnFrame(m.Frame)
	case MessageTopology:
		h.OnTopology(*m.Topology)
	}
}

// EncodeFrame and EncodeTopology produce envelopes, used by fixtures and the
// replay recorder.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(Message{Type: MessageFrame, Frame: &f})
}

func EncodeTopology(t kinematics.Topology) ([]byte, error) {
	return json.Marshal(Message{Type: MessageTopology, Topology: &t})
}
