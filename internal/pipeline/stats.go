package pipeline

import (
	"github.com/banshee-data/mocap.bridge/internal/capture"
	"github.com/banshee-data/mocap.bridge/internal/publisher"
	"github.com/banshee-data/mocap.bridge/internal/transport"
)

// Stats is the pipeline snapshot served on the debug mux.
type Stats struct {
	Frames         uint64  `json:"frames"`
	Malformed      uint64  `json:"frames_malformed"`
	Derived        uint64  `json:"derived"`
	TopologyResets uint64  `json:"topology_resets"`
	LastFrame      int64   `json:"last_frame"`
	Entities       int     `json:"entities"`
	FrameRateHz    float64 `json:"frame_rate_hz"`
	WindowCapacity int     `json:"window_capacity"`
	GateState      string  `json:"gate_state"`

	Publisher publisher.Stats `json:"publisher"`
	Transport *transport.Stats `json:"transport,omitempty"`
	Source    *capture.Stats   `json:"source,omitempty"`
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	entities := p.reg.Len()
	rate := p.reg.FrameRate()
	capacity := p.reg.Capacity()
	p.mu.Unlock()

	st := Stats{
		Frames:         p.frames.Load(),
		Malformed:      p.malformed.Load(),
		Derived:        p.derived.Load(),
		TopologyResets: p.resets.Load(),
		LastFrame:      p.lastFrame.Load(),
		Entities:       entities,
		FrameRateHz:    rate,
		WindowCapacity: capacity,
		GateState:      p.pub.State().String(),
		Publisher:      p.pub.Stats(),
	}
	if p.link != nil {
		ts := p.link.Stats()
		st.Transport = &ts
	}
	p.lifeMu.Lock()
	src := p.source
	p.lifeMu.Unlock()
	if src != nil {
		ss := src.Stats()
		st.Source = &ss
	}
	return st
}
