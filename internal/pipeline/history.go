package pipeline

import (
	"sync"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/publisher"
)

// HistoryPoint is one emission as kept for charts, in source units.
type HistoryPoint struct {
	Seq      uint64     `json:"seq"`
	At       time.Time  `json:"at"`
	Frame    int        `json:"frame"`
	Position [3]float64 `json:"position"`
	Velocity [3]float64 `json:"velocity"`
	Speed    float64    `json:"speed"`
	Sent     bool       `json:"sent"`
}

// History keeps the most recent emissions in a fixed ring. A zero capacity
// keeps nothing.
type History struct {
	mu    sync.Mutex
	buf   []HistoryPoint
	next  int
	count int
}

func NewHistory(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{buf: make([]HistoryPoint, capacity)}
}

func (h *History) Add(e publisher.Emission) {
	if len(h.buf) == 0 {
		return
	}
	s := e.Sample
	pt := HistoryPoint{
		Seq:      e.Seq,
		At:       e.At,
		Frame:    s.Frame,
		Position: [3]float64{s.Position.X, s.Position.Y, s.Position.Z},
		Velocity: [3]float64{s.Velocity.X, s.Velocity.Y, s.Velocity.Z},
		Speed:    s.Speed,
		Sent:     e.Sent,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = pt
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Points returns a copy, oldest first.
func (h *History) Points() []HistoryPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryPoint, 0, h.count)
	start := (h.next - h.count + len(h.buf)) % max(len(h.buf), 1)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
