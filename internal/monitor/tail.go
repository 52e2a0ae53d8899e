package monitor

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap.bridge/internal/publisher"
)

// TailEvent is one emission as streamed to live-tail clients.
type TailEvent struct {
	Seq      uint64     `json:"seq"`
	At       time.Time  `json:"at"`
	Entity   string     `json:"entity"`
	Frame    int        `json:"frame"`
	Position [3]float64 `json:"position"`
	Velocity [3]float64 `json:"velocity"`
	Speed    float64    `json:"speed"`
	Sent     bool       `json:"sent"`
	Error    string     `json:"error,omitempty"`
}

// Tail fans emissions out to debug subscribers. Record never blocks: a slow
// subscriber misses events.
type Tail struct {
	mu          sync.Mutex
	subscribers map[string]chan []byte
	closed      bool
	missed      atomic.Uint64
}

func NewTail() *Tail {
	return &Tail{subscribers: make(map[string]chan []byte)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns an ID and a channel of JSON-encoded TailEvents. The
// channel is closed by Unsubscribe or Close.
func (t *Tail) Subscribe() (string, <-chan []byte) {
	id := randomID()
	ch := make(chan []byte, 16)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

func (t *Tail) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Subscribers returns the number of live subscribers.
func (t *Tail) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Missed counts events dropped because a subscriber was full.
func (t *Tail) Missed() uint64 { return t.missed.Load() }

// Record implements pipeline.EmissionSink.
func (t *Tail) Record(e publisher.Emission) {
	t.mu.Lock()
	n := len(t.subscribers)
	t.mu.Unlock()
	if n == 0 {
		return
	}

	s := e.Sample
	ev := TailEvent{
		Seq:      e.Seq,
		At:       e.At,
		Entity:   s.Entity.String(),
		Frame:    s.Frame,
		Position: [3]float64{s.Position.X, s.Position.Y, s.Position.Z},
		Velocity: [3]float64{s.Velocity.X, s.Velocity.Y, s.Velocity.Z},
		Speed:    s.Speed,
		Sent:     e.Sent,
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- b:
		default:
			t.missed.Add(1)
		}
	}
}

// Close disconnects every subscriber.
func (t *Tail) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}
