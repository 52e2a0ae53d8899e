package kinematics

// SlidingWindow is a fixed-capacity ring of samples for one entity, kept in
// arrival order. Pushing into a full window evicts the oldest sample.
type SlidingWindow struct {
	buf   []Sample
	head  int // index of the oldest sample
	count int
}

// NewSlidingWindow returns an empty window holding at most capacity samples.
// Capacities below 1 are raised to 1.
func NewSlidingWindow(capacity int) *SlidingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &SlidingWindow{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when the window is full.
// Duplicate frame indices are kept as-is.
func (w *SlidingWindow) Push(s Sample) {
	capacity := len(w.buf)
	if w.count < capacity {
		w.buf[(w.head+w.count)%capacity] = s
		w.count++
		return
	}
	w.buf[w.head] = s
	w.head = (w.head + 1) % capacity
}

// Snapshot returns an owned copy of the n most recent samples, oldest first.
// ok is false when fewer than n samples are held or n < 1.
func (w *SlidingWindow) Snapshot(n int) (samples []Sample, ok bool) {
	if n < 1 || n > w.count {
		return nil, false
	}
	capacity := len(w.buf)
	out := make([]Sample, n)
	start := w.head + w.count - n
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+i)%capacity]
	}
	return out, true
}

// Latest returns the most recently pushed sample.
func (w *SlidingWindow) Latest() (Sample, bool) {
	if w.count == 0 {
		return Sample{}, false
	}
	return w.buf[(w.head+w.count-1)%len(w.buf)], true
}

// Clear empties the window without releasing its storage.
func (w *SlidingWindow) Clear() {
	for i := range w.buf {
		w.buf[i] = Sample{}
	}
	w.head = 0
	w.count = 0
}

func (w *SlidingWindow) Len() int   { return w.count }
func (w *SlidingWindow) Cap() int   { return len(w.buf) }
func (w *SlidingWindow) Full() bool { return w.count == len(w.buf) }
