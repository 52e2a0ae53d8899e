package kinematics

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// MaxFrameRateHz is the highest capture rate the differentiators accept.
const MaxFrameRateHz = 400.0

var (
	// ErrNotReady means no derived value is available for this frame: the
	// window is too short or the differentiator cannot run. It is never fatal.
	ErrNotReady = errors.New("kinematics: not ready")

	// ErrInvalidFrameRate is returned on every Compute call while the frame
	// rate is outside (0, MaxFrameRateHz]. It matches ErrNotReady.
	ErrInvalidFrameRate = fmt.Errorf("%w: frame rate outside (0, %g] Hz", ErrNotReady, MaxFrameRateHz)

	// ErrInvalidWindow is returned when a differentiator is built with a window
	// size its method cannot use.
	ErrInvalidWindow = errors.New("kinematics: invalid window size")
)

// Method selects a finite-difference strategy.
type Method int

const (
	// SymmetricVelocity divides the displacement across an odd window of N
	// samples by the recorded frame span, which corrects for dropped frames.
	SymmetricVelocity Method = iota
	// ForwardVelocity differences the last two samples and assumes they are
	// one frame apart.
	ForwardVelocity
	// SymmetricAcceleration differences the velocities of the two half
	// windows either side of the middle sample.
	SymmetricAcceleration
)

func (m Method) String() string {
	switch m {
	case SymmetricVelocity:
		return "symmetric"
	case ForwardVelocity:
		return "forward"
	case SymmetricAcceleration:
		return "acceleration"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseVelocityMethod maps a config value to a velocity method.
func ParseVelocityMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "symmetric":
		return SymmetricVelocity, nil
	case "forward", "two-frame":
		return ForwardVelocity, nil
	default:
		return 0, fmt.Errorf("unknown velocity method %q (want symmetric or forward)", s)
	}
}

// Differentiator is a stateless finite-difference strategy. The zero value is
// not usable; build one with NewDifferentiator. Values are safe to share
// between entities and goroutines.
type Differentiator struct {
	Method      Method
	FrameRateHz float64
	WindowSize  int
}

// NewDifferentiator validates the window shape for m. The frame rate is not
// validated here: an out-of-range rate makes every Compute report
// ErrInvalidFrameRate, so a bad server-reported rate degrades to "no output"
// instead of failing startup. A zero windowSize for ForwardVelocity means 2.
func NewDifferentiator(m Method, frameRateHz float64, windowSize int) (Differentiator, error) {
	switch m {
	case SymmetricVelocity:
		if windowSize < 3 || windowSize%2 == 0 {
			return Differentiator{}, fmt.Errorf("%w: symmetric velocity needs an odd window >= 3, got %d", ErrInvalidWindow, windowSize)
		}
	case ForwardVelocity:
		if windowSize == 0 {
			windowSize = 2
		}
		if windowSize != 2 {
			return Differentiator{}, fmt.Errorf("%w: forward velocity uses exactly 2 samples, got %d", ErrInvalidWindow, windowSize)
		}
	case SymmetricAcceleration:
		if windowSize < 3 {
			return Differentiator{}, fmt.Errorf("%w: acceleration needs a window >= 3, got %d", ErrInvalidWindow, windowSize)
		}
	default:
		return Differentiator{}, fmt.Errorf("%w: unknown method %v", ErrInvalidWindow, m)
	}
	return Differentiator{Method: m, FrameRateHz: frameRateHz, WindowSize: windowSize}, nil
}

// WithFrameRate returns a copy of d using a different capture rate.
func (d Differentiator) WithFrameRate(hz float64) Differentiator {
	d.FrameRateHz = hz
	return d
}

// Compute runs the strategy over the last WindowSize samples of window,
// which must be in chronological order.
func (d Differentiator) Compute(window []Sample) (Derivative, error) {
	if d.FrameRateHz <= 0 || d.FrameRateHz > MaxFrameRateHz {
		return Derivative{}, ErrInvalidFrameRate
	}
	if d.WindowSize < 2 || len(window) < d.WindowSize {
		return Derivative{}, ErrNotReady
	}
	w := window[len(window)-d.WindowSize:]

	switch d.Method {
	case SymmetricVelocity:
		return d.symmetricVelocity(w), nil
	case ForwardVelocity:
		return d.forwardVelocity(w), nil
	case SymmetricAcceleration:
		return d.symmetricAcceleration(w), nil
	default:
		return Derivative{}, ErrNotReady
	}
}

// ComputeWindow snapshots exactly the samples the strategy needs from win.
func (d Differentiator) ComputeWindow(win *SlidingWindow) (Derivative, error) {
	samples, ok := win.Snapshot(d.WindowSize)
	if !ok {
		// Check the rate first so a misconfigured rate is reported as such
		// even while the window is warming up.
		if d.FrameRateHz <= 0 || d.FrameRateHz > MaxFrameRateHz {
			return Derivative{}, ErrInvalidFrameRate
		}
		return Derivative{}, ErrNotReady
	}
	return d.Compute(samples)
}

func (d Differentiator) symmetricVelocity(w []Sample) Derivative {
	first, last := w[0], w[len(w)-1]
	frames := frameSpan(first, last)
	if frames == 0 {
		// No temporal progress recorded.
		return Derivative{}
	}
	return newDerivative(r3.Scale(d.FrameRateHz/float64(frames), r3.Sub(last.Pos(), first.Pos())))
}

func (d Differentiator) forwardVelocity(w []Sample) Derivative {
	return newDerivative(r3.Scale(d.FrameRateHz, r3.Sub(w[1].Pos(), w[0].Pos())))
}

func (d Differentiator) symmetricAcceleration(w []Sample) Derivative {
	first, mid, last := w[0], w[len(w)/2], w[len(w)-1]
	d0 := frameSpan(first, mid)
	d1 := frameSpan(mid, last)
	if d0 == 0 || d1 == 0 {
		return Derivative{}
	}
	v0 := r3.Scale(d.FrameRateHz/float64(d0), r3.Sub(mid.Pos(), first.Pos()))
	v1 := r3.Scale(d.FrameRateHz/float64(d1), r3.Sub(last.Pos(), mid.Pos()))
	return newDerivative(r3.Scale(d.FrameRateHz/float64(d1), r3.Sub(v1, v0)))
}

func frameSpan(a, b Sample) int {
	if n := b.Frame - a.Frame; n >= 0 {
		return n
	}
	return a.Frame - b.Frame
}
