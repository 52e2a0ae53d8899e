// Package monitoring holds the bridge's logging streams.
//
// Lifecycle messages, diagnostics and per-frame telemetry go to separate
// writers so a busy trace never hides a dropped controller connection:
//
//   - Ops: startup, shutdown, connection changes, anything an operator acts on
//   - Diag: throttle, window and recorder state
//   - Trace: one line per frame or emission
//
// Every stream is silent until SetLogWriters is called.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"sync/atomic"
)

// Stream names one logging stream.
type Stream int

const (
	Ops Stream = iota
	Diag
	Trace
	numStreams
)

var streamTags = [numStreams]string{"ops", "diag", "trace"}

func (s Stream) String() string {
	if s < 0 || s >= numStreams {
		return fmt.Sprintf("stream(%d)", int(s))
	}
	return streamTags[s]
}

// LogWriters assigns a writer to each stream. A nil writer disables it.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// loggers is read on the frame path, so lookups are a single atomic load.
var loggers [numStreams]atomic.Pointer[log.Logger]

// SetLogWriters replaces all three streams at once.
func SetLogWriters(w LogWriters) {
	for s, out := range [numStreams]io.Writer{w.Ops, w.Diag, w.Trace} {
		if out == nil {
			loggers[s].Store(nil)
			continue
		}
		// Ops keeps the bare prefix; the other streams are tagged so they can
		// share a writer with ops and still be told apart.
		prefix := "[bridge] "
		if Stream(s) != Ops {
			prefix = "[bridge " + streamTags[s] + "] "
		}
		loggers[s].Store(log.New(out, prefix, log.LstdFlags|log.Lmicroseconds))
	}
}

// Enabled reports whether s has a writer.
func Enabled(s Stream) bool {
	if s < 0 || s >= numStreams {
		return false
	}
	return loggers[s].Load() != nil
}

// Logf writes to stream s if it is enabled.
func Logf(s Stream, format string, args ...interface{}) {
	if s < 0 || s >= numStreams {
		return
	}
	if l := loggers[s].Load(); l != nil {
		l.Printf(format, args...)
	}
}

func Opsf(format string, args ...interface{})   { Logf(Ops, format, args...) }
func Diagf(format string, args ...interface{})  { Logf(Diag, format, args...) }
func Tracef(format string, args ...interface{}) { Logf(Trace, format, args...) }

// TraceEnabled lets per-frame callers skip formatting when nobody listens.
func TraceEnabled() bool { return Enabled(Trace) }
