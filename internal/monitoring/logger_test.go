package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	Opsf("connected to %s", "plc")
	Diagf("window %d/%d", 2, 3)
	Tracef("frame %d", 42)

	if !strings.Contains(ops.String(), "connected to plc") {
		t.Errorf("ops stream missing message: %q", ops.String())
	}
	if !strings.Contains(diag.String(), "window 2/3") {
		t.Errorf("diag stream missing message: %q", diag.String())
	}
	if !strings.Contains(trace.String(), "frame 42") {
		t.Errorf("trace stream missing message: %q", trace.String())
	}
	if strings.Contains(ops.String(), "frame 42") {
		t.Error("trace message leaked into ops stream")
	}
	if !strings.HasPrefix(ops.String(), "[bridge] ") {
		t.Errorf("expected [bridge] prefix, got %q", ops.String())
	}
	if !strings.HasPrefix(diag.String(), "[bridge diag] ") {
		t.Errorf("expected [bridge diag] prefix, got %q", diag.String())
	}
	if !strings.HasPrefix(trace.String(), "[bridge trace] ") {
		t.Errorf("expected [bridge trace] prefix, got %q", trace.String())
	}
}

func TestSetLogWriters_SharedWriter(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var out bytes.Buffer
	SetLogWriters(LogWriters{Ops: &out, Diag: &out})
	Opsf("a")
	Diagf("b")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), out.String())
	}
	if strings.HasPrefix(lines[0], "[bridge diag]") || !strings.HasPrefix(lines[1], "[bridge diag]") {
		t.Errorf("streams not distinguishable: %q", lines)
	}
}

func TestSetLogWriters_NilDisables(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops})

	// Must not panic with disabled streams.
	Diagf("ignored")
	Tracef("ignored")
	if TraceEnabled() {
		t.Error("TraceEnabled() = true with nil trace writer")
	}
	if !Enabled(Ops) || Enabled(Diag) {
		t.Errorf("Enabled(ops)=%v Enabled(diag)=%v", Enabled(Ops), Enabled(Diag))
	}

	SetLogWriters(LogWriters{})
	Opsf("after disable")
	if ops.Len() != 0 {
		t.Errorf("disabled ops stream still wrote %q", ops.String())
	}
}

func TestStream_OutOfRange(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops})
	Logf(Stream(7), "nowhere")
	if Enabled(Stream(-1)) {
		t.Error("Enabled(-1) = true")
	}
	if got := Stream(7).String(); got != "stream(7)" {
		t.Errorf("String() = %q", got)
	}
	if got := Diag.String(); got != "diag" {
		t.Errorf("String() = %q", got)
	}
	if ops.Len() != 0 {
		t.Errorf("out-of-range stream wrote %q", ops.String())
	}
}
