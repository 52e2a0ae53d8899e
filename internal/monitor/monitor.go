// Package monitor serves the bridge's debug pages on the tsweb debug mux:
// pipeline counters, the latest per-entity kinematics, a velocity chart and a
// live tail of emissions. Everything here is read-only.
package monitor

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/mocap.bridge/internal/httputil"
	"github.com/banshee-data/mocap.bridge/internal/kinematics"
	"github.com/banshee-data/mocap.bridge/internal/pipeline"
	"github.com/banshee-data/mocap.bridge/internal/units"
	"github.com/banshee-data/mocap.bridge/internal/version"
)

//go:embed templates/*
var templateFS embed.FS

var tailTemplate = template.Must(template.ParseFS(templateFS, "templates/tail.html.tmpl"))

// Source is the read side of the pipeline the handlers need.
type Source interface {
	Stats() pipeline.Stats
	Entities() []kinematics.KinematicSample
	History() []pipeline.HistoryPoint
}

var _ Source = (*pipeline.Pipeline)(nil)

// Server holds the handler dependencies.
type Server struct {
	src  Source
	tail *Tail
	// DisplayUnits is the default speed unit for entity listings.
	DisplayUnits string
}

// NewServer returns a Server. tail may be nil, which disables the live tail.
func NewServer(src Source, tail *Tail) *Server {
	return &Server{src: src, tail: tail, DisplayUnits: units.MPS}
}

// AttachRoutes registers the bridge debug pages under /debug/.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Get().String())

	debug.Handle("bridge-stats", "Pipeline, publisher and transport counters (JSON)", http.HandlerFunc(s.handleStats))
	debug.Handle("bridge-entities", "Latest kinematics per tracked entity (JSON, ?units=mps|mmps|kph|mph)", http.HandlerFunc(s.handleEntities))
	debug.Handle("velocity-chart", "Speed and velocity of recent emissions", http.HandlerFunc(s.handleVelocityChart))
	debug.HandleSilentFunc("bridge-version", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, version.Get())
	})

	if s.tail == nil {
		return
	}
	debug.HandleFunc("emissions", "Live tail of emissions", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := tailTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.Copy(w, buf)
	})
	debug.HandleSilentFunc("emissions-tail", s.handleTail)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.src.Stats())
}

// EntityView is one row of the entities listing. Positions stay in source
// units; speed is converted for display.
type EntityView struct {
	Entity       string      `json:"entity"`
	Frame        int         `json:"frame"`
	Timestamp    time.Time   `json:"timestamp"`
	Position     [3]float64  `json:"position"`
	Velocity     [3]float64  `json:"velocity"`
	Speed        float64     `json:"speed"`
	SpeedUnits   string      `json:"speed_units"`
	Acceleration *[3]float64 `json:"acceleration,omitempty"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	unit := s.DisplayUnits
	if u := strings.ToLower(r.URL.Query().Get("units")); u != "" {
		if !units.IsValidSpeed(u) {
			httputil.BadRequest(w, fmt.Sprintf("invalid units %q", u))
			return
		}
		unit = u
	}
	kind := r.URL.Query().Get("kind")

	ents := s.src.Entities()
	out := make([]EntityView, 0, len(ents))
	for _, ks := range ents {
		if kind != "" && ks.Entity.Kind.String() != kind {
			continue
		}
		v := EntityView{
			Entity:     ks.Entity.String(),
			Frame:      ks.Frame,
			Timestamp:  ks.Timestamp,
			Position:   [3]float64{ks.Position.X, ks.Position.Y, ks.Position.Z},
			Velocity:   [3]float64{ks.Velocity.X, ks.Velocity.Y, ks.Velocity.Z},
			Speed:      units.ConvertSpeed(ks.Speed, unit),
			SpeedUnits: unit,
		}
		if ks.HasAcceleration {
			a := [3]float64{ks.Acceleration.X, ks.Acceleration.Y, ks.Acceleration.Z}
			v.Acceleration = &a
		}
		out = append(out, v)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.tail.Subscribe()
	defer s.tail.Unsubscribe(id)

	_, _ = w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
