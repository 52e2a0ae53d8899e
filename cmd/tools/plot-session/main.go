// Command plot-session renders PNG plots of one recorded bridge session:
// speed over time with dropped sends marked, and the centre point trace in
// the X/Y plane.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/mocap.bridge/internal/db"
	"github.com/banshee-data/mocap.bridge/internal/security"
	"github.com/banshee-data/mocap.bridge/internal/units"
)

var (
	dbPath    = flag.String("db", "bridge.db", "Bridge database")
	sessionID = flag.String("session", "", "Session ID; empty plots the most recent session")
	outDir    = flag.String("out", "plots", "Output directory (under the working or temp directory)")
	speedUnit = flag.String("units", units.MPS, "Speed units: mps, mmps, kph or mph")
	list      = flag.Bool("list", false, "List sessions and exit")
)

func main() {
	flag.Parse()

	if !units.IsValidSpeed(*speedUnit) {
		log.Fatalf("invalid -units %q", *speedUnit)
	}
	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	if *list {
		sessions, err := store.Sessions(0)
		if err != nil {
			log.Fatalf("failed to list sessions: %v", err)
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %s -> %s  %.0f Hz  %d ms\n", s.SessionID, s.StartedAt.Format("2006-01-02 15:04:05"),
				s.SourceAddress, s.ControllerAddress, s.FrameRateHz, s.IntervalMs)
		}
		return
	}

	files, err := plotSession(store, *sessionID, *outDir, *speedUnit)
	if err != nil {
		log.Fatal(err)
	}
	for _, f := range files {
		fmt.Println(f)
	}
}

// plotSession writes the plots for id (or the latest session) into dir and
// returns the file names.
func plotSession(store *db.DB, id, dir, unit string) ([]string, error) {
	if err := security.ValidateExportPath(dir); err != nil {
		return nil, err
	}
	if id == "" {
		sessions, err := store.Sessions(1)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			return nil, errors.New("database has no sessions")
		}
		id = sessions[0].SessionID
	}
	emissions, err := store.Emissions(id, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load emissions: %w", err)
	}
	if len(emissions) == 0 {
		return nil, fmt.Errorf("session %s has no emissions", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	base := filepath.Join(dir, "session-"+security.SanitizeFilename(id))
	speedFile := base + "-speed.png"
	traceFile := base + "-trace.png"

	if err := speedPlot(emissions, id, unit).Save(14*vg.Inch, 6*vg.Inch, speedFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", speedFile, err)
	}
	trace, err := tracePlot(emissions, id)
	if err != nil {
		return nil, err
	}
	if err := trace.Save(8*vg.Inch, 8*vg.Inch, traceFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", traceFile, err)
	}
	return []string{speedFile, traceFile}, nil
}

func speedPlot(emissions []db.Emission, id, unit string) *plot.Plot {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s speed", id)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Speed (" + unit + ")"
	p.Add(plotter.NewGrid())

	start := emissions[0].EmittedAt
	sent := make(plotter.XYs, 0, len(emissions))
	var dropped plotter.XYs
	for _, e := range emissions {
		pt := plotter.XY{X: e.EmittedAt.Sub(start).Seconds(), Y: units.ConvertSpeed(e.Speed, unit)}
		sent = append(sent, pt)
		if !e.Sent {
			dropped = append(dropped, pt)
		}
	}

	if line, err := plotter.NewLine(sent); err == nil {
		line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("speed", line)
	}
	if len(dropped) > 0 {
		if sc, err := plotter.NewScatter(dropped); err == nil {
			sc.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
			sc.Radius = vg.Points(2)
			p.Add(sc)
			p.Legend.Add(fmt.Sprintf("send failed (%d)", len(dropped)), sc)
		}
	}
	return p
}

func tracePlot(emissions []db.Emission, id string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s centre point", id)
	p.X.Label.Text = "X (mm)"
	p.Y.Label.Text = "Y (mm)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(emissions))
	for i, e := range emissions {
		pts[i] = plotter.XY{X: e.Center[0], Y: e.Center[1]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)
	return p, nil
}
