package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/mocap.bridge/internal/httputil"
	"github.com/banshee-data/mocap.bridge/internal/pipeline"
	"github.com/banshee-data/mocap.bridge/internal/units"
)

// VelocityChart renders recent emissions as a line chart of speed and the
// three velocity components, converted to unit.
func VelocityChart(points []pipeline.HistoryPoint, unit string) (*charts.Line, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no emissions recorded yet")
	}
	labels := make([]string, len(points))
	speed := make([]opts.LineData, len(points))
	comps := [3][]opts.LineData{}
	for i := range comps {
		comps[i] = make([]opts.LineData, len(points))
	}
	start := points[0].At
	for i, p := range points {
		labels[i] = strconv.FormatFloat(p.At.Sub(start).Seconds(), 'f', 2, 64)
		speed[i] = opts.LineData{Value: units.ConvertSpeed(p.Speed, unit)}
		for c := 0; c < 3; c++ {
			comps[c][i] = opts.LineData{Value: units.ConvertSpeed(p.Velocity[c], unit)}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Bridge velocity", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Emitted velocity",
			Subtitle: fmt.Sprintf("%d emissions, frames %d-%d", len(points), points[0].Frame, points[len(points)-1].Frame),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit, NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(labels).
		AddSeries("speed", speed).
		AddSeries("vx", comps[0]).
		AddSeries("vy", comps[1]).
		AddSeries("vz", comps[2]).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line, nil
}

func (s *Server) handleVelocityChart(w http.ResponseWriter, r *http.Request) {
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

	line, err := VelocityChart(s.src.History(), unit)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
