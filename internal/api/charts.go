package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// chart renders an interactive HTML chart. With ?session=ID it plots that
// session's tags over time; otherwise it shows the latest frame.
func (s *Server) chart(w http.ResponseWriter, r *http.Request) {
	var (
		buf bytes.Buffer
		err error
	)
	if id := r.URL.Query().Get("session"); id != "" {
		series, frames, lerr := s.loadSeries(id, maxSeriesFrames)
		if lerr != nil {
			s.writeError(w, lerr)
			return
		}
		err = sessionChart(id, series, frames).Render(&buf)
	} else {
		err = s.lastFrameChart().Render(&buf)
	}
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to render chart: %w", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) lastFrameChart() *charts.Bar {
	bar := charts.NewBar()
	subtitle := "no frames yet"
	var (
		names []string
		data  []opts.BarData
	)
	if f, ok := s.manager.LastFrame(); ok {
		subtitle = fmt.Sprintf("seq=%d %s residual=%.3g", f.Seq, f.Params, f.Residual)
		for _, id := range f.TagIDs() {
			names = append(names, id.String())
			data = append(data, opts.BarData{Value: f.Tags[id]})
		}
	}
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "TagBeat", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latest frame", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).AddSeries("signal", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}

func sessionChart(id string, series []tagSeries, frames int) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "TagBeat session " + id, Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Session " + id, Subtitle: fmt.Sprintf("frames=%d tags=%d", frames, len(series))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "seq", Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "signal"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	for _, ts := range series {
		data := make([]opts.ScatterData, len(ts.Seq))
		for i := range ts.Seq {
			data[i] = opts.ScatterData{Value: []interface{}{ts.Seq[i], ts.Values[i]}}
		}
		scatter.AddSeries(ts.Tag.String(), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
	return scatter
}
