package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// sessionPlot renders every tag's reconstructed value against sequence
// number as a PNG.
func (s *Server) sessionPlot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	series, frames, err := s.loadSeries(id, maxSeriesFrames)
	if err != nil {
		s.writeError(w, err)
		return
	}

	png, err := renderSessionPNG(id, series, frames)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

func renderSessionPNG(id string, series []tagSeries, frames int) ([]byte, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s (%d frames)", id, frames)
	p.X.Label.Text = "Sequence"
	p.Y.Label.Text = "Signal"
	p.Add(plotter.NewGrid())

	for i, ts := range series {
		pts := make(plotter.XYs, len(ts.Seq))
		for j := range ts.Seq {
			pts[j] = plotter.XY{X: ts.Seq[j], Y: ts.Values[j]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to plot %s: %w", ts.Tag, err)
		}
		line.Width = vg.Points(1)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(ts.Tag.String(), line)
	}
	if len(series) == 0 {
		p.Title.Text += " - no active tags"
		p.Title.TextStyle.Color = color.Gray{Y: 96}
	}

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to render plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode plot: %w", err)
	}
	return buf.Bytes(), nil
}
