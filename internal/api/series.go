package api

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// maxSeriesFrames caps how many frames a chart or plot reads from a
// session.
const maxSeriesFrames = 5000

// tagSeries is one tag's value over a session. Frames where the tag was
// inactive contribute no point.
type tagSeries struct {
	Tag    frame.TagID
	Seq    []float64
	Values []float64
}

// loadSeries reads up to limit frames of a recorded session.
func (s *Server) loadSeries(id string, limit int) ([]tagSeries, int, error) {
	if s.sessions == nil {
		return nil, 0, fmt.Errorf("session storage is not configured")
	}
	seq, err := s.sessions.OpenForReplay(id)
	if err != nil {
		return nil, 0, err
	}
	defer seq.Close()

	byTag := map[frame.TagID]*tagSeries{}
	n := 0
	for n < limit {
		f, err := seq.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		n++
		for _, tag := range f.TagIDs() {
			ts, ok := byTag[tag]
			if !ok {
				ts = &tagSeries{Tag: tag}
				byTag[tag] = ts
			}
			ts.Seq = append(ts.Seq, float64(f.Seq))
			ts.Values = append(ts.Values, f.Tags[tag])
		}
	}

	out := make([]tagSeries, 0, len(byTag))
	for _, ts := range byTag {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, n, nil
}
