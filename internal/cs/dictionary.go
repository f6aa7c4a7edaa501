// Package cs recovers sparse per-tag signal estimates from under-sampled
// measurement frames.
//
// The sensing model is y = Φx where y holds the Q raw samples of a frame, x is
// the N-dimensional tag signal and Φ is a fixed Q×N dictionary whose columns
// are the first N basis vectors of the orthonormal DCT-II of length Q. Column j
// models the contribution of tag j. The columns are orthonormal for every
// N <= Q, so recovery is exact for noiseless K-sparse signals.
package cs

import (
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// cachedDictionary is the most recently built dictionary. A retune
// replaces it, so memory stays bounded by the current size.
type cachedDictionary struct {
	q, n int
	d    *mat.Dense
}

var current atomic.Pointer[cachedDictionary]

// Dictionary returns the Q×N sensing dictionary. Only the latest size is
// cached and shared; callers must not modify the result.
func Dictionary(q, n int) *mat.Dense {
	if c := current.Load(); c != nil && c.q == q && c.n == n {
		return c.d
	}
	c := &cachedDictionary{q: q, n: n, d: buildDictionary(q, n)}
	current.Store(c)
	return c.d
}

func buildDictionary(q, n int) *mat.Dense {
	d := mat.NewDense(q, n, nil)
	scale0 := math.Sqrt(1 / float64(q))
	scale := math.Sqrt(2 / float64(q))
	for j := 0; j < n; j++ {
		c := scale
		if j == 0 {
			c = scale0
		}
		for i := 0; i < q; i++ {
			d.Set(i, j, c*math.Cos(math.Pi*(float64(i)+0.5)*float64(j)/float64(q)))
		}
	}
	return d
}

// Measure synthesises the Q raw samples produced by the given tag signal.
// Tags outside [0, N) are ignored.
func Measure(tags map[frame.TagID]float64, p frame.Params) []float64 {
	d := Dictionary(p.FrameSize, p.SampleCount)
	x := mat.NewVecDense(p.SampleCount, nil)
	for id, v := range tags {
		if int(id) >= 0 && int(id) < p.SampleCount {
			x.SetVec(int(id), v)
		}
	}
	var y mat.VecDense
	y.MulVec(d, x)
	return mat.Col(nil, 0, &y)
}
