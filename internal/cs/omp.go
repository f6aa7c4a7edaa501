package cs

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// Epsilon is the relative tolerance used for convergence, tie-breaking and
// significance decisions. Every threshold is Epsilon·‖y‖.
const Epsilon = 1e-6

// Reconstruct runs orthogonal matching pursuit on one raw frame.
//
// p must already satisfy p.Validate(). A frame with more than Q samples is
// truncated to its first Q; a shorter frame is zero padded. The result never
// holds more than p.Sparsity tags; pursuit stops early once the residual or
// the best remaining correlation drops below the tolerance.
func Reconstruct(raw frame.RawFrame, p frame.Params) frame.ReconstructedFrame {
	out := frame.ReconstructedFrame{
		Seq:            raw.Seq,
		TimestampNanos: raw.TimestampNanos,
		Params:         p,
		Tags:           make(map[frame.TagID]float64),
	}

	y := make([]float64, p.FrameSize)
	copy(y, raw.Samples)
	yNorm := floats.Norm(y, 2)
	if yNorm == 0 || math.IsNaN(yNorm) || math.IsInf(yNorm, 0) {
		return out
	}
	tol := Epsilon * yNorm

	dict := Dictionary(p.FrameSize, p.SampleCount)
	yVec := mat.NewVecDense(p.FrameSize, y)
	residual := mat.NewVecDense(p.FrameSize, nil)
	residual.CopyVec(yVec)

	var (
		support []int
		coef    *mat.VecDense
		chosen  = make([]bool, p.SampleCount)
	)

	for len(support) < p.Sparsity {
		if mat.Norm(residual, 2) <= tol {
			break
		}

		best := bestAtom(dict, residual, chosen, tol)
		if best < 0 {
			break
		}

		trial := append(support, best)
		x, r, ok := leastSquares(dict, trial, yVec)
		if !ok {
			// Singular support; keep the previous estimate.
			break
		}
		support, coef, residual = trial, x, r
		chosen[best] = true
	}

	out.Residual = mat.Norm(residual, 2)
	for i, j := range support {
		v := coef.AtVec(i)
		if math.Abs(v) > tol {
			out.Tags[frame.TagID(j)] = v
		}
	}
	return out
}

// bestAtom returns the unchosen column with the largest absolute correlation
// to the residual. Columns are scanned in ascending order and a later column
// only wins if it beats the incumbent by more than tol, so near-ties go to the
// lower tag id. It returns -1 if no correlation exceeds tol.
func bestAtom(dict *mat.Dense, residual *mat.VecDense, chosen []bool, tol float64) int {
	best := -1
	bestCorr := tol
	for j := range chosen {
		if chosen[j] {
			continue
		}
		c := math.Abs(mat.Dot(dict.ColView(j), residual))
		if best < 0 {
			if c > bestCorr {
				best, bestCorr = j, c
			}
			continue
		}
		if c > bestCorr+tol {
			best, bestCorr = j, c
		}
	}
	return best
}

// leastSquares re-estimates every coefficient on the support and returns the
// coefficients together with the new residual y - Φ_S x.
func leastSquares(dict *mat.Dense, support []int, y *mat.VecDense) (*mat.VecDense, *mat.VecDense, bool) {
	rows, _ := dict.Dims()
	sub := mat.NewDense(rows, len(support), nil)
	for k, j := range support {
		sub.SetCol(k, mat.Col(nil, j, dict))
	}

	var x mat.VecDense
	if err := x.SolveVec(sub, y); err != nil {
		return nil, nil, false
	}
	for i := 0; i < x.Len(); i++ {
		if v := x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, false
		}
	}

	var fitted mat.VecDense
	fitted.MulVec(sub, &x)
	r := mat.NewVecDense(rows, nil)
	r.SubVec(y, &fitted)
	return &x, r, true
}
