package cs

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tagbeat/internal/frame"
)

func TestDictionaryColumnsOrthonormal(t *testing.T) {
	for _, dims := range [][2]int{{16, 8}, {16, 16}, {64, 32}, {1, 1}} {
		q, n := dims[0], dims[1]
		d := Dictionary(q, n)
		var gram mat.Dense
		gram.Mul(d.T(), d)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				assert.InDelta(t, want, gram.At(i, j), 1e-12, "Q=%d N=%d gram[%d][%d]", q, n, i, j)
			}
		}
	}
}

func TestDictionaryCached(t *testing.T) {
	assert.Same(t, Dictionary(16, 8), Dictionary(16, 8))
}

func TestDictionaryCacheKeepsOnlyLatestSize(t *testing.T) {
	first := Dictionary(16, 8)
	second := Dictionary(32, 8)

	c := current.Load()
	require.NotNil(t, c)
	assert.Equal(t, 32, c.q)
	assert.Equal(t, 8, c.n)
	assert.Same(t, second, c.d)

	again := Dictionary(16, 8)
	assert.NotSame(t, first, again)
	assert.True(t, mat.Equal(first, again))
}

func TestReconstructLargestFrame(t *testing.T) {
	p := frame.Params{SampleCount: 1, FrameSize: frame.MaxFrameSize, Sparsity: 1}
	require.NoError(t, p.Validate())
	got := Reconstruct(frame.RawFrame{Samples: []float64{1}}, p)
	assert.LessOrEqual(t, len(got.Tags), 1)
}

func TestReconstructTwoTags(t *testing.T) {
	p := frame.Params{SampleCount: 8, FrameSize: 16, Sparsity: 2}
	truth := map[frame.TagID]float64{1: 2.0, 5: -1.5}
	raw := frame.RawFrame{Seq: 7, TimestampNanos: 1234, Samples: Measure(truth, p)}

	got := Reconstruct(raw, p)

	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, int64(1234), got.TimestampNanos)
	assert.Equal(t, p, got.Params)
	require.Len(t, got.Tags, 2)
	assert.InDelta(t, 2.0, got.Tags[1], 1e-9)
	assert.InDelta(t, -1.5, got.Tags[5], 1e-9)
	assert.Less(t, got.Residual, 1e-9)
}

func TestReconstructRespectsSparsity(t *testing.T) {
	p := frame.Params{SampleCount: 16, FrameSize: 32, Sparsity: 3}
	truth := map[frame.TagID]float64{0: 1, 2: 2, 4: 3, 6: 4, 8: 5, 10: 6}
	raw := frame.RawFrame{Samples: Measure(truth, p)}

	got := Reconstruct(raw, p)
	assert.LessOrEqual(t, len(got.Tags), p.Sparsity)
	// The three strongest tags are picked first.
	for _, id := range []frame.TagID{6, 8, 10} {
		assert.Contains(t, got.Tags, id)
	}
}

func TestReconstructSparsityBoundRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(24)
		q := n + rng.Intn(24)
		k := 1 + rng.Intn(n)
		p := frame.Params{SampleCount: n, FrameSize: q, Sparsity: k}
		samples := make([]float64, q)
		for j := range samples {
			samples[j] = rng.NormFloat64()
		}
		got := Reconstruct(frame.RawFrame{Samples: samples}, p)
		assert.LessOrEqual(t, len(got.Tags), k, "params %v", p)
		for id := range got.Tags {
			assert.Less(t, int(id), n)
		}
	}
}

func TestReconstructDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := frame.Params{SampleCount: 20, FrameSize: 40, Sparsity: 5}
	samples := make([]float64, p.FrameSize)
	for i := range samples {
		samples[i] = rng.NormFloat64()
	}
	raw := frame.RawFrame{Seq: 1, Samples: samples}

	first := Reconstruct(raw, p)
	for i := 0; i < 10; i++ {
		again := Reconstruct(raw, p)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
		for id, v := range first.Tags {
			assert.Equal(t, math.Float64bits(v), math.Float64bits(again.Tags[id]))
		}
	}
}

func TestReconstructZeroSignal(t *testing.T) {
	p := frame.Params{SampleCount: 8, FrameSize: 16, Sparsity: 2}
	got := Reconstruct(frame.RawFrame{Seq: 2, Samples: make([]float64, 16)}, p)
	assert.Empty(t, got.Tags)
	assert.NotNil(t, got.Tags)
	assert.Zero(t, got.Residual)
}

func TestReconstructEarlyTermination(t *testing.T) {
	p := frame.Params{SampleCount: 8, FrameSize: 16, Sparsity: 4}
	raw := frame.RawFrame{Samples: Measure(map[frame.TagID]float64{3: 1}, p)}

	got := Reconstruct(raw, p)
	require.Len(t, got.Tags, 1)
	assert.InDelta(t, 1.0, got.Tags[3], 1e-9)
}

func TestReconstructTieGoesToLowerTag(t *testing.T) {
	p := frame.Params{SampleCount: 8, FrameSize: 16, Sparsity: 1}
	raw := frame.RawFrame{Samples: Measure(map[frame.TagID]float64{2: 1, 6: -1}, p)}

	got := Reconstruct(raw, p)
	require.Len(t, got.Tags, 1)
	assert.Contains(t, got.Tags, frame.TagID(2))
}

func TestReconstructFrameLengthMismatch(t *testing.T) {
	p := frame.Params{SampleCount: 8, FrameSize: 16, Sparsity: 2}
	samples := Measure(map[frame.TagID]float64{4: 1}, p)

	t.Run("longer frame is truncated", func(t *testing.T) {
		long := append(append([]float64{}, samples...), 100, 100, 100)
		got := Reconstruct(frame.RawFrame{Samples: long}, p)
		assert.InDelta(t, 1.0, got.Tags[4], 1e-9)
	})

	t.Run("shorter frame is padded", func(t *testing.T) {
		got := Reconstruct(frame.RawFrame{Samples: samples[:10]}, p)
		assert.LessOrEqual(t, len(got.Tags), p.Sparsity)
	})
}
