package source

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/tagbeat/internal/cs"
	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/timeutil"
)

// SyntheticSource generates measurement frames for a slowly changing set of
// tags. It backs the -dev mode and tests that need a live feed.
type SyntheticSource struct {
	Interval time.Duration
	// Params returns the parameters to synthesise with. It is read once per
	// frame so parameter changes show up in the generated signal.
	Params func() frame.Params
	// Noise is the standard deviation of gaussian noise added per sample.
	Noise float64
	// Limit stops the source, returning nil, after this many frames.
	// Zero means unlimited.
	Limit int
	Seed  uint64
	Clock timeutil.Clock
}

// NewSyntheticSource emits one frame per interval using the default params.
func NewSyntheticSource(interval time.Duration) *SyntheticSource {
	return &SyntheticSource{
		Interval: interval,
		Params:   frame.DefaultParams,
		Noise:    0.01,
		Seed:     1,
	}
}

func (s *SyntheticSource) Name() string { return "synthetic" }

func (s *SyntheticSource) Start(ctx context.Context, emit func(frame.RawFrame)) error {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	paramsFn := s.Params
	if paramsFn == nil {
		paramsFn = frame.DefaultParams
	}
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var (
		seq  uint64
		tags map[frame.TagID]float64
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		p := paramsFn()
		// Reshuffle the active tags every 50 frames.
		if tags == nil || seq%50 == 0 {
			tags = randomTags(rng, p)
		}
		samples := cs.Measure(tags, p)
		for i := range samples {
			samples[i] += rng.NormFloat64() * s.Noise
		}

		seq++
		emit(frame.RawFrame{Seq: seq, TimestampNanos: clock.Now().UnixNano(), Samples: samples})
		if s.Limit > 0 && int(seq) >= s.Limit {
			return nil
		}
	}
}

func randomTags(rng *rand.Rand, p frame.Params) map[frame.TagID]float64 {
	n := p.Sparsity
	if n > p.SampleCount {
		n = p.SampleCount
	}
	tags := make(map[frame.TagID]float64, n)
	for _, i := range rng.Perm(p.SampleCount)[:n] {
		v := 0.5 + rng.Float64()*2
		if rng.IntN(2) == 0 {
			v = -v
		}
		tags[frame.TagID(i)] = v
	}
	return tags
}
