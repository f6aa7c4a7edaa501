package frame

import (
	"errors"
	"fmt"
)

// ErrInvalidParameters is returned when an acquisition parameter change would
// break Q >= N >= K >= 1. The previous parameters stay in force.
var ErrInvalidParameters = errors.New("invalid acquisition parameters")

// Size limits. The sensing dictionary holds N*Q float64 values, so the
// product is capped as well as Q itself.
const (
	MaxFrameSize       = 1 << 16
	MaxDictionaryCells = 1 << 22
)

// Params is one consistent acquisition configuration.
type Params struct {
	// SampleCount (N) is the dimension of the recovered signal, i.e. the
	// number of candidate tag identities.
	SampleCount int `json:"n" msgpack:"n"`
	// FrameSize (Q) is the number of raw measurements per frame.
	FrameSize int `json:"q" msgpack:"q"`
	// Sparsity (K) bounds the number of tags active in one frame.
	Sparsity int `json:"k" msgpack:"k"`
}

// DefaultParams returns the configuration a fresh pipeline starts with.
func DefaultParams() Params {
	return Params{SampleCount: 32, FrameSize: 64, Sparsity: 4}
}

// Validate checks Q >= N >= K >= 1 and the size limits.
func (p Params) Validate() error {
	switch {
	case p.Sparsity < 1:
		return fmt.Errorf("%w: sparsity K=%d must be at least 1", ErrInvalidParameters, p.Sparsity)
	case p.SampleCount < p.Sparsity:
		return fmt.Errorf("%w: sample count N=%d is smaller than sparsity K=%d", ErrInvalidParameters, p.SampleCount, p.Sparsity)
	case p.FrameSize < p.SampleCount:
		return fmt.Errorf("%w: frame size Q=%d is smaller than sample count N=%d", ErrInvalidParameters, p.FrameSize, p.SampleCount)
	case p.FrameSize > MaxFrameSize:
		return fmt.Errorf("%w: frame size Q=%d exceeds %d", ErrInvalidParameters, p.FrameSize, MaxFrameSize)
	case p.SampleCount > MaxDictionaryCells/p.FrameSize:
		return fmt.Errorf("%w: N=%d x Q=%d exceeds %d dictionary cells", ErrInvalidParameters, p.SampleCount, p.FrameSize, MaxDictionaryCells)
	}
	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("N=%d Q=%d K=%d", p.SampleCount, p.FrameSize, p.Sparsity)
}
