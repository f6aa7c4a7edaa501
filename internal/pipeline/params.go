package pipeline

import (
	"fmt"
	"sync"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// ParamStore holds the acquisition parameters and the tag filter. Every
// change is validated against the would-be triple before it is committed,
// so a snapshot is always a valid configuration.
type ParamStore struct {
	mu      sync.RWMutex
	params  frame.Params
	filters frame.FilterSet
}

// NewParamStore starts from p, which must be valid.
func NewParamStore(p frame.Params) (*ParamStore, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &ParamStore{params: p, filters: frame.FilterSet{}}, nil
}

// Snapshot returns the current parameters.
func (s *ParamStore) Snapshot() frame.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Apply commits a parameter or filter command. On error the store is left
// unchanged.
func (s *ParamStore) Apply(cmd Command) error {
	if cmd.Kind == SetFilter {
		s.SetFilter(cmd.Filter)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.params
	switch cmd.Kind {
	case SetSampleCount:
		next.SampleCount = cmd.Value
	case SetFrameSize:
		next.FrameSize = cmd.Value
	case SetSparsity:
		next.Sparsity = cmd.Value
	case SetParams:
		next = cmd.Params
	default:
		return fmt.Errorf("%s is not a parameter command", cmd.Kind)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.params = next
	return nil
}

// SetFilter replaces the active filter.
func (s *ParamStore) SetFilter(fs frame.FilterSet) {
	fs = fs.Clone()
	s.mu.Lock()
	s.filters = fs
	s.mu.Unlock()
}

// Filters returns a copy of the active filter.
func (s *ParamStore) Filters() frame.FilterSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters.Clone()
}
