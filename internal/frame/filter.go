package frame

// FilterSet maps a tag to whether it is shown. Tags missing from the set are
// shown.
type FilterSet map[TagID]bool

// Allows reports whether id passes the filter.
func (fs FilterSet) Allows(id TagID) bool {
	include, ok := fs[id]
	return !ok || include
}

// Clone returns an independent copy. A nil set clones to an empty set.
func (fs FilterSet) Clone() FilterSet {
	out := make(FilterSet, len(fs))
	for id, v := range fs {
		out[id] = v
	}
	return out
}

// ParseFilterSet converts the wire form ({"T1": true, "5": false}) into a
// FilterSet.
func ParseFilterSet(raw map[string]bool) (FilterSet, error) {
	fs := make(FilterSet, len(raw))
	for key, include := range raw {
		id, err := ParseTagID(key)
		if err != nil {
			return nil, err
		}
		fs[id] = include
	}
	return fs, nil
}

// ApplyFilter returns a copy of f without the tags fs excludes. The input
// frame is not modified.
func ApplyFilter(f ReconstructedFrame, fs FilterSet) ReconstructedFrame {
	out := f
	out.Tags = make(map[TagID]float64, len(f.Tags))
	for id, v := range f.Tags {
		if fs.Allows(id) {
			out.Tags[id] = v
		}
	}
	return out
}
