// Package frame holds the data model shared by every stage of the tag
// pipeline: raw measurement frames, reconstructed tag frames, acquisition
// parameters and tag filters.
package frame

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// TagID identifies one candidate tag, i.e. one column of the sensing
// dictionary. Valid ids for a frame are 0 <= id < N.
type TagID int

// String renders the id the way operators type it ("T5").
func (t TagID) String() string {
	return "T" + strconv.Itoa(int(t))
}

// MarshalText makes TagID usable as a JSON object key.
func (t TagID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts both "T5" and "5".
func (t *TagID) UnmarshalText(b []byte) error {
	id, err := ParseTagID(string(b))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// ParseTagID parses "T5", "t5" or "5".
func ParseTagID(s string) (TagID, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "T"), "t")
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid tag id %q", s)
	}
	return TagID(n), nil
}

// MaxSeq is the largest sequence number a frame may carry. Sessions store
// seq as a signed 64-bit integer and replay orders by it.
const MaxSeq = math.MaxInt64

// ErrSeqOutOfRange is returned for frames numbered above MaxSeq.
var ErrSeqOutOfRange = errors.New("frame sequence number out of range")

// RawFrame is one batch of Q measurements captured together.
type RawFrame struct {
	Seq            uint64    `json:"seq"`
	TimestampNanos int64     `json:"ts"`
	Samples        []float64 `json:"samples"`
}

// ReconstructedFrame is the sparse per-tag estimate recovered from a RawFrame.
// It carries the sequence number and timestamp of its source frame and the
// parameters it was reconstructed with.
type ReconstructedFrame struct {
	Seq            uint64            `json:"seq"`
	TimestampNanos int64             `json:"ts"`
	Params         Params            `json:"params"`
	Tags           map[TagID]float64 `json:"tags"`
	Residual       float64           `json:"residual"`
}

// Clone returns a deep copy.
func (f ReconstructedFrame) Clone() ReconstructedFrame {
	out := f
	out.Tags = make(map[TagID]float64, len(f.Tags))
	for id, v := range f.Tags {
		out.Tags[id] = v
	}
	return out
}

// TagIDs returns the frame's tag ids in ascending order.
func (f ReconstructedFrame) TagIDs() []TagID {
	ids := make([]TagID, 0, len(f.Tags))
	for id := range f.Tags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
