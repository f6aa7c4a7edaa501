package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/timeutil"
)

// Decoder turns wire messages into RawFrames. Two encodings are accepted:
//
//	{"seq": 12, "ts": 1700000000000000000, "samples": [0.1, -0.3, ...]}
//	12,1700000000000000000,0.1,-0.3,...
//
// A missing or zero timestamp is replaced with the decoder clock's time. A
// missing or zero seq is replaced with the previous seq plus one.
type Decoder struct {
	clock timeutil.Clock

	mu      sync.Mutex
	lastSeq uint64
}

// NewDecoder returns a Decoder stamping frames with clock. A nil clock uses
// the real clock.
func NewDecoder(clock timeutil.Clock) *Decoder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Decoder{clock: clock}
}

// Decode parses one message in either encoding.
func (d *Decoder) Decode(data []byte) (frame.RawFrame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return frame.RawFrame{}, fmt.Errorf("empty frame message")
	}

	var (
		raw frame.RawFrame
		err error
	)
	if trimmed[0] == '{' {
		raw, err = parseJSON(trimmed)
	} else {
		raw, err = parseLine(string(trimmed))
	}
	if err != nil {
		return frame.RawFrame{}, err
	}
	return d.stamp(raw)
}

func (d *Decoder) stamp(raw frame.RawFrame) (frame.RawFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if raw.Seq == 0 {
		raw.Seq = d.lastSeq + 1
	}
	if raw.Seq > frame.MaxSeq {
		return frame.RawFrame{}, fmt.Errorf("%w: seq %d", frame.ErrSeqOutOfRange, raw.Seq)
	}
	d.lastSeq = raw.Seq
	if raw.TimestampNanos == 0 {
		raw.TimestampNanos = d.clock.Now().UnixNano()
	}
	return raw, nil
}

func parseJSON(data []byte) (frame.RawFrame, error) {
	var raw frame.RawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return frame.RawFrame{}, fmt.Errorf("invalid frame JSON: %w", err)
	}
	if len(raw.Samples) == 0 {
		return frame.RawFrame{}, fmt.Errorf("frame %d has no samples", raw.Seq)
	}
	return raw, nil
}

func parseLine(line string) (frame.RawFrame, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return frame.RawFrame{}, fmt.Errorf("frame line needs seq, ts and at least one sample, got %d fields", len(fields))
	}

	var raw frame.RawFrame
	var err error
	if s := strings.TrimSpace(fields[0]); s != "" {
		if raw.Seq, err = strconv.ParseUint(s, 10, 64); err != nil {
			return frame.RawFrame{}, fmt.Errorf("invalid seq %q: %w", s, err)
		}
	}
	if s := strings.TrimSpace(fields[1]); s != "" {
		if raw.TimestampNanos, err = strconv.ParseInt(s, 10, 64); err != nil {
			return frame.RawFrame{}, fmt.Errorf("invalid ts %q: %w", s, err)
		}
	}

	raw.Samples = make([]float64, 0, len(fields)-2)
	for i, f := range fields[2:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return frame.RawFrame{}, fmt.Errorf("invalid sample %d %q: %w", i, f, err)
		}
		raw.Samples = append(raw.Samples, v)
	}
	return raw, nil
}
