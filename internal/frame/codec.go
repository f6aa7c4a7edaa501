package frame

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// record is the persisted form of a ReconstructedFrame. Tags are stored as a
// list sorted by id so identical frames encode to identical bytes.
type record struct {
	Seq       uint64     `msgpack:"s"`
	Timestamp int64      `msgpack:"t"`
	Params    Params     `msgpack:"p"`
	Tags      []tagValue `msgpack:"g"`
	Residual  float64    `msgpack:"r"`
}

type tagValue struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       int
	Value    float64
}

// EncodeRecord serialises a reconstructed frame for session storage.
func EncodeRecord(f ReconstructedFrame) ([]byte, error) {
	rec := record{
		Seq:       f.Seq,
		Timestamp: f.TimestampNanos,
		Params:    f.Params,
		Tags:      make([]tagValue, 0, len(f.Tags)),
		Residual:  f.Residual,
	}
	for _, id := range f.TagIDs() {
		rec.Tags = append(rec.Tags, tagValue{ID: int(id), Value: f.Tags[id]})
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", f.Seq, err)
	}
	return data, nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (ReconstructedFrame, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return ReconstructedFrame{}, fmt.Errorf("failed to decode frame record: %w", err)
	}
	f := ReconstructedFrame{
		Seq:            rec.Seq,
		TimestampNanos: rec.Timestamp,
		Params:         rec.Params,
		Tags:           make(map[TagID]float64, len(rec.Tags)),
		Residual:       rec.Residual,
	}
	for _, tv := range rec.Tags {
		f.Tags[TagID(tv.ID)] = tv.Value
	}
	return f, nil
}
