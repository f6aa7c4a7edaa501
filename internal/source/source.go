// Package source delivers raw measurement frames from upstream transports:
// the TagSee WebSocket feed, UDP datagrams, a serial line, PCAP captures and
// a synthetic generator for development.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// ErrSourceDisconnected is returned by Start when the upstream is gone and
// reconnecting has been given up.
var ErrSourceDisconnected = errors.New("frame source disconnected")

// Source pushes raw frames, in capture order, to emit.
//
// Start blocks. It returns nil once ctx is cancelled, io.EOF when a finite
// source is exhausted, and an error wrapping ErrSourceDisconnected when the
// upstream is lost for good. emit must not block.
type Source interface {
	Start(ctx context.Context, emit func(frame.RawFrame)) error
	Name() string
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
