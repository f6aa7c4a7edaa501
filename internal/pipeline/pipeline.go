// Package pipeline runs the reconstruction loop: it pulls frames from a live
// source or a recorded session, applies queued reconfiguration commands at
// frame boundaries, reconstructs, filters, publishes and records.
//
// One run is active at a time. The Manager owns the run's goroutine, and the
// CommandQueue is the only way other goroutines influence it.
package pipeline

import (
	"errors"
	"time"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/recorder"
)

var (
	// ErrAlreadyRunning is returned when a run is started while another is
	// live or replaying.
	ErrAlreadyRunning = errors.New("a run is already active")
	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("no run is active")
)

// RunState is the lifecycle state of the pipeline.
type RunState int

const (
	Idle RunState = iota
	Live
	Replaying
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Live:
		return "live"
	case Replaying:
		return "replaying"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a run is live or replaying.
func (s RunState) Active() bool { return s == Live || s == Replaying }

// Recorder persists live frames and opens recorded sessions.
// *recorder.Recorder satisfies it.
type Recorder interface {
	Begin(startedAt time.Time) (string, error)
	Record(id string, f frame.ReconstructedFrame) error
	End(id string, endedAt time.Time) error
	ListSessions() ([]string, error)
	OpenForReplay(id string) (recorder.Sequence, error)
}

// Sink receives every published frame. Publish must not block.
type Sink interface {
	Publish(f frame.ReconstructedFrame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame.ReconstructedFrame)

func (f SinkFunc) Publish(fr frame.ReconstructedFrame) { f(fr) }

// MultiSink publishes to each sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(f frame.ReconstructedFrame) {
	for _, s := range m {
		s.Publish(f)
	}
}
