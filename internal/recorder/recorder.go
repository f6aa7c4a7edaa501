// Package recorder persists the reconstructed frames of live sessions and
// reads them back for replay.
//
// A session is an append-only sequence of frames keyed by an id derived from
// the run's start time. Two storage backends are provided: SQLiteStore (the
// default, queryable through /debug/tailsql/) and FileStore (one directory of
// length-prefixed msgpack records per session).
package recorder

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
)

// SessionIDLayout formats a run's UTC start time into its session id.
const SessionIDLayout = "2006-01-02T15-04-05.000000"

var (
	// ErrSessionNotFound is returned for unknown or malformed session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is wrapped in a StorageWriteError when a frame is
	// recorded to a session that has already been ended.
	ErrSessionClosed = errors.New("session closed")
)

// StorageWriteError reports a frame that could not be persisted.
type StorageWriteError struct {
	SessionID string
	Seq       uint64
	Err       error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("failed to record frame %d in session %s: %v", e.Seq, e.SessionID, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// SessionInfo describes one recorded session.
type SessionInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Frames    int       `json:"frames"`
}

// Sequence iterates over a session's frames in sequence-number order. Next
// returns io.EOF after the last frame; Reset rewinds to the first frame.
type Sequence interface {
	Next() (frame.ReconstructedFrame, error)
	Reset() error
	Close() error
}

// Store is a session storage backend.
type Store interface {
	CreateSession(id string, startedAt time.Time) error
	AppendFrame(id string, f frame.ReconstructedFrame) error
	FinishSession(id string, endedAt time.Time) error
	SessionExists(id string) (bool, error)
	// ListSessions returns every session, newest first.
	ListSessions() ([]SessionInfo, error)
	// OpenSession returns ErrSessionNotFound for unknown ids.
	OpenSession(id string) (Sequence, error)
	Close() error
}

// Recorder is the single writer for session storage. It tracks which
// sessions are open for writing and turns backend failures into
// StorageWriteErrors.
type Recorder struct {
	store Store
	logf  func(format string, v ...interface{})

	mu   sync.Mutex
	open map[string]struct{}
}

// New returns a Recorder writing to store.
func New(store Store) *Recorder {
	return &Recorder{
		store: store,
		logf:  monitoring.Component("Recorder"),
		open:  make(map[string]struct{}),
	}
}

// Begin creates a session for a run that started at startedAt and returns
// its id. If the id is taken a numeric suffix is added.
func (r *Recorder) Begin(startedAt time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := startedAt.UTC().Format(SessionIDLayout)
	id := base
	for n := 2; ; n++ {
		exists, err := r.store.SessionExists(id)
		if err != nil {
			return "", fmt.Errorf("failed to check session %s: %w", id, err)
		}
		if _, open := r.open[id]; !exists && !open {
			break
		}
		id = base + "-" + strconv.Itoa(n)
	}

	if err := r.store.CreateSession(id, startedAt); err != nil {
		return "", fmt.Errorf("failed to create session %s: %w", id, err)
	}
	r.open[id] = struct{}{}
	r.logf("Session %s started", id)
	return id, nil
}

// Record appends f to an open session. Failures are returned as
// *StorageWriteError and are never retried.
func (r *Recorder) Record(id string, f frame.ReconstructedFrame) error {
	r.mu.Lock()
	_, open := r.open[id]
	r.mu.Unlock()
	if !open {
		return &StorageWriteError{SessionID: id, Seq: f.Seq, Err: ErrSessionClosed}
	}
	if err := r.store.AppendFrame(id, f); err != nil {
		return &StorageWriteError{SessionID: id, Seq: f.Seq, Err: err}
	}
	return nil
}

// End closes a session for writing. Ending an unknown or already ended
// session is a no-op.
func (r *Recorder) End(id string, endedAt time.Time) error {
	r.mu.Lock()
	_, open := r.open[id]
	delete(r.open, id)
	r.mu.Unlock()
	if !open {
		return nil
	}
	if err := r.store.FinishSession(id, endedAt); err != nil {
		return fmt.Errorf("failed to finish session %s: %w", id, err)
	}
	r.logf("Session %s closed", id)
	return nil
}

// ListSessions returns the recorded session ids, newest first.
func (r *Recorder) ListSessions() ([]string, error) {
	infos, err := r.store.ListSessions()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids, nil
}

// Sessions returns full session descriptions, newest first.
func (r *Recorder) Sessions() ([]SessionInfo, error) {
	return r.store.ListSessions()
}

// OpenForReplay returns a lazy, restartable sequence over a session's
// frames. Each call returns an independent sequence.
func (r *Recorder) OpenForReplay(id string) (Sequence, error) {
	if !ValidSessionID(id) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	seq, err := r.store.OpenSession(id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to open session %s: %w", id, err)
	}
	return seq, nil
}

// Close ends every open session and closes the store.
func (r *Recorder) Close(endedAt time.Time) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.open))
	for id := range r.open {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.End(id, endedAt); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidSessionID reports whether id can name a session: 1 to 128 characters
// from [A-Za-z0-9._-], not starting with a dot.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > 128 || id[0] == '.' {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
