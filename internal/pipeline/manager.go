package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/recorder"
	"github.com/banshee-data/tagbeat/internal/source"
	"github.com/banshee-data/tagbeat/internal/timeutil"
)

// Options configures a Manager.
type Options struct {
	Params frame.Params
	// Recorder may be nil, in which case live runs are not recorded and
	// replay is unavailable.
	Recorder Recorder
	Sink     Sink
	Metrics  *monitoring.Metrics
	Clock    timeutil.Clock
	// PollInterval bounds how long the loop waits for a frame before it
	// checks for commands and the stop signal again.
	PollInterval time.Duration
	// SourceBuffer is the number of raw frames buffered between a live
	// source and the loop.
	SourceBuffer int
	// ReplayRateHz paces replay. Zero replays as fast as the loop runs.
	ReplayRateHz float64
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	State         RunState     `json:"state"`
	RunID         string       `json:"run_id,omitempty"`
	Source        string       `json:"source,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	ReplaySession string       `json:"replay_session,omitempty"`
	Params        frame.Params `json:"params"`
	Frames        uint64       `json:"frames"`
	Pending       int          `json:"pending_commands"`
	LastError     string       `json:"last_error,omitempty"`
}

// Manager owns the parameter store, the command queue and at most one
// active run.
type Manager struct {
	params   *ParamStore
	queue    CommandQueue
	recorder Recorder
	sink     Sink
	metrics  *monitoring.Metrics
	clock    timeutil.Clock
	poll     time.Duration
	buffer   int
	rateHz   float64
	logf     func(format string, v ...interface{})

	mu        sync.Mutex
	state     RunState
	run       *run
	last      *frame.ReconstructedFrame
	lastError string
}

// NewManager returns an idle Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Params == (frame.Params{}) {
		opts.Params = frame.DefaultParams()
	}
	store, err := NewParamStore(opts.Params)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.SourceBuffer <= 0 {
		opts.SourceBuffer = 64
	}
	if opts.Sink == nil {
		opts.Sink = SinkFunc(func(frame.ReconstructedFrame) {})
	}
	return &Manager{
		params:   store,
		recorder: opts.Recorder,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		poll:     opts.PollInterval,
		buffer:   opts.SourceBuffer,
		rateHz:   opts.ReplayRateHz,
		logf:     monitoring.Component("Processor"),
		state:    Idle,
	}, nil
}

// StartLive starts a live run reading from src. Any queued commands are
// applied before the first frame.
func (m *Manager) StartLive(src source.Source) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Active() {
		return "", ErrAlreadyRunning
	}

	r := m.newRun()
	r.src = src
	r.mode = Live
	r.provider = startLiveProvider(r.ctx, src, m.buffer, m.metrics)
	r.live = r.provider.(*liveProvider)
	m.begin(r)
	m.logf("Run %s started live from %s", r.id, src.Name())
	return r.id, nil
}

// StartReplay starts a standalone replay of a recorded session. An unknown
// session is reported before an active run, so a bad id never disturbs a
// live run.
func (m *Manager) StartReplay(sessionID string) (string, error) {
	seq, err := m.openSession(sessionID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Active() {
		seq.Close()
		return "", ErrAlreadyRunning
	}

	r := m.newRun()
	r.mode = Replaying
	r.replaySession = sessionID
	r.provider = newReplayProvider(sessionID, seq, m.rateHz)
	m.begin(r)
	m.logf("Run %s started replay of session %s", r.id, sessionID)
	return r.id, nil
}

// Stop ends the active run and waits for its loop to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	r := m.run
	if r == nil || !m.state.Active() {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.mu.Unlock()

	r.cancel()
	<-r.done
	return nil
}

// Wait blocks until the active run, if any, has finished.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	r := m.run
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues cmd for the next frame boundary and returns the channel
// its result is delivered on. While no run is active commands wait for the
// next run.
func (m *Manager) Submit(cmd Command) <-chan error {
	if cmd.done == nil {
		cmd.done = make(chan error, 1)
	}
	m.queue.Enqueue(cmd)
	return cmd.done
}

func (m *Manager) State() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:     m.state,
		Params:    m.params.Snapshot(),
		Pending:   m.queue.Len(),
		LastError: m.lastError,
	}
	if r := m.run; r != nil {
		st.RunID = r.id
		st.SessionID = r.sessionID
		st.ReplaySession = r.replaySession
		st.Frames = r.frames.Load()
		if r.src != nil {
			st.Source = r.src.Name()
		}
	}
	return st
}

func (m *Manager) Params() frame.Params { return m.params.Snapshot() }

func (m *Manager) Filters() frame.FilterSet { return m.params.Filters() }

// ListSessions returns recorded session ids, newest first.
func (m *Manager) ListSessions() ([]string, error) {
	if m.recorder == nil {
		return nil, nil
	}
	return m.recorder.ListSessions()
}

// LastFrame returns the most recently published frame.
func (m *Manager) LastFrame() (frame.ReconstructedFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return frame.ReconstructedFrame{}, false
	}
	return m.last.Clone(), true
}

func (m *Manager) openSession(id string) (recorder.Sequence, error) {
	if m.recorder == nil {
		return nil, fmt.Errorf("%w: recording is disabled", recorder.ErrSessionNotFound)
	}
	return m.recorder.OpenForReplay(id)
}

// run is the state of one Live/Replaying run. Fields read by Status are
// guarded by Manager.mu; the rest belong to the loop goroutine.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	src      source.Source
	live     *liveProvider
	provider provider

	mode          RunState
	sessionID     string
	replaySession string
	frames        atomic.Uint64
}

func (m *Manager) newRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// begin publishes r as the active run and starts its loop. m.mu must be
// held.
func (m *Manager) begin(r *run) {
	m.run = r
	m.state = r.mode
	m.lastError = ""
	go m.loop(r)
}
