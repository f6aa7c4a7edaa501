package pipeline

import (
	"errors"
	"io"

	"github.com/banshee-data/tagbeat/internal/cs"
	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/recorder"
)

// loop is the run's processing goroutine. It is the only goroutine that
// reads the provider, reconstructs, or records for r.
func (m *Manager) loop(r *run) {
	defer m.finish(r)

	for {
		if r.ctx.Err() != nil {
			return
		}

		it, ok, err := r.provider.next(r.ctx, m.poll)

		if sw := m.applyCommands(); sw != nil {
			// it was pulled before the replay was requested, so it is
			// finished in the old mode before the switch.
			if err == nil && ok {
				m.process(r, it)
			}
			m.switchToReplay(r, sw)
			continue
		}

		if err != nil {
			if !m.providerEnded(r, err) {
				return
			}
			continue
		}
		if ok {
			m.process(r, it)
		}
	}
}

func (m *Manager) process(r *run, it item) {
	if it.replayed {
		m.processReplayed(r, it.rec)
	} else {
		m.processLive(r, it.raw)
	}
}

// replaySwitch is an accepted StartReplay waiting for the current item to
// be finished.
type replaySwitch struct {
	sessionID string
	seq       recorder.Sequence
}

// applyCommands drains the queue in arrival order. An accepted StartReplay
// is returned rather than applied; when several are queued the last wins.
func (m *Manager) applyCommands() *replaySwitch {
	var sw *replaySwitch
	for _, cmd := range m.queue.Drain() {
		var err error
		if cmd.Kind == StartReplay {
			var seq recorder.Sequence
			if seq, err = m.openSession(cmd.SessionID); err == nil {
				if sw != nil {
					sw.seq.Close()
				}
				sw = &replaySwitch{sessionID: cmd.SessionID, seq: seq}
			}
		} else {
			err = m.params.Apply(cmd)
		}
		if err != nil {
			m.logf("Command %s rejected: %v", cmd, err)
		} else if cmd.Kind != SetFilter && cmd.Kind != StartReplay {
			m.logf("Applied %s, params now %s", cmd, m.params.Snapshot())
		}
		m.metrics.CommandApplied(cmd.Kind.String(), err)
		cmd.finish(err)
	}
	return sw
}

func (m *Manager) switchToReplay(r *run, sw *replaySwitch) {
	m.endSession(r)
	if rp, ok := r.provider.(*replayProvider); ok {
		rp.close()
	}
	r.provider = newReplayProvider(sw.sessionID, sw.seq, m.rateHz)

	m.mu.Lock()
	r.mode = Replaying
	r.replaySession = sw.sessionID
	m.state = Replaying
	m.mu.Unlock()
	m.logf("Run %s replaying session %s", r.id, sw.sessionID)
}

// providerEnded handles a provider error and reports whether the run goes
// on.
func (m *Manager) providerEnded(r *run, err error) bool {
	if rp, ok := r.provider.(*replayProvider); ok {
		rp.close()
		if !errors.Is(err, io.EOF) {
			m.setError(err)
			m.logf("Replay of %s failed: %v", rp.sessionID, err)
			return false
		}
		m.logf("Replay of %s finished", rp.sessionID)
		if r.live == nil {
			return false
		}

		r.live.flush()
		r.provider = r.live
		m.mu.Lock()
		r.mode = Live
		r.replaySession = ""
		m.state = Live
		m.mu.Unlock()
		return true
	}

	if errors.Is(err, io.EOF) {
		m.logf("Source %s exhausted", r.src.Name())
	} else {
		m.setError(err)
		m.logf("Source %s lost: %v", r.src.Name(), err)
	}
	return false
}

func (m *Manager) processLive(r *run, raw frame.RawFrame) {
	p := m.params.Snapshot()

	start := m.clock.Now()
	rec := cs.Reconstruct(raw, p)
	m.metrics.ObserveReconstruct(m.clock.Since(start))

	m.publish(r, frame.ApplyFilter(rec, m.params.Filters()), "live")
	m.record(r, rec)
}

func (m *Manager) processReplayed(r *run, rec frame.ReconstructedFrame) {
	m.publish(r, frame.ApplyFilter(rec, m.params.Filters()), "replay")
}

func (m *Manager) publish(r *run, f frame.ReconstructedFrame, mode string) {
	m.sink.Publish(f)
	r.frames.Add(1)
	m.metrics.FrameEmitted(mode, len(f.Tags))

	m.mu.Lock()
	m.last = &f
	m.mu.Unlock()
}

// record appends the unfiltered frame to the live session, creating the
// session on the first frame. Failures are logged and the run continues.
func (m *Manager) record(r *run, rec frame.ReconstructedFrame) {
	if m.recorder == nil {
		return
	}
	if r.sessionID == "" {
		id, err := m.recorder.Begin(m.clock.Now())
		if err != nil {
			m.metrics.RecordFailed()
			m.logf("Failed to start session: %v", err)
			return
		}
		m.mu.Lock()
		r.sessionID = id
		m.mu.Unlock()
		m.logf("Recording session %s", id)
	}
	if err := m.recorder.Record(r.sessionID, rec); err != nil {
		m.metrics.RecordFailed()
		m.logf("%v", err)
	}
}

func (m *Manager) endSession(r *run) {
	if r.sessionID == "" || m.recorder == nil {
		return
	}
	if err := m.recorder.End(r.sessionID, m.clock.Now()); err != nil {
		m.logf("Failed to close session %s: %v", r.sessionID, err)
	}
	m.mu.Lock()
	r.sessionID = ""
	m.mu.Unlock()
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) finish(r *run) {
	if rp, ok := r.provider.(*replayProvider); ok {
		rp.close()
	}
	if r.live != nil {
		r.live.close()
	}
	m.endSession(r)
	r.cancel()

	m.mu.Lock()
	m.state = Stopped
	m.mu.Unlock()
	close(r.done)
	m.logf("Run %s stopped after %d frames", r.id, r.frames.Load())
}
