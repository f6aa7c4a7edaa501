package pipeline

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/recorder"
	"github.com/banshee-data/tagbeat/internal/source"
)

// item is one unit of work for the loop: a raw frame from a live source or
// an already reconstructed frame from a recorded session.
type item struct {
	raw      frame.RawFrame
	rec      frame.ReconstructedFrame
	replayed bool
}

// provider supplies the loop with frames. next waits at most wait and
// reports ok=false on timeout. A finite provider returns io.EOF when
// exhausted.
type provider interface {
	next(ctx context.Context, wait time.Duration) (it item, ok bool, err error)
	close()
}

// liveProvider runs a Source in its own goroutine and buffers its frames.
// When the buffer is full the oldest frame is dropped.
type liveProvider struct {
	src     source.Source
	frames  chan frame.RawFrame
	errc    chan error
	cancel  context.CancelFunc
	exited  chan struct{}
	metrics *monitoring.Metrics

	srcErr  error
	srcDone bool
}

func startLiveProvider(ctx context.Context, src source.Source, buffer int, metrics *monitoring.Metrics) *liveProvider {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &liveProvider{
		src:     src,
		frames:  make(chan frame.RawFrame, buffer),
		errc:    make(chan error, 1),
		cancel:  cancel,
		exited:  make(chan struct{}),
		metrics: metrics,
	}
	go func() {
		defer close(p.exited)
		err := src.Start(ctx, p.emit)
		if err == nil && ctx.Err() == nil {
			err = io.EOF
		}
		p.errc <- err
	}()
	return p
}

func (p *liveProvider) emit(f frame.RawFrame) {
	for {
		select {
		case p.frames <- f:
			return
		default:
		}
		select {
		case <-p.frames:
			p.metrics.SourceDropped()
		default:
		}
	}
}

// flush discards buffered frames, which are stale after a replay.
func (p *liveProvider) flush() {
	for {
		select {
		case <-p.frames:
		default:
			return
		}
	}
}

func (p *liveProvider) next(ctx context.Context, wait time.Duration) (item, bool, error) {
	// Frames buffered before the source ended are still delivered.
	select {
	case f := <-p.frames:
		return item{raw: f}, true, nil
	default:
	}
	if p.srcDone {
		return item{}, false, p.srcErr
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case f := <-p.frames:
		return item{raw: f}, true, nil
	case err := <-p.errc:
		p.srcDone, p.srcErr = true, err
		if err == nil {
			// Cancelled; the loop notices ctx itself.
			return item{}, false, nil
		}
		select {
		case f := <-p.frames:
			return item{raw: f}, true, nil
		default:
		}
		return item{}, false, err
	case <-t.C:
		return item{}, false, nil
	case <-ctx.Done():
		return item{}, false, nil
	}
}

func (p *liveProvider) close() {
	p.cancel()
	<-p.exited
}

// replayProvider reads a recorded session, optionally paced to a fixed
// frame rate.
type replayProvider struct {
	sessionID string
	seq       recorder.Sequence
	limiter   *rate.Limiter
	closed    bool
}

func newReplayProvider(sessionID string, seq recorder.Sequence, rateHz float64) *replayProvider {
	p := &replayProvider{sessionID: sessionID, seq: seq}
	if rateHz > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(rateHz), 1)
	}
	return p
}

func (p *replayProvider) next(ctx context.Context, wait time.Duration) (item, bool, error) {
	if p.limiter != nil {
		r := p.limiter.Reserve()
		d := r.Delay()
		if d > wait {
			// Not due within this poll; give the slot back.
			r.Cancel()
			sleepCtx(ctx, wait)
			return item{}, false, nil
		}
		if !sleepCtx(ctx, d) {
			r.Cancel()
			return item{}, false, nil
		}
	}
	f, err := p.seq.Next()
	if err != nil {
		return item{}, false, err
	}
	return item{rec: f, replayed: true}, true, nil
}

func (p *replayProvider) close() {
	if p.closed {
		return
	}
	p.closed = true
	if err := p.seq.Close(); err != nil {
		monitoring.Logf("[Processor] Failed to close session %s: %v", p.sessionID, err)
	}
}

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
