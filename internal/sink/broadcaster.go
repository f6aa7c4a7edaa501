// Package sink fans reconstructed frames out to consumers: in-process
// subscribers, WebSocket clients, gRPC streams and a NATS subject.
//
// Every subscriber has its own bounded queue. When a queue is full the oldest
// frame in it is dropped, so a slow consumer never delays the processing
// loop or the other consumers.
package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
)

const statsInterval = 10 * time.Second

// Subscription receives published frames on C until it is unsubscribed,
// at which point C is closed.
type Subscription struct {
	ID string
	C  <-chan frame.ReconstructedFrame

	ch      chan frame.ReconstructedFrame
	dropped atomic.Uint64
}

// Dropped returns how many frames this subscriber lost to a full queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Stats summarises broadcaster activity.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Broadcaster delivers each published frame to every subscriber.
type Broadcaster struct {
	buffer  int
	metrics *monitoring.Metrics
	logf    func(format string, v ...interface{})

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64

	statsMu       sync.Mutex
	lastStats     time.Time
	lastPublished uint64
}

// NewBroadcaster gives each subscriber a queue of buffer frames.
func NewBroadcaster(buffer int, metrics *monitoring.Metrics) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		buffer:    buffer,
		metrics:   metrics,
		logf:      monitoring.Component("Sink"),
		subs:      make(map[string]*Subscription),
		lastStats: time.Now(),
	}
}

// Subscribe registers a new subscriber. After Close it returns a
// subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan frame.ReconstructedFrame, b.buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetSubscribers(n)
	b.logf("Subscriber connected: %s (total: %d)", sub.ID, n)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		b.metrics.SetSubscribers(n)
		b.logf("Subscriber disconnected: %s (remaining: %d, dropped: %d)", id, n, sub.Dropped())
	}
}

// Publish hands f to every subscriber without blocking.
func (b *Broadcaster) Publish(f frame.ReconstructedFrame) {
	b.mu.RLock()
	for _, sub := range b.subs {
		if b.offer(sub, f) {
			b.dropped.Add(1)
			sub.dropped.Add(1)
			b.metrics.SinkDropped()
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	b.logPeriodicStats()
}

// offer enqueues f, evicting the oldest queued frame if needed. It reports
// whether a frame was dropped.
func (b *Broadcaster) offer(sub *Subscription, f frame.ReconstructedFrame) bool {
	select {
	case sub.ch <- f:
		return false
	default:
	}
	dropped := false
	select {
	case <-sub.ch:
		dropped = true
	default:
	}
	select {
	case sub.ch <- f:
	default:
		// The subscriber refilled the slot concurrently; lose f instead.
		dropped = true
	}
	return dropped
}

func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}

func (b *Broadcaster) logPeriodicStats() {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	elapsed := time.Since(b.lastStats)
	if elapsed < statsInterval {
		return
	}
	published := b.published.Load()
	fps := float64(published-b.lastPublished) / elapsed.Seconds()
	b.lastStats, b.lastPublished = time.Now(), published

	st := b.Stats()
	b.logf("Stats: fps=%.1f published=%d dropped=%d subscribers=%d", fps, st.Published, st.Dropped, st.Subscribers)
}

// Close unsubscribes everyone. Later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.closed = true
	b.mu.Unlock()
	b.metrics.SetSubscribers(0)
}
