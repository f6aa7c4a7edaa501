package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/timeutil"
)

// ReconnectPolicy bounds how long a dropped connection is retried before the
// source reports ErrSourceDisconnected.
type ReconnectPolicy struct {
	// MaxRetries is the number of consecutive failed attempts allowed.
	// Zero disables reconnecting.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultReconnectPolicy retries for roughly a minute.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries:      8,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		Multiplier:      2,
	}
}

// delay returns the backoff before retry number attempt (1-based).
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxInterval > 0 && d > p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// WebSocketSource reads frames from a WebSocket feed, one frame per message.
type WebSocketSource struct {
	URL       string
	Reconnect ReconnectPolicy
	Dialer    *websocket.Dialer
	Clock     timeutil.Clock

	logf func(format string, v ...interface{})

	mu        sync.Mutex
	connected bool
}

// NewWebSocketSource returns a source for url with the default reconnect
// policy.
func NewWebSocketSource(url string) *WebSocketSource {
	return &WebSocketSource{
		URL:       url,
		Reconnect: DefaultReconnectPolicy(),
		Dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logf:      monitoring.Component("WebSocketSource"),
	}
}

func (s *WebSocketSource) Name() string { return "websocket:" + s.URL }

// Connected reports whether a connection is currently established.
func (s *WebSocketSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *WebSocketSource) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *WebSocketSource) Start(ctx context.Context, emit func(frame.RawFrame)) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logf := s.logf
	if logf == nil {
		logf = monitoring.Component("WebSocketSource")
	}
	dec := NewDecoder(s.Clock)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := dialer.DialContext(ctx, s.URL, nil)
		if err == nil {
			attempts = 0
			s.setConnected(true)
			logf("Connected to %s", s.URL)
			err = readLoop(ctx, conn, dec, emit, logf)
			s.setConnected(false)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		if attempts > s.Reconnect.MaxRetries {
			return fmt.Errorf("%w: %s: %v", ErrSourceDisconnected, s.URL, err)
		}
		delay := s.Reconnect.delay(attempts)
		logf("Connection to %s lost (%v), retry %d/%d in %v", s.URL, err, attempts, s.Reconnect.MaxRetries, delay)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, dec *Decoder, emit func(frame.RawFrame), logf func(string, ...interface{})) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		raw, err := dec.Decode(message)
		if err != nil {
			logf("Skipping message: %v", err)
			continue
		}
		emit(raw)
	}
}
