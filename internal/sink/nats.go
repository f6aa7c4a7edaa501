package sink

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
)

// NATSPublisher is the part of *nats.Conn the sink uses.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each frame as JSON on a subject. nats.Conn buffers
// outgoing messages, so Publish does not wait on the server.
type NATSSink struct {
	conn    NATSPublisher
	subject string
	logf    func(format string, v ...interface{})

	failures atomic.Uint64
}

func NewNATSSink(conn NATSPublisher, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, logf: monitoring.Component("NATS")}
}

func (s *NATSSink) Publish(f frame.ReconstructedFrame) {
	data, err := json.Marshal(f)
	if err == nil {
		err = s.conn.Publish(s.subject, data)
	}
	if err != nil {
		// Log the first failure and then every 100th.
		if n := s.failures.Add(1); n == 1 || n%100 == 0 {
			s.logf("Publish to %s failed (%d failures): %v", s.subject, n, err)
		}
	}
}

// Failures returns how many frames could not be published.
func (s *NATSSink) Failures() uint64 { return s.failures.Load() }

// ConnectNATS dials url and keeps reconnecting for the life of the process.
func ConnectNATS(url string) (*nats.Conn, error) {
	logf := monitoring.Component("NATS")
	return nats.Connect(url,
		nats.Name("tagbeat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logf("Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logf("Reconnected to %s", c.ConnectedUrl())
		}),
	)
}
