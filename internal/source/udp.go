package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/timeutil"
)

const (
	udpReadDeadline = 100 * time.Millisecond
	udpReadBuffer   = 4 * 1024 * 1024
	maxDatagram     = 65535
)

// UDPSource reads one frame per datagram.
type UDPSource struct {
	Addr    string
	Factory UDPSocketFactory
	Clock   timeutil.Clock
}

// NewUDPSource listens on addr, for example ":9093".
func NewUDPSource(addr string) *UDPSource {
	return &UDPSource{Addr: addr, Factory: RealUDPSocketFactory{}}
}

func (s *UDPSource) Name() string { return "udp:" + s.Addr }

func (s *UDPSource) Start(ctx context.Context, emit func(frame.RawFrame)) error {
	logf := monitoring.Component("UDPSource")

	laddr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return fmt.Errorf("invalid UDP address %q: %w", s.Addr, err)
	}
	factory := s.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	conn, err := factory.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr, err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(udpReadBuffer); err != nil {
		logf("Failed to set read buffer: %v", err)
	}
	logf("Listening on %s", conn.LocalAddr())

	dec := NewDecoder(s.Clock)
	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(udpReadDeadline))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: udp read on %s: %v", ErrSourceDisconnected, s.Addr, err)
		}
		raw, err := dec.Decode(buf[:n])
		if err != nil {
			logf("Skipping datagram from %s: %v", addr, err)
			continue
		}
		emit(raw)
	}
}
