package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// packetReader is satisfied by both pcapgo readers.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PCAPSource replays UDP frame datagrams from a pcap or pcapng capture. It is
// finite: Start returns io.EOF once the capture is exhausted.
type PCAPSource struct {
	Path string
	// Port selects datagrams by destination port. Zero accepts every UDP
	// packet.
	Port int
	// Realtime paces emission by the capture timestamps.
	Realtime bool
}

func NewPCAPSource(path string, port int) *PCAPSource {
	return &PCAPSource{Path: path, Port: port}
}

func (s *PCAPSource) Name() string { return "pcap:" + s.Path }

func (s *PCAPSource) Start(ctx context.Context, emit func(frame.RawFrame)) error {
	logf := monitoring.Component("PCAPSource")

	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.Path, err)
	}
	defer f.Close()

	r, err := openPacketReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read PCAP file %s: %w", s.Path, err)
	}

	var (
		clock     = &captureClock{}
		dec       = NewDecoder(clock)
		count     int
		started   = time.Now()
		firstCap  time.Time
		firstWall time.Time
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			logf("PCAP file reading complete: %d frames in %v", count, time.Since(started))
			return io.EOF
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		packet := gopacket.NewPacket(data, r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if s.Port != 0 && int(udp.DstPort) != s.Port {
			continue
		}

		if s.Realtime {
			if firstCap.IsZero() {
				firstCap, firstWall = ci.Timestamp, time.Now()
			} else if !sleepCtx(ctx, time.Until(firstWall.Add(ci.Timestamp.Sub(firstCap)))) {
				return nil
			}
		}

		clock.t = ci.Timestamp
		raw, err := dec.Decode(udp.Payload)
		if err != nil {
			logf("Skipping packet: %v", err)
			continue
		}
		count++
		emit(raw)
	}
}

func openPacketReader(br *bufio.Reader) (packetReader, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// captureClock reports the capture time of the packet being decoded, so
// frames without their own timestamp carry the time they were captured.
type captureClock struct{ t time.Time }

func (c *captureClock) Now() time.Time                  { return c.t }
func (c *captureClock) Since(t time.Time) time.Duration { return c.t.Sub(t) }
