package source

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/tagbeat/internal/cs"
	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/timeutil"
)

type collector struct {
	mu     sync.Mutex
	frames []frame.RawFrame
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 1024)}
}

func (c *collector) emit(f frame.RawFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
}

func (c *collector) all() []frame.RawFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame.RawFrame(nil), c.frames...)
}

func TestDecoder(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	dec := NewDecoder(clock)

	got, err := dec.Decode([]byte(`{"seq": 7, "ts": 42, "samples": [0.5, -1]}`))
	require.NoError(t, err)
	assert.Equal(t, frame.RawFrame{Seq: 7, TimestampNanos: 42, Samples: []float64{0.5, -1}}, got)

	got, err = dec.Decode([]byte(" ,,1.5, 2 ,3\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), got.Seq, "missing seq follows the previous one")
	assert.Equal(t, time.Unix(1700000000, 0).UnixNano(), got.TimestampNanos)
	assert.Equal(t, []float64{1.5, 2, 3}, got.Samples)

	got, err = dec.Decode([]byte("20,99,0"))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Seq)
	assert.Equal(t, int64(99), got.TimestampNanos)
}

func TestDecoderErrors(t *testing.T) {
	dec := NewDecoder(nil)
	for _, msg := range []string{
		"",
		"   ",
		`{"seq": 1}`,
		`{"seq": `,
		"1,2",
		"x,2,3",
		"1,y,3",
		"1,2,nope",
	} {
		_, err := dec.Decode([]byte(msg))
		assert.Error(t, err, "message %q", msg)
	}
}

func TestDecoderRejectsSeqBeyondInt64(t *testing.T) {
	dec := NewDecoder(nil)
	for _, msg := range []string{
		"9223372036854775808,1,0.5",
		`{"seq": 18446744073709551615, "ts": 1, "samples": [1]}`,
	} {
		_, err := dec.Decode([]byte(msg))
		assert.ErrorIs(t, err, frame.ErrSeqOutOfRange, "message %q", msg)
	}

	got, err := dec.Decode([]byte("9223372036854775807,1,0.5"))
	require.NoError(t, err)
	assert.Equal(t, uint64(frame.MaxSeq), got.Seq)

	// The implicit successor of MaxSeq is out of range too.
	_, err = dec.Decode([]byte(",1,0.5"))
	assert.ErrorIs(t, err, frame.ErrSeqOutOfRange)
}

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 800*time.Millisecond, p.delay(4))
	assert.Equal(t, time.Second, p.delay(10))
}

func TestWebSocketSource(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":1,"ts":10,"samples":[1,2]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`2,20,3,4`))
	}))
	defer srv.Close()

	src := NewWebSocketSource("ws" + strings.TrimPrefix(srv.URL, "http"))
	src.Reconnect = ReconnectPolicy{MaxRetries: 0}

	c := newCollector()
	err := src.Start(context.Background(), c.emit)
	assert.ErrorIs(t, err, ErrSourceDisconnected)
	assert.False(t, src.Connected())

	want := []frame.RawFrame{
		{Seq: 1, TimestampNanos: 10, Samples: []float64{1, 2}},
		{Seq: 2, TimestampNanos: 20, Samples: []float64{3, 4}},
	}
	if diff := cmp.Diff(want, c.all()); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketSourceStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	src := NewWebSocketSource("ws" + strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- src.Start(ctx, func(frame.RawFrame) {}) }()

	require.Eventually(t, src.Connected, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}
}

func TestUDPSource(t *testing.T) {
	sock := NewMockUDPSocket(
		[]byte(`{"seq":1,"ts":5,"samples":[0.25]}`),
		[]byte("not a frame"),
		[]byte("2,6,0.5,0.75"),
	)
	src := NewUDPSource("127.0.0.1:0")
	src.Factory = &MockUDPSocketFactory{Socket: sock}

	ctx, cancel := context.WithCancel(context.Background())
	c := newCollector()
	errc := make(chan error, 1)
	go func() { errc <- src.Start(ctx, c.emit) }()

	c.waitFor(t, 2)
	cancel()
	require.NoError(t, <-errc)
	assert.True(t, sock.Closed())

	frames := c.all()
	require.Len(t, frames, 2)
	assert.Equal(t, []float64{0.5, 0.75}, frames[1].Samples)
}

func TestUDPSourceReadError(t *testing.T) {
	sock := NewMockUDPSocket()
	sock.FailNextRead(errors.New("network is down"))
	src := &UDPSource{Addr: "127.0.0.1:0", Factory: &MockUDPSocketFactory{Socket: sock}}

	err := src.Start(context.Background(), func(frame.RawFrame) {})
	assert.ErrorIs(t, err, ErrSourceDisconnected)
}

func TestUDPSourceListenError(t *testing.T) {
	src := &UDPSource{Addr: "127.0.0.1:0", Factory: &MockUDPSocketFactory{Err: errors.New("address in use")}}
	err := src.Start(context.Background(), func(frame.RawFrame) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSourceDisconnected)
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{Parity: "even"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}, opts)

	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "o"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.OddParity}, mode)

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestSerialSource(t *testing.T) {
	var gotPath string
	var gotMode *serial.Mode
	src := NewSerialSource("/dev/ttyTEST", PortOptions{BaudRate: 57600})
	src.Open = func(path string, mode *serial.Mode) (io.ReadCloser, error) {
		gotPath, gotMode = path, mode
		return io.NopCloser(strings.NewReader("1,1,0.5,0.5\n\n{\"seq\":2,\"ts\":2,\"samples\":[1]}\nbad\n")), nil
	}

	c := newCollector()
	err := src.Start(context.Background(), c.emit)
	assert.ErrorIs(t, err, ErrSourceDisconnected, "end of stream means the device went away")
	assert.Equal(t, "/dev/ttyTEST", gotPath)
	assert.Equal(t, 57600, gotMode.BaudRate)

	frames := c.all()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), frames[1].Seq)
}

func writeTestPCAP(t *testing.T, payloads map[int][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frames.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	base := time.Unix(1700000000, 0)
	i := 0
	for _, port := range []int{9093, 5000} {
		for _, payload := range payloads[port] {
			eth := &layers.Ethernet{
				SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
				DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
				EthernetType: layers.EthernetTypeIPv4,
			}
			ip := &layers.IPv4{
				Version:  4,
				TTL:      64,
				Protocol: layers.IPProtocolUDP,
				SrcIP:    net.IPv4(10, 0, 0, 1),
				DstIP:    net.IPv4(10, 0, 0, 2),
			}
			udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
			require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

			buf := gopacket.NewSerializeBuffer()
			opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
			require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

			data := buf.Bytes()
			ci := gopacket.CaptureInfo{
				Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
				CaptureLength: len(data),
				Length:        len(data),
			}
			require.NoError(t, w.WritePacket(ci, data))
			i++
		}
	}
	return path
}

func TestPCAPSource(t *testing.T) {
	path := writeTestPCAP(t, map[int][]string{
		9093: {`{"seq":1,"ts":11,"samples":[1]}`, ",,2,3"},
		5000: {`{"seq":99,"ts":1,"samples":[9]}`},
	})

	src := NewPCAPSource(path, 9093)
	c := newCollector()
	err := src.Start(context.Background(), c.emit)
	assert.ErrorIs(t, err, io.EOF)

	frames := c.all()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Seq)
	assert.Equal(t, uint64(2), frames[1].Seq)
	// No timestamp on the wire: the capture time is used.
	assert.Equal(t, time.Unix(1700000000, 0).Add(time.Millisecond).UnixNano(), frames[1].TimestampNanos)

	all := NewPCAPSource(path, 0)
	c = newCollector()
	assert.ErrorIs(t, all.Start(context.Background(), c.emit), io.EOF)
	assert.Len(t, c.all(), 3)
}

func TestPCAPSourceMissingFile(t *testing.T) {
	err := NewPCAPSource(filepath.Join(t.TempDir(), "missing.pcap"), 0).Start(context.Background(), func(frame.RawFrame) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestSyntheticSource(t *testing.T) {
	p := frame.Params{SampleCount: 16, FrameSize: 32, Sparsity: 2}
	src := NewSyntheticSource(time.Millisecond)
	src.Params = func() frame.Params { return p }
	src.Noise = 0
	src.Limit = 5

	c := newCollector()
	require.NoError(t, src.Start(context.Background(), c.emit))

	frames := c.all()
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Len(t, f.Samples, p.FrameSize)
	}

	rec := cs.Reconstruct(frames[0], p)
	assert.Len(t, rec.Tags, p.Sparsity)
	assert.Less(t, rec.Residual, 1e-9)
}
