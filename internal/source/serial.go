package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/timeutil"
)

// PortOptions describes how a serial reader is opened.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

// Normalize validates the options and fills in 115200 8N1 for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.TrimSpace(strings.ToUpper(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// PortOpener opens a serial device. Tests substitute an in-memory reader.
type PortOpener func(path string, mode *serial.Mode) (io.ReadCloser, error)

// OpenSerialPort opens a real device with go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(path, mode)
}

// SerialSource reads newline-delimited frames from a serial line, in either
// the JSON or the comma-separated encoding.
type SerialSource struct {
	Path    string
	Options PortOptions
	Open    PortOpener
	Clock   timeutil.Clock
}

func NewSerialSource(path string, opts PortOptions) *SerialSource {
	return &SerialSource{Path: path, Options: opts, Open: OpenSerialPort}
}

func (s *SerialSource) Name() string { return "serial:" + s.Path }

func (s *SerialSource) Start(ctx context.Context, emit func(frame.RawFrame)) error {
	logf := monitoring.Component("SerialSource")

	mode, err := s.Options.SerialMode()
	if err != nil {
		return err
	}
	open := s.Open
	if open == nil {
		open = OpenSerialPort
	}
	port, err := open(s.Path, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Path, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
		}
	}()
	defer port.Close()

	logf("Reading frames from %s at %d baud", s.Path, mode.BaudRate)
	dec := NewDecoder(s.Clock)
	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		raw, err := dec.Decode(line)
		if err != nil {
			logf("Skipping line: %v", err)
			continue
		}
		emit(raw)
	}

	if ctx.Err() != nil {
		return nil
	}
	err = scanner.Err()
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: serial port %s: %v", ErrSourceDisconnected, s.Path, err)
}
