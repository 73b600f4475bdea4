// Package transport owns the RS-485 serial endpoint: it opens the port,
// performs non-blocking single-byte reads, writes whole frames, and
// accumulates inbound bytes into complete frame.Frame values.
//
// Open follows the shape of the teacher's driver/mjolnir/device.go: pick a
// device path (explicit, or a per-OS default list), open it with
// github.com/tarm/serial, and hand back an io.ReadWriteCloser.
package transport

import (
	"errors"
	"io"
	"log"
	"runtime"
	"time"

	"github.com/tarm/serial"

	"twcmaster/frame"
)

// readPollInterval bounds how long a single non-blocking ReadByte call may
// take before reporting "no byte available". The serial port is opened
// with this as its ReadTimeout.
const readPollInterval = 10 * time.Millisecond

// Open opens dev at 9600 8N1, raw, no echo, no flow control. If dev is
// empty, it tries the per-OS default device list, exactly as the TWC
// master's real hardware is normally wired up.
func Open(dev string) (io.ReadWriteCloser, error) {
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		default:
			devices = append(devices, "/dev/ttyUSB0", "/dev/ttyUSB1")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("transport: no device specified")
	}

	var firstErr error
	for _, d := range devices {
		c := &serial.Config{
			Name:        d,
			Baud:        9600,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: readPollInterval,
		}
		port, err := serial.OpenPort(c)
		if err == nil {
			return port, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// Transport reads single bytes from an underlying io.ReadWriteCloser
// without blocking beyond readPollInterval, accumulates them into
// frame.Frame values via a frame.Decoder, and writes whole encoded frames
// back out.
type Transport struct {
	port io.ReadWriteCloser

	decoder frame.Decoder
	scratch [1]byte

	LastTxAt time.Time
}

// New wraps an already-open port (production serial port, or a test
// double) in a Transport.
func New(port io.ReadWriteCloser) *Transport {
	return &Transport{port: port}
}

// Close closes the underlying port.
func (t *Transport) Close() error {
	return t.port.Close()
}

// Buffering reports whether a partial inbound frame is currently
// buffered; the master state machine must not transmit while this holds,
// per spec.md §5's bus-collision-avoidance ordering guarantee.
func (t *Transport) Buffering() bool {
	return t.decoder.Buffering()
}

// ReadByte performs a single non-blocking byte read. ok is false when no
// byte is currently available (the port timed out without data).
func (t *Transport) ReadByte() (b byte, ok bool, err error) {
	n, err := t.port.Read(t.scratch[:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Some serial backends signal a read timeout as EOF rather
			// than n==0, nil.
			return 0, false, nil
		}
		log.Printf("transport: read error: %v", err)
		return 0, false, nil
	}
	if n == 0 {
		return 0, false, nil
	}
	if t.scratch[0] == 0 {
		// An impossible zero byte on a bus that never legitimately
		// transmits one; per spec.md §4.2 log and continue.
		log.Printf("transport: read impossible zero byte")
	}
	return t.scratch[0], true, nil
}

// PollFrame drains all currently-available inbound bytes into the
// decoder, returning at most one completed frame per call (any further
// bytes stay unread in the port until the next call). It returns
// (frame, true) on a complete, valid frame; (_, false) when the
// byte stream is exhausted with nothing yet complete; framing errors are
// logged internally and treated as "nothing completed" so the scheduler
// continues.
func (t *Transport) PollFrame() (frame.Frame, bool) {
	for {
		b, ok, err := t.ReadByte()
		if err != nil || !ok {
			return frame.Frame{}, false
		}
		f, complete, err := t.decoder.Feed(b)
		if err != nil {
			log.Printf("transport: discarding frame: %v", err)
			continue
		}
		if complete {
			return f, true
		}
	}
}

// WriteFrame encodes f and writes the complete escaped wire sequence.
func (t *Transport) WriteFrame(now time.Time, f frame.Frame) error {
	wire := frame.Encode(f)
	if _, err := t.port.Write(wire); err != nil {
		log.Printf("transport: write error: %v", err)
		return err
	}
	t.LastTxAt = now
	return nil
}
