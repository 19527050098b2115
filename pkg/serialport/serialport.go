// Package serialport owns the byte-oriented connection to the mount's
// microcontroller: port discovery, open, the reset handshake, and raw
// read/write. It mirrors the role of the teacher's pkg/usock, but speaks
// go.bug.st/serial instead of tarm/serial so the ~1s receiver read timeout
// required by spec §5 can be expressed directly (see DESIGN.md).
package serialport

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud is the mount's default line rate (spec §3, §6).
const DefaultBaud = 9600

// candidatePaths is the discovery order used when no explicit device path
// is configured (spec §6).
var candidatePaths = []string{
	"/dev/ttyS0",
	"/dev/serial0",
	"/dev/ttyAMA0",
	"/dev/ttyUSB0",
}

// ErrNoDevice is returned by Discover when none of the candidate paths
// exist.
var ErrNoDevice = fmt.Errorf("serialport: no serial device found among %v", candidatePaths)

// Discover returns the first candidate serial device path that exists on
// disk, in the fixed priority order from spec §6.
func Discover() (string, error) {
	for _, path := range candidatePaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNoDevice
}

// Port is the raw byte-stream handle the protocol engine reads and writes
// through. It satisfies io.ReadWriteCloser.
type Port struct {
	port serial.Port
}

// Open opens path at baud (9600 8N1 if baud is 0) and performs the reset
// handshake the firmware expects at the start of a session: three 0x00
// bytes, a 100ms pause, then a drain of whatever the firmware echoes back
// (spec §4.3, §6).
func Open(path string, baud int) (*Port, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	raw, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}

	p := &Port{port: raw}
	if err := p.resetHandshake(); err != nil {
		raw.Close()
		return nil, err
	}
	return p, nil
}

func (p *Port) resetHandshake() error {
	if _, err := p.port.Write([]byte{0x00, 0x00, 0x00}); err != nil {
		return fmt.Errorf("serialport: reset write: %w", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Drain whatever arrived during the pause; the firmware treats this
	// handshake as "start of session" and may echo framing garbage.
	if err := p.port.SetReadTimeout(10 * time.Millisecond); err != nil {
		return fmt.Errorf("serialport: set drain timeout: %w", err)
	}
	buf := make([]byte, 256)
	for {
		n, err := p.port.Read(buf)
		if err != nil || n == 0 {
			break
		}
	}
	return nil
}

// SetReceiveTimeout sets the blocking-read timeout used by the engine's
// receiver loop (spec §5: "blocking read with a ~1s timeout").
func (p *Port) SetReceiveTimeout(d time.Duration) error {
	return p.port.SetReadTimeout(d)
}

// Read implements io.Reader.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// Write implements io.Writer. A timeout elapsing during SetReceiveTimeout
// affects only Read; Write always blocks until the whole buffer is
// accepted by the driver or an error occurs.
func (p *Port) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

// Close implements io.Closer.
func (p *Port) Close() error {
	return p.port.Close()
}

var _ io.ReadWriteCloser = (*Port)(nil)
