package engine

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tada66/BPrpi4SW/pkg/cobs"
	"github.com/tada66/BPrpi4SW/pkg/crc8"
	"github.com/tada66/BPrpi4SW/pkg/protocol"
)

// fakeTransport is an in-memory stand-in for a serial link: writes made by
// the engine land in toMount; bytes queued in toHost are handed back on
// Read, simulating the simulator scenarios from spec §8.
type fakeTransport struct {
	mu      sync.Mutex
	toMount bytes.Buffer
	toHost  bytes.Buffer
	closed  bool
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toHost.Len() == 0 {
		return 0, nil // mimic a read-timeout tick with no data
	}
	return f.toHost.Read(p)
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toMount.Write(p)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SetReceiveTimeout(d time.Duration) error { return nil }

func (f *fakeTransport) feed(wire []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toHost.Write(wire)
}

// lastFrame returns the most recently written COBS block, without its 0x00
// delimiter, so tests can read its ID (extractID) and build a matching ACK
// without knowing the random allocator's output in advance.
func (f *fakeTransport) lastFrame(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.toMount.Bytes()
	if len(b) == 0 {
		t.Fatalf("no frame written yet")
	}
	idx := bytes.LastIndexByte(b[:len(b)-1], 0x00)
	start := 0
	if idx >= 0 {
		start = idx + 1
	}
	out := make([]byte, len(b)-1-start)
	copy(out, b[start:len(b)-1])
	return out
}

func buildAck(t *testing.T, id byte) []byte {
	t.Helper()
	wire, err := protocol.Build(protocol.CmdAck, 99, []byte{id})
	if err != nil {
		t.Fatalf("Build ack: %v", err)
	}
	return wire
}

// TestSendCommandCompletesOnAck covers simulator scenario S1 (pause
// round-trip): the engine writes a frame and an ACK echoing its ID
// completes SendCommand without a retry.
func TestSendCommandCompletesOnAck(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	done := make(chan error, 1)
	go func() {
		done <- e.SendCommand(protocol.CmdPause, nil, 200*time.Millisecond, 3)
	}()

	time.Sleep(20 * time.Millisecond)
	sentID := extractID(t, ft.lastFrame(t))
	ft.feed(buildAck(t, sentID))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendCommand returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("SendCommand did not return")
	}
}

// TestSendCommandRetriesThenSucceeds covers simulator scenario S2: the
// first attempt's ACK is lost, and only the retransmission gets one.
func TestSendCommandRetriesThenSucceeds(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	done := make(chan error, 1)
	go func() {
		done <- e.SendCommand(protocol.CmdStop, nil, 100*time.Millisecond, 3)
	}()

	// Let the first attempt time out untouched (100ms, then 50ms backoff),
	// then ack the second while it is pending.
	time.Sleep(200 * time.Millisecond)
	sentID := extractID(t, ft.lastFrame(t))
	ft.feed(buildAck(t, sentID))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendCommand returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SendCommand did not return")
	}
}

// TestSendCommandFailsAfterAttemptsExhausted covers the CommandFailed path
// when no ACK ever arrives.
func TestSendCommandFailsAfterAttemptsExhausted(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	err := e.SendCommand(protocol.CmdStop, nil, 30*time.Millisecond, 2)
	if err == nil {
		t.Fatalf("expected error after attempts exhausted")
	}
}

// TestStatusEventDelivered covers simulator scenario S3: an unsolicited
// EVT_STATUS frame reaches the registered subscriber with fields decoded.
func TestStatusEventDelivered(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	got := make(chan StatusEvent, 1)
	e.OnStatus(func(s StatusEvent) { got <- s })

	payload := make([]byte, 20)
	binary.LittleEndian.PutUint32(payload[0:4], math.Float32bits(21.5))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(int32(100)))
	y := int32(-200)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(y))
	binary.LittleEndian.PutUint32(payload[12:16], uint32(int32(300)))
	payload[16] = 1
	payload[17] = 0
	payload[18] = 1
	payload[19] = 42

	wire, err := protocol.Build(protocol.EvtStatus, 7, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ft.feed(wire)

	select {
	case s := <-got:
		if s.X != 100 || s.Y != -200 || s.Z != 300 || s.FanPct != 42 || !s.Enabled || s.Paused || !s.CelestialTracking {
			t.Fatalf("decoded status = %+v", s)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("status event not delivered")
	}
}

// TestBadCRCFrameDropped covers simulator scenario S4: a frame with a
// corrupted trailing CRC byte produces no event and no ACK.
func TestBadCRCFrameDropped(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	gotRefLost := make(chan struct{}, 1)
	e.OnReferenceLost(func() { gotRefLost <- struct{}{} })

	wire, err := protocol.Build(protocol.EvtReferenceLost, 9, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	block := wire[:len(wire)-1]
	raw, _ := cobs.Decode(block)
	raw[len(raw)-1] ^= 0xFF // corrupt the CRC8 byte
	corrupted := append(cobs.Encode(raw), 0x00)
	ft.feed(corrupted)

	select {
	case <-gotRefLost:
		t.Fatalf("reference-lost event fired for a corrupted frame")
	case <-time.After(150 * time.Millisecond):
	}
}

func extractID(t *testing.T, block []byte) byte {
	t.Helper()
	raw, err := cobs.Decode(block)
	if err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if len(raw) < 2 {
		t.Fatalf("written frame too short: %x", raw)
	}
	if crc8.Compute(raw[:len(raw)-1]) != raw[len(raw)-1] {
		t.Fatalf("written frame has bad CRC: %x", raw)
	}
	return raw[1]
}
