// Package engine implements the protocol engine described in spec §4.3:
// packet build/parse via pkg/protocol, message-ID allocation, ACK
// correlation, retransmission, a background receiver, and event fan-out to
// subscribers. It is the hardest systems piece of the repository and the
// direct generalization of the teacher's pkg/usock read loop plus the
// ACK-correlation idiom (pend channel per in-flight request) the wider
// retrieval pack uses for request/reply over an unreliable link.
package engine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tada66/BPrpi4SW/pkg/protocol"
)

// Transport is the minimal byte-stream contract the engine needs. A real
// connection is pkg/serialport.Port; tests supply an in-memory fake so the
// engine can be exercised without a device attached.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReceiveTimeout(d time.Duration) error
}

// Defaults from spec §4.3/§5.
const (
	DefaultAckTimeout   = 2000 * time.Millisecond
	DefaultMaxAttempts  = 3
	RetryBackoff        = 50 * time.Millisecond
	ReceiverReadTimeout = 1 * time.Second
)

var (
	// ErrCommandFailed means every retry attempt was exhausted without an
	// ACK (spec §7 CommandFailed).
	ErrCommandFailed = errors.New("engine: command failed after all retry attempts")
	// ErrClosed is returned by SendCommand/SendFireAndForget once the
	// engine has been stopped.
	ErrClosed = errors.New("engine: closed")
)

// StatusEvent is the decoded payload of an EVT_STATUS frame (spec §4.4).
type StatusEvent struct {
	TempC             float32
	X, Y, Z           int32
	Enabled           bool
	Paused            bool
	CelestialTracking bool
	FanPct            uint8
}

type eventItem struct {
	kind     eventKind
	x, y, z  int32
	status   StatusEvent
}

type eventKind int

const (
	eventPosition eventKind = iota
	eventStatus
	eventReferenceLost
)

// Engine owns the transport, the pending-ACK table, and the receiver
// goroutine (spec §3 "Ownership").
type Engine struct {
	transport Transport

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[byte]chan struct{}

	idMu sync.Mutex
	ids  *protocol.IDAllocator

	subsMu       sync.Mutex
	positionSubs []func(x, y, z int32)
	statusSubs   []func(StatusEvent)
	refLostSubs  []func()

	events chan eventItem

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New wraps transport in an Engine. Call Start to begin receiving.
func New(transport Transport) *Engine {
	return &Engine{
		transport: transport,
		pending:   make(map[byte]chan struct{}),
		ids:       protocol.NewIDAllocator(time.Now().UnixNano()),
		events:    make(chan eventItem, 256),
		stopCh:    make(chan struct{}),
	}
}

// Start configures the receive timeout and launches the receiver and event
// dispatcher goroutines.
func (e *Engine) Start() error {
	if err := e.transport.SetReceiveTimeout(ReceiverReadTimeout); err != nil {
		return fmt.Errorf("engine: set receive timeout: %w", err)
	}
	e.wg.Add(2)
	go e.receiveLoop()
	go e.eventLoop()
	return nil
}

// Stop cancels the receiver (joined with a 1s deadline, spec §5) and closes
// the transport. Any completion handles still pending become failed.
func (e *Engine) Stop() error {
	e.pendingMu.Lock()
	if e.closed {
		e.pendingMu.Unlock()
		return nil
	}
	e.closed = true
	for id, done := range e.pending {
		close(done)
		delete(e.pending, id)
	}
	e.pendingMu.Unlock()

	close(e.stopCh)

	joined := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(1 * time.Second):
		log.Printf("engine: receiver did not join within 1s deadline")
	}

	return e.transport.Close()
}

// OnPosition registers a callback invoked for every EVT_POSITION frame.
func (e *Engine) OnPosition(fn func(x, y, z int32)) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.positionSubs = append(e.positionSubs, fn)
}

// OnStatus registers a callback invoked for every EVT_STATUS frame.
func (e *Engine) OnStatus(fn func(StatusEvent)) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.statusSubs = append(e.statusSubs, fn)
}

// OnReferenceLost registers a callback invoked for every EVT_REFLOST frame.
func (e *Engine) OnReferenceLost(fn func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.refLostSubs = append(e.refLostSubs, fn)
}

// SendFireAndForget writes a single packet and does not wait for or
// register an ACK. Used for Ping and for the engine's own auto-ACK replies,
// which must never themselves expect an ACK (spec §4.3).
func (e *Engine) SendFireAndForget(cmd byte, payload []byte) error {
	e.pendingMu.Lock()
	closed := e.closed
	e.pendingMu.Unlock()
	if closed {
		return ErrClosed
	}
	id := e.nextID()
	return e.writePacket(cmd, id, payload)
}

// SendCommand allocates a fresh ID, registers a completion handle, writes
// the packet, and waits up to timeout for the matching ACK. On timeout it
// retries up to maxAttempts total, reusing the same ID each time (spec
// §4.3 "Retry policy"). It reports success iff an ACK arrives before
// attempts are exhausted.
func (e *Engine) SendCommand(cmd byte, payload []byte, timeout time.Duration, maxAttempts int) error {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	id := e.nextID()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := e.registerPending(id)
		if err != nil {
			return err
		}

		if err := e.writePacket(cmd, id, payload); err != nil {
			e.removePending(id)
			return err
		}

		select {
		case <-done:
			// Stop also closes pending handles; that is a failure, not an ACK.
			e.pendingMu.Lock()
			closed := e.closed
			e.pendingMu.Unlock()
			if closed {
				return ErrClosed
			}
			return nil
		case <-time.After(timeout):
			e.removePending(id)
			if attempt < maxAttempts {
				time.Sleep(RetryBackoff)
			}
		}
	}

	return fmt.Errorf("%w: cmd=0x%02x id=%d after %d attempts", ErrCommandFailed, cmd, id, maxAttempts)
}

func (e *Engine) nextID() byte {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return e.ids.Next()
}

func (e *Engine) registerPending(id byte) (chan struct{}, error) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	done := make(chan struct{})
	e.pending[id] = done
	return done, nil
}

func (e *Engine) removePending(id byte) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	delete(e.pending, id)
}

// completePending closes and removes the handle for id, if one is
// registered; it reports whether a waiter was actually found, so the
// caller can log unknown/late ACKs.
func (e *Engine) completePending(id byte) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	done, ok := e.pending[id]
	if !ok {
		return false
	}
	close(done)
	delete(e.pending, id)
	return true
}

func (e *Engine) writePacket(cmd, id byte, payload []byte) error {
	wire, err := protocol.Build(cmd, id, payload)
	if err != nil {
		return fmt.Errorf("engine: build frame: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err = e.transport.Write(wire)
	if err != nil {
		return fmt.Errorf("engine: write: %w", err)
	}
	return nil
}
