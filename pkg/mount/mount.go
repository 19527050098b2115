// Package mount is the command façade of spec §4.4: typed operations that
// marshal their arguments into little-endian payloads and dispatch them
// through pkg/engine. It plays the role the teacher's nrf_commands.go plays
// for the BLE peripheral — one function per outbound command, each owning
// its own payload layout — generalized to the mount's command set.
package mount

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/tada66/BPrpi4SW/pkg/engine"
	"github.com/tada66/BPrpi4SW/pkg/protocol"
)

// Axis identifies which mount axis a move command targets.
type Axis = byte

const (
	AxisX Axis = protocol.AxisX
	AxisY Axis = protocol.AxisY
	AxisZ Axis = protocol.AxisZ
)

// Sender is the subset of *engine.Engine the façade needs; an interface so
// tests can substitute a recording fake without standing up a real engine.
type Sender interface {
	SendCommand(cmd byte, payload []byte, timeout time.Duration, maxAttempts int) error
	SendFireAndForget(cmd byte, payload []byte) error
}

// Mount wraps a Sender with the typed operations of spec §4.4. AckTimeout
// and MaxAttempts default to the engine's own defaults when zero.
type Mount struct {
	send        Sender
	AckTimeout  time.Duration
	MaxAttempts int
}

// New wraps send in a Mount using the engine's default timeout/attempts.
func New(send Sender) *Mount {
	return &Mount{send: send, AckTimeout: engine.DefaultAckTimeout, MaxAttempts: engine.DefaultMaxAttempts}
}

func (m *Mount) command(cmd byte, payload []byte) error {
	return m.send.SendCommand(cmd, payload, m.AckTimeout, m.MaxAttempts)
}

// Ping is fire-and-forget; spec §4.4 explicitly excludes it from ACK
// correlation.
func (m *Mount) Ping() error {
	return m.send.SendFireAndForget(protocol.CmdPing, nil)
}

// MoveStatic commands one axis to an absolute arcsecond position.
func (m *Mount) MoveStatic(axis Axis, arcsec int32) error {
	payload := make([]byte, 5)
	payload[0] = axis
	binary.LittleEndian.PutUint32(payload[1:5], uint32(arcsec))
	return m.command(protocol.CmdMoveStatic, payload)
}

// MoveRelative commands one axis to step by deltaArcsec from its current
// position.
func (m *Mount) MoveRelative(axis Axis, deltaArcsec int32) error {
	payload := make([]byte, 5)
	payload[0] = axis
	binary.LittleEndian.PutUint32(payload[1:5], uint32(deltaArcsec))
	return m.command(protocol.CmdMoveRelative, payload)
}

// MoveLinear commands all three axes to move at a constant arcsec/s rate.
func (m *Mount) MoveLinear(xRate, yRate, zRate float32) error {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], math.Float32bits(xRate))
	binary.LittleEndian.PutUint32(payload[4:8], math.Float32bits(yRate))
	binary.LittleEndian.PutUint32(payload[8:12], math.Float32bits(zRate))
	return m.command(protocol.CmdMoveLinear, payload)
}

// TrackCelestial hands the firmware a fully-resolved tracking solution: the
// target's catalog coordinates, the sky->mount rotation, the reference time
// the rotation was computed against, and the observer's latitude (spec
// §4.4, §4.7). r must be row-major and have exactly 9 elements.
func (m *Mount) TrackCelestial(raHours, decDeg float32, r [9]float32, refTime time.Time, latitudeDeg float32) error {
	payload := make([]byte, 56)
	binary.LittleEndian.PutUint32(payload[0:4], math.Float32bits(raHours))
	binary.LittleEndian.PutUint32(payload[4:8], math.Float32bits(decDeg))
	for i, v := range r {
		off := 8 + i*4
		binary.LittleEndian.PutUint32(payload[off:off+4], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint64(payload[44:52], uint64(refTime.Unix()))
	binary.LittleEndian.PutUint32(payload[52:56], math.Float32bits(latitudeDeg))
	return m.command(protocol.CmdTrackCelestial, payload)
}

// Stop halts all motion immediately.
func (m *Mount) Stop() error {
	return m.command(protocol.CmdStop, nil)
}

// Pause suspends the current motion without clearing it.
func (m *Mount) Pause() error {
	return m.command(protocol.CmdPause, nil)
}

// Resume continues motion suspended by Pause.
func (m *Mount) Resume() error {
	return m.command(protocol.CmdResume, nil)
}

// Positions holds one set of X/Y/Z encoder readings in arcseconds.
// GetPositions does not return it; see GetPositions.
type Positions struct {
	X, Y, Z int32
}

// GetPositions requests an immediate position report. The façade itself
// only confirms the request was acknowledged; the actual encoder values
// arrive asynchronously as EVT_POSITION and are delivered via
// engine.Engine.OnPosition, since the wire protocol has no synchronous
// request/reply pairing for this command (spec §4.3, §4.4).
func (m *Mount) GetPositions() error {
	return m.command(protocol.CmdGetPositions, nil)
}
