// Package protocol implements the raw frame layout described in spec §3:
// CMD, ID, LEN, PAYLOAD, CRC8, wrapped on the wire by COBS framing and a
// 0x00 delimiter.
package protocol

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tada66/BPrpi4SW/pkg/cobs"
	"github.com/tada66/BPrpi4SW/pkg/crc8"
)

// Command bytes, per spec §4.4. The CMD_ and EVT_ prefixes distinguish
// host->mount commands from mount->host events; the table reflects the
// current firmware per the spec's resolution of the two historical,
// conflicting command tables (see DESIGN.md).
const (
	CmdPing            byte = 0x01
	CmdMoveStatic      byte = 0x10
	CmdMoveRelative    byte = 0x11
	CmdMoveLinear      byte = 0x12
	CmdTrackCelestial  byte = 0x13
	CmdStop            byte = 0x20
	CmdPause           byte = 0x21
	CmdResume          byte = 0x22
	CmdGetPositions    byte = 0x30
	CmdAck             byte = 0x50
	EvtPosition        byte = 0x40
	EvtStatus          byte = 0x41
	EvtReferenceLost   byte = 0x42
)

// Axis codes used by move commands.
const (
	AxisX byte = 0
	AxisY byte = 1
	AxisZ byte = 2
)

// MinFrameLen is the smallest legal raw frame: CMD, ID, LEN, CRC.
const MinFrameLen = 4

// MaxRawBlock is the largest pre-COBS block the receiver will attempt to
// decode; anything bigger is discarded without invoking the codec (§5,
// §7 FramingError).
const MaxRawBlock = 256

var (
	// ErrTooShort is returned when a decoded block is shorter than the
	// minimum legal raw frame.
	ErrTooShort = errors.New("protocol: frame shorter than minimum length")
	// ErrBadCRC is returned when the trailing CRC8 byte does not match.
	ErrBadCRC = errors.New("protocol: CRC8 mismatch")
	// ErrZeroID is returned when the frame's ID field is 0.
	ErrZeroID = errors.New("protocol: frame ID is 0")
)

// Frame is the decoded, de-stuffed raw frame (spec §3).
type Frame struct {
	Cmd     byte
	ID      byte
	Payload []byte
	// LengthAdjusted is set when the receiver had to re-derive LEN from
	// the observed block size because the declared length didn't match
	// (spec §9 "frame length tolerance").
	LengthAdjusted bool
}

// Build serializes cmd/id/payload into the COBS-stuffed, 0x00-delimited
// bytes ready to write to the wire.
func Build(cmd, id byte, payload []byte) ([]byte, error) {
	if id == 0 {
		return nil, fmt.Errorf("protocol: cannot build frame with ID 0")
	}
	if len(payload) > 0xFF {
		return nil, fmt.Errorf("protocol: payload length %d exceeds 255", len(payload))
	}

	raw := make([]byte, 0, MinFrameLen+len(payload))
	raw = append(raw, cmd, id, byte(len(payload)))
	raw = append(raw, payload...)
	raw = append(raw, crc8.Compute(raw))

	stuffed := cobs.Encode(raw)
	return append(stuffed, 0x00), nil
}

// Parse decodes a single COBS-stuffed block (without the trailing 0x00
// delimiter) into a Frame, applying the receiver dispatch rules of spec §4.3:
// frames shorter than MinFrameLen are rejected outright; frames whose
// declared LEN disagrees with the observed block size have LEN re-derived
// from the block (LengthAdjusted is set) rather than being dropped, since
// firmware is known to carry unadvertised trailing fields.
func Parse(block []byte) (Frame, error) {
	raw, err := cobs.Decode(block)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: cobs decode: %w", err)
	}
	if len(raw) < MinFrameLen {
		return Frame{}, ErrTooShort
	}

	cmd := raw[0]
	id := raw[1]
	declaredLen := int(raw[2])

	f := Frame{Cmd: cmd, ID: id}

	wantTotal := declaredLen + MinFrameLen
	if wantTotal != len(raw) {
		// Re-derive LEN from the observed block instead of dropping the
		// frame; the firmware sometimes carries trailing fields it never
		// advertised in LEN.
		declaredLen = len(raw) - MinFrameLen
		f.LengthAdjusted = true
	}

	payload := raw[3 : 3+declaredLen]
	gotCRC := raw[3+declaredLen]
	wantCRC := crc8.Compute(raw[:3+declaredLen])
	if gotCRC != wantCRC {
		return Frame{}, ErrBadCRC
	}
	if id == 0 {
		return Frame{}, ErrZeroID
	}

	f.Payload = make([]byte, len(payload))
	copy(f.Payload, payload)
	return f, nil
}

// IDAllocator hands out fresh message IDs in [1,255] such that no two
// consecutive calls return the same value and 0 is never returned
// (spec §3 "Message ID").
type IDAllocator struct {
	last byte
	rng  *rand.Rand
}

// NewIDAllocator creates an allocator whose random source is seeded with
// seed; the same seed yields the same ID sequence, which tests rely on.
func NewIDAllocator(seed int64) *IDAllocator {
	return &IDAllocator{rng: rand.New(rand.NewSource(seed))}
}

// Next returns a fresh ID in [1,255] distinct from the previously returned
// value.
func (a *IDAllocator) Next() byte {
	for {
		candidate := byte(a.rng.Intn(255) + 1) // [1,255]
		if candidate != a.last {
			a.last = candidate
			return candidate
		}
	}
}
