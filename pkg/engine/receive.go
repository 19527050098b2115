package engine

import (
	"encoding/binary"
	"errors"
	"log"
	"math"

	"github.com/tada66/BPrpi4SW/pkg/protocol"
)

// receiveLoop reads from the transport, re-assembles COBS blocks delimited
// by 0x00, and dispatches each complete block. It mirrors the teacher's
// usock readLoop/processByte shape, generalized from a fixed-length
// CRC16 frame to variable-length COBS blocks.
func (e *Engine) receiveLoop() {
	defer e.wg.Done()

	chunk := make([]byte, 128)
	var block []byte

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		n, err := e.transport.Read(chunk)
		if err != nil {
			// A read-timeout error from the driver surfaces here as a
			// regular error on most platforms; treat any error as "no
			// data this cycle" and re-check stopCh rather than exiting,
			// since go.bug.st/serial returns (0, nil) on timeout and a
			// closed port is what actually ends the loop via stopCh.
			continue
		}
		if n == 0 {
			continue
		}

		for _, b := range chunk[:n] {
			if b == 0x00 {
				if len(block) > 0 {
					frame := make([]byte, len(block))
					copy(frame, block)
					e.dispatch(frame)
				}
				block = block[:0]
				continue
			}
			block = append(block, b)
			if len(block) > protocol.MaxRawBlock {
				log.Printf("engine: discarding oversize block (%d bytes) without delimiter", len(block))
				block = block[:0]
			}
		}
	}
}

// dispatch applies the receiver rules of spec §4.3 to one de-delimited,
// still COBS-stuffed block.
func (e *Engine) dispatch(block []byte) {
	f, err := protocol.Parse(block)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrTooShort):
			// Drop silently: too short to have been anything meaningful.
		case errors.Is(err, protocol.ErrBadCRC):
			log.Printf("engine: dropping frame with bad CRC8")
		case errors.Is(err, protocol.ErrZeroID):
			log.Printf("engine: dropping frame with ID 0")
		default:
			log.Printf("engine: dropping unparsable block: %v", err)
		}
		return
	}

	if f.LengthAdjusted {
		log.Printf("engine: frame cmd=0x%02x id=%d had declared LEN mismatch, re-derived from block size", f.Cmd, f.ID)
	}

	switch f.Cmd {
	case protocol.CmdAck:
		if len(f.Payload) < 1 {
			log.Printf("engine: ACK frame with empty payload, dropping")
			return
		}
		ackedID := f.Payload[0]
		if !e.completePending(ackedID) {
			log.Printf("engine: ACK for unknown or already-resolved id %d", ackedID)
		}
		return

	case protocol.EvtPosition:
		if len(f.Payload) < 12 {
			log.Printf("engine: EVT_POSITION payload too short (%d bytes)", len(f.Payload))
			return
		}
		x := int32(binary.LittleEndian.Uint32(f.Payload[0:4]))
		y := int32(binary.LittleEndian.Uint32(f.Payload[4:8]))
		z := int32(binary.LittleEndian.Uint32(f.Payload[8:12]))
		e.events <- eventItem{kind: eventPosition, x: x, y: y, z: z}

	case protocol.EvtStatus:
		if len(f.Payload) < 20 {
			log.Printf("engine: EVT_STATUS payload too short (%d bytes)", len(f.Payload))
			return
		}
		st := StatusEvent{
			TempC:             math.Float32frombits(binary.LittleEndian.Uint32(f.Payload[0:4])),
			X:                 int32(binary.LittleEndian.Uint32(f.Payload[4:8])),
			Y:                 int32(binary.LittleEndian.Uint32(f.Payload[8:12])),
			Z:                 int32(binary.LittleEndian.Uint32(f.Payload[12:16])),
			Enabled:           f.Payload[16] != 0,
			Paused:            f.Payload[17] != 0,
			CelestialTracking: f.Payload[18] != 0,
			FanPct:            f.Payload[19],
		}
		e.events <- eventItem{kind: eventStatus, status: st}

	case protocol.EvtReferenceLost:
		e.events <- eventItem{kind: eventReferenceLost}

	default:
		log.Printf("engine: frame with unrecognized cmd=0x%02x id=%d, dropping", f.Cmd, f.ID)
		return
	}

	// Every validly received non-ACK frame gets an asynchronous CMD_ACK;
	// the send must not block the receiver, and must never itself await
	// an ACK (spec §4.3).
	go func(id byte) {
		if err := e.SendFireAndForget(protocol.CmdAck, []byte{id}); err != nil {
			log.Printf("engine: failed to send ack for id %d: %v", id, err)
		}
	}(f.ID)
}

// eventLoop drains e.events in order and fans each item out to subscriber
// callbacks, preserving event ordering on the wire. A slow subscriber does
// not stall the receiver while e.events has room (256 buffered events);
// once that buffer is full, the receiver blocks until eventLoop catches up.
func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case item := <-e.events:
			e.deliver(item)
		}
	}
}

func (e *Engine) deliver(item eventItem) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	switch item.kind {
	case eventPosition:
		for _, fn := range e.positionSubs {
			fn(item.x, item.y, item.z)
		}
	case eventStatus:
		for _, fn := range e.statusSubs {
			fn(item.status)
		}
	case eventReferenceLost:
		for _, fn := range e.refLostSubs {
			fn()
		}
	}
}
