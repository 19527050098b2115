package protocol

import (
	"bytes"
	"testing"

	"github.com/tada66/BPrpi4SW/pkg/cobs"
)

func TestBuildParseRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x01},
		bytes.Repeat([]byte{0xAB}, 60),
		{0x00, 0x00, 0x00},
	}

	for _, payload := range payloads {
		for _, id := range []byte{1, 42, 255} {
			wire, err := Build(CmdStop, id, payload)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if wire[len(wire)-1] != 0x00 {
				t.Fatalf("Build did not terminate with 0x00 delimiter")
			}
			block := wire[:len(wire)-1]

			f, err := Parse(block)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if f.Cmd != CmdStop || f.ID != id {
				t.Fatalf("Parse() = %+v, want Cmd=%x ID=%x", f, CmdStop, id)
			}
			if !bytes.Equal(f.Payload, payload) && !(len(f.Payload) == 0 && len(payload) == 0) {
				t.Fatalf("Parse() payload = %x, want %x", f.Payload, payload)
			}
			if f.LengthAdjusted {
				t.Fatalf("well-formed frame should not need length adjustment")
			}
		}
	}
}

func TestBuildRejectsZeroID(t *testing.T) {
	if _, err := Build(CmdStop, 0, nil); err == nil {
		t.Fatalf("expected error building frame with ID 0")
	}
}

func TestParseRejectsTooShort(t *testing.T) {
	block := cobs.Encode([]byte{CmdStop, 1, 0})
	if _, err := Parse(block); err != ErrTooShort {
		t.Fatalf("Parse() error = %v, want ErrTooShort", err)
	}
}

func TestParseRejectsBadCRC(t *testing.T) {
	wire, _ := Build(CmdPause, 5, nil)
	block := wire[:len(wire)-1]
	raw, _ := cobs.Decode(block)
	raw[len(raw)-1] ^= 0xFF
	corrupted := cobs.Encode(raw)

	if _, err := Parse(corrupted); err != ErrBadCRC {
		t.Fatalf("Parse() error = %v, want ErrBadCRC", err)
	}
}

func TestParseRejectsZeroID(t *testing.T) {
	raw := []byte{CmdStop, 0, 0}
	raw = append(raw, crc8Of(raw))
	block := cobs.Encode(raw)
	if _, err := Parse(block); err != ErrZeroID {
		t.Fatalf("Parse() error = %v, want ErrZeroID", err)
	}
}

func TestParseRederivesLengthOnMismatch(t *testing.T) {
	// Declares LEN=1 but actually carries 3 payload bytes, mimicking
	// firmware that sends unadvertised trailing fields.
	payload := []byte{0x11, 0x22, 0x33}
	raw := []byte{CmdGetPositions, 7, 1}
	raw = append(raw, payload...)
	raw = append(raw, crc8Of(append(append([]byte{}, raw...))))
	block := cobs.Encode(raw)

	f, err := Parse(block)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !f.LengthAdjusted {
		t.Fatalf("expected LengthAdjusted=true")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("Payload = %x, want %x", f.Payload, payload)
	}
}

func TestIDAllocatorNeverRepeatsOrZero(t *testing.T) {
	a := NewIDAllocator(42)
	var last byte
	for i := 0; i < 10000; i++ {
		id := a.Next()
		if id == 0 {
			t.Fatalf("iteration %d: allocator returned 0", i)
		}
		if i > 0 && id == last {
			t.Fatalf("iteration %d: allocator repeated ID %d", i, id)
		}
		last = id
	}
}

// crc8Of mirrors pkg/crc8's algorithm to build test fixtures without
// importing it twice over in a way that would hide a regression there.
func crc8Of(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
