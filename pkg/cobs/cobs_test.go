package cobs

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTripKnownVectors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", []byte{}, []byte{0x01}},
		{"single zero", []byte{0x00}, []byte{0x01, 0x01}},
		{"no zeros", []byte{0x11, 0x22, 0x33}, []byte{0x04, 0x11, 0x22, 0x33}},
		{"leading zero", []byte{0x00, 0x11, 0x22, 0x33}, []byte{0x01, 0x04, 0x11, 0x22, 0x33}},
		{"trailing zero", []byte{0x11, 0x22, 0x33, 0x00}, []byte{0x04, 0x11, 0x22, 0x33, 0x01}},
		{"interior zero", []byte{0x11, 0x00, 0x00, 0x00}, []byte{0x02, 0x11, 0x01, 0x01, 0x01}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Encode(c.in)
			if !bytes.Equal(got, c.want) {
				t.Fatalf("Encode(%x) = %x, want %x", c.in, got, c.want)
			}
			back, err := Decode(got)
			if err != nil {
				t.Fatalf("Decode(%x) error: %v", got, err)
			}
			if !bytes.Equal(back, c.in) {
				t.Fatalf("Decode(Encode(%x)) = %x, want %x", c.in, back, c.in)
			}
		})
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n <= 1024; n++ {
		src := make([]byte, n)
		rng.Read(src)

		enc := Encode(src)
		if bytes.IndexByte(enc, 0x00) != -1 {
			t.Fatalf("encoded block of length %d contains a zero byte: %x", n, enc)
		}

		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("length %d: Decode error: %v", n, err)
		}
		if !bytes.Equal(dec, src) {
			t.Fatalf("length %d: round trip mismatch", n)
		}

		maxLen := n + n/254 + 1
		if len(enc) > maxLen {
			t.Fatalf("length %d: encoded length %d exceeds bound %d", n, len(enc), maxLen)
		}
	}
}

func TestDecodeRejectsZeroCode(t *testing.T) {
	if _, err := Decode([]byte{0x02, 0x11, 0x00, 0x01}); err != ErrInvalidCode {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}
