package cobs

import (
	"bytes"
	"math/rand"
	"testing"
)

const xorMask = 0x55

func roundTrip(t *testing.T, payload []byte) {
	t.Helper()
	encoded := Encode(payload, xorMask)
	if len(encoded) == 0 {
		t.Fatalf("encode produced empty output for %d-byte payload", len(payload))
	}
	if encoded[len(encoded)-1] != xorMask {
		t.Fatalf("last byte of encoded stream should un-mask to the sentinel, got %#x", encoded[len(encoded)-1])
	}
	got, err := Decode(encoded, xorMask)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-trip mismatch: got %v want %v", got, payload)
	}
}

func TestRoundTripSmall(t *testing.T) {
	cases := [][]byte{
		nil,
		{0},
		{1, 2, 3},
		{0, 0, 0},
		{1, 0, 2, 0, 3},
		bytes.Repeat([]byte{0xAB}, 512),
	}
	for i, c := range cases {
		t.Run("", func(t *testing.T) {
			_ = i
			roundTrip(t, c)
		})
	}
}

func TestRoundTripAllByteValues(t *testing.T) {
	data := make([]byte, 0, 512)
	for i := 0; i < 256; i++ {
		data = append(data, byte(i))
	}
	data = append(data, data...)
	roundTrip(t, data)
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 20; n++ {
		buf := make([]byte, rng.Intn(4000))
		rng.Read(buf)
		roundTrip(t, buf)
	}
}

func Test255ByteWindowNoZero(t *testing.T) {
	data := make([]byte, 254)
	for i := range data {
		data[i] = byte(i + 1) // never zero
	}
	roundTrip(t, data)
}

func Test255ByteWindowTrailingZero(t *testing.T) {
	data := make([]byte, 254)
	for i := 0; i < 253; i++ {
		data[i] = byte(i + 1)
	}
	data[253] = 0
	roundTrip(t, data)
}

func TestEncodedBodyContainsDelimiterOnlyAtEnd(t *testing.T) {
	payload := []byte{1, 2, 3, 0, 4, 5, 0, 0, 6}
	encoded := Encode(payload, xorMask)
	for i, b := range encoded {
		if b == xorMask && i != len(encoded)-1 {
			t.Fatalf("delimiter (masked sentinel) appeared at non-final offset %d", i)
		}
	}
}

func TestDecoderFeedStopsAtDelimiter(t *testing.T) {
	payload := []byte("hello, bootloader")
	full := Encode(payload, xorMask)

	dec := NewDecoder(xorMask)
	var out []byte
	// Feed a clean encoded stream one byte at a time until StateFinished.
	// The raw codec has no preamble search of its own; resynchronising on a
	// noisy stream is the frame layer's job (pkg/frame's
	// TestLayerResyncsAfterGarbage).
	for _, raw := range full {
		state, b, err := dec.Feed(raw)
		if err != nil {
			t.Fatalf("unexpected error decoding clean stream: %v", err)
		}
		if state == StateByte {
			out = append(out, b)
		}
		if state == StateFinished {
			break
		}
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("got %q want %q", out, payload)
	}
}
