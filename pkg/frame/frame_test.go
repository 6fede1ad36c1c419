package frame

import (
	"encoding/binary"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/armboot/fwlink/pkg/cobs"
)

func TestLengthRoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 63, 64, 4095, 4096, 0xffffff}
	for _, n := range cases {
		digits, err := EncodeLength(n)
		if err != nil {
			t.Fatalf("EncodeLength(%d): %v", n, err)
		}
		got, err := DecodeLength(digits)
		if err != nil {
			t.Fatalf("DecodeLength(%v): %v", digits, err)
		}
		if got != n {
			t.Fatalf("round trip: got %d want %d", got, n)
		}
	}
}

func TestEncodeLengthRejectsOversize(t *testing.T) {
	if _, err := EncodeLength(0x01000000); err == nil {
		t.Fatalf("expected error for 25-bit length")
	}
}

func TestDecodeLengthRejectsBadHighBits(t *testing.T) {
	digits, _ := EncodeLength(42)
	digits[2] &^= 0xc0
	if _, err := DecodeLength(digits); err == nil {
		t.Fatalf("expected ErrLengthInvalid")
	}
}

// buildFrame mirrors the original Rust test_decode: a preamble, packed
// length digits, then a COBS-stuffed body of type||payload||crc32.
func buildFrame(t *testing.T, msgType uint32, payload []byte) []byte {
	t.Helper()
	var input []byte
	var typeBuf [4]byte
	binary.LittleEndian.PutUint32(typeBuf[:], msgType)
	input = append(input, typeBuf[:]...)
	input = append(input, payload...)
	crc := crc32.ChecksumIEEE(input)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	input = append(input, crcBuf[:]...)

	encodedBody := cobs.Encode(input, XORMask)

	length, err := EncodeLength(uint32(len(encodedBody)))
	if err != nil {
		t.Fatalf("EncodeLength: %v", err)
	}

	var out []byte
	out = append(out, Preamble[:]...)
	out = append(out, length[:]...)
	out = append(out, encodedBody...)
	return out
}

func TestDecodePrintStringFrame(t *testing.T) {
	payload := []byte("hello from the bootloader")
	const printStringType = 1
	bytes := buildFrame(t, printStringType, payload)

	// The original test observes exactly 4 masked-sentinel (COBS_XOR) bytes:
	// 3 from the preamble's leading 0x55 bytes and 1 as the trailing
	// delimiter. The preamble's final byte (0x5E) and the packed length
	// digits (top two bits forced to 0b11) never equal the mask.
	count := 0
	for _, b := range bytes {
		if b == XORMask {
			count++
		}
	}
	if count != 4 {
		t.Fatalf("expected exactly 4 masked-sentinel bytes, got %d", count)
	}

	l := NewLayer()
	var gotHeader *uint32
	var gotPayload []byte
	finished := false
	for _, raw := range bytes {
		out, err := l.Poll(raw)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		switch out.Kind {
		case Header:
			if gotHeader != nil {
				t.Fatalf("second header event: had %d, now %d", *gotHeader, out.Type)
			}
			typ := out.Type
			gotHeader = &typ
		case Payload:
			gotPayload = append(gotPayload, out.Byte)
		case Finished:
			finished = true
		}
	}
	if !finished {
		t.Fatalf("frame never finished")
	}
	if gotHeader == nil || *gotHeader != printStringType {
		t.Fatalf("header type: got %v want %d", gotHeader, printStringType)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload: got %q want %q", gotPayload, payload)
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 10; n++ {
		payload := make([]byte, rng.Intn(600))
		rng.Read(payload)
		msgType := rng.Uint32()

		wire := EncodeFrame(msgType, payload)

		l := NewLayer()
		var gotType uint32
		var gotPayload []byte
		finished := false
		for _, raw := range wire {
			out, err := l.Poll(raw)
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			switch out.Kind {
			case Header:
				gotType = out.Type
			case Payload:
				gotPayload = append(gotPayload, out.Byte)
			case Finished:
				finished = true
			}
		}
		if !finished {
			t.Fatalf("frame %d never finished", n)
		}
		if gotType != msgType {
			t.Fatalf("type: got %#x want %#x", gotType, msgType)
		}
		if len(gotPayload) != len(payload) {
			t.Fatalf("payload length: got %d want %d", len(gotPayload), len(payload))
		}
		for i := range payload {
			if gotPayload[i] != payload[i] {
				t.Fatalf("payload mismatch at %d: got %#x want %#x", i, gotPayload[i], payload[i])
			}
		}
	}
}

func TestLayerResyncsAfterGarbage(t *testing.T) {
	payload := []byte("resync me")
	wire := EncodeFrame(2, payload)

	l := NewLayer()
	// Garbage ahead of the real frame must not leave the layer stuck: once
	// the real preamble arrives it should still decode cleanly.
	garbage := []byte{0x01, 0x02, 0x55, 0x55, 0x03}
	for _, raw := range garbage {
		if _, err := l.Poll(raw); err != nil {
			t.Fatalf("unexpected error while skipping garbage: %v", err)
		}
	}

	var gotPayload []byte
	finished := false
	for _, raw := range wire {
		out, err := l.Poll(raw)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if out.Kind == Payload {
			gotPayload = append(gotPayload, out.Byte)
		}
		if out.Kind == Finished {
			finished = true
		}
	}
	if !finished {
		t.Fatalf("frame never finished after garbage prefix")
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload: got %q want %q", gotPayload, payload)
	}
}

func TestLayerDetectsCrcMismatch(t *testing.T) {
	msgType := uint32(3)
	payload := []byte("tamper")

	var input []byte
	var typeBuf [4]byte
	binary.LittleEndian.PutUint32(typeBuf[:], msgType)
	input = append(input, typeBuf[:]...)
	input = append(input, payload...)

	badCrc := crc32.ChecksumIEEE(input) ^ 0xffffffff
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], badCrc)
	input = append(input, crcBuf[:]...)

	encodedBody := cobs.Encode(input, XORMask)
	length, err := EncodeLength(uint32(len(encodedBody)))
	if err != nil {
		t.Fatalf("EncodeLength: %v", err)
	}
	var wire []byte
	wire = append(wire, Preamble[:]...)
	wire = append(wire, length[:]...)
	wire = append(wire, encodedBody...)

	l := NewLayer()
	var gotErr error
	for _, raw := range wire {
		_, err := l.Poll(raw)
		if err != nil {
			gotErr = err
			break
		}
	}
	if gotErr == nil {
		t.Fatalf("expected a CRC mismatch error")
	}
	if _, ok := gotErr.(*ErrCrcMismatch); !ok {
		t.Fatalf("expected *ErrCrcMismatch, got %T: %v", gotErr, gotErr)
	}
}
