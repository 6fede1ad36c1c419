// Package cobs implements Consistent Overhead Byte Stuffing with a fixed
// 255-byte working window, plus the XOR obfuscation used to move the
// sentinel value off the wire's preamble and delimiter bytes.
package cobs

import "fmt"

// Sentinel is the byte value COBS removes from the encoded stream.
const Sentinel = 0x00

// maxWindow is the largest number of data bytes a single COBS window may
// hold before an overhead byte must be inserted.
const maxWindow = 254

// Encoder turns a stream of arbitrary bytes into a COBS-stuffed, XOR-masked
// stream with no embedded Sentinel bytes. Feed it one byte at a time with
// WriteByte; call Finish once to flush the final window and the trailing
// delimiter.
type Encoder struct {
	buf    [255]byte
	cursor int
	xor    byte
}

// NewEncoder returns an Encoder that XORs every emitted byte with mask.
func NewEncoder(mask byte) *Encoder {
	return &Encoder{cursor: 1, xor: mask}
}

// WriteByte feeds one payload byte into the encoder. When a window is
// completed it returns the window's bytes (already XOR-masked); ok is false
// when no window was emitted yet (the byte was buffered).
func (e *Encoder) WriteByte(b byte) (window []byte, ok bool) {
	if e.cursor == maxWindow {
		// buf[0] [1..253] ^ here, 254th data byte about to be written
		if b == Sentinel {
			e.buf[0] = 0xfe
			e.cursor = 1
			return e.emit(e.buf[0:maxWindow]), true
		}
		e.buf[0] = 0xff
		e.buf[maxWindow] = b
		e.cursor = 1
		return e.emit(e.buf[0 : maxWindow+1]), true
	}
	if b != Sentinel {
		e.buf[e.cursor] = b
		e.cursor++
		return nil, false
	}
	e.buf[0] = byte(e.cursor)
	saved := e.cursor
	e.cursor = 1
	return e.emit(e.buf[0:saved]), true
}

// Finish flushes the in-progress window and appends the terminating
// delimiter byte. The returned slice is valid until the next call to
// WriteByte or Finish.
func (e *Encoder) Finish() []byte {
	e.buf[e.cursor] = Sentinel
	e.buf[0] = byte(e.cursor)
	saved := e.cursor + 1
	e.cursor = 1
	return e.emit(e.buf[0:saved])
}

func (e *Encoder) emit(window []byte) []byte {
	for i := range window {
		window[i] ^= e.xor
	}
	return window
}

// Encode is a convenience wrapper that runs a whole payload through a fresh
// Encoder and returns the complete COBS-stuffed, delimiter-terminated frame
// body.
func Encode(payload []byte, mask byte) []byte {
	enc := NewEncoder(mask)
	out := make([]byte, 0, len(payload)+len(payload)/maxWindow+2)
	for _, b := range payload {
		if w, ok := enc.WriteByte(b); ok {
			out = append(out, w...)
		}
	}
	return append(out, enc.Finish()...)
}

// ErrUnexpectedSentinel is returned when the Sentinel byte appears at an
// illegal offset within a window.
type ErrUnexpectedSentinel struct{ Offset int }

func (e *ErrUnexpectedSentinel) Error() string {
	return fmt.Sprintf("cobs: unexpected sentinel at offset %d", e.Offset)
}

// DecodeState is what a Decoder produced after consuming one input byte.
type DecodeState int

const (
	// StateSkip means the byte was overhead (a jump count), not payload.
	StateSkip DecodeState = iota
	// StateByte means Byte holds a decoded payload byte.
	StateByte
	// StateFinished means the frame's trailing delimiter was just consumed.
	StateFinished
)

// Decoder un-stuffs a COBS byte stream one input byte at a time.
type Decoder struct {
	bytesSinceJump int
	lastJump       int
	xor            byte
	offset         int
}

// NewDecoder returns a Decoder that un-masks every input byte with mask
// before interpreting it.
func NewDecoder(mask byte) *Decoder {
	return &Decoder{xor: mask}
}

// Feed consumes one raw (still-masked) input byte and reports what it
// means. Byte is only meaningful when state == StateByte.
func (d *Decoder) Feed(raw byte) (state DecodeState, b byte, err error) {
	x := raw ^ d.xor
	d.offset++

	if d.lastJump == 0 {
		if x == Sentinel {
			return StateSkip, 0, &ErrUnexpectedSentinel{Offset: d.offset}
		}
		d.lastJump = int(x)
		d.bytesSinceJump = 0
		return StateSkip, 0, nil
	}

	d.bytesSinceJump++
	if d.bytesSinceJump < d.lastJump {
		if x == Sentinel {
			return StateSkip, 0, &ErrUnexpectedSentinel{Offset: d.offset}
		}
		return StateByte, x, nil
	}

	prevJump := d.lastJump
	d.lastJump = int(x)
	d.bytesSinceJump = 0
	if x == Sentinel {
		d.lastJump = 0
		return StateFinished, 0, nil
	}
	if prevJump == 0xff {
		// 255-byte special case: the implicit zero boundary is suppressed.
		return StateSkip, 0, nil
	}
	return StateByte, Sentinel, nil
}

// Reset restores the Decoder to its initial, between-frames state.
func (d *Decoder) Reset() {
	d.bytesSinceJump = 0
	d.lastJump = 0
	d.offset = 0
}

// Decode is a convenience wrapper that fully decodes one COBS-stuffed,
// delimiter-terminated frame body (the delimiter itself may be omitted from
// encoded, but if present it must be the last byte).
func Decode(encoded []byte, mask byte) ([]byte, error) {
	dec := NewDecoder(mask)
	out := make([]byte, 0, len(encoded))
	for _, raw := range encoded {
		state, b, err := dec.Feed(raw)
		if err != nil {
			return nil, err
		}
		switch state {
		case StateByte:
			out = append(out, b)
		case StateFinished:
			return out, nil
		}
	}
	return out, nil
}
