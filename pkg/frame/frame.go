// Package frame implements the wire framing layer on top of pkg/cobs:
// preamble synchronisation, the four-digit packed length field, COBS
// unstuffing, message-type extraction and CRC-32 verification.
package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/armboot/fwlink/pkg/cobs"
)

// Preamble is the fixed 4-byte sequence that opens every frame.
var Preamble = [4]byte{0x55, 0x55, 0x55, 0x5E}

// XORMask obfuscates every COBS-encoded body byte on the wire. The trailing
// delimiter byte is transmitted as XORMask itself, which un-masks to the
// COBS sentinel (0).
const XORMask = 0x55

const crcSize = 4
const typeSize = 4

// ErrLengthInvalid is returned when a length digit's top two bits are not
// both set.
type ErrLengthInvalid struct{ Digit int }

func (e *ErrLengthInvalid) Error() string {
	return fmt.Sprintf("frame: length digit %d has invalid high bits", e.Digit)
}

// ErrCrcMismatch is returned when a fully-decoded frame's trailing CRC-32
// does not match the computed checksum over its type and payload bytes.
type ErrCrcMismatch struct{ Expected, Got uint32 }

func (e *ErrCrcMismatch) Error() string {
	return fmt.Sprintf("frame: crc mismatch: expected %#08x got %#08x", e.Expected, e.Got)
}

// ErrFrameTooShort is returned when the body's declared length elapses
// before the COBS decoder signals completion.
var ErrFrameTooShort = fmt.Errorf("frame: body shorter than declared length")

// EncodeLength packs n (must fit in 24 bits) into the four 6-bits-per-byte
// digits used on the wire, each with its top two bits forced to 0b11.
func EncodeLength(n uint32) ([4]byte, error) {
	var out [4]byte
	if n&^0x00ffffff != 0 {
		return out, fmt.Errorf("frame: length %d does not fit in 24 bits", n)
	}
	out[0] = byte(n&0x3f) | 0xc0
	out[1] = byte((n&0xfc0)>>6) | 0xc0
	out[2] = byte((n&0x3f000)>>12) | 0xc0
	out[3] = byte((n&0xfc0000)>>18) | 0xc0
	return out, nil
}

// DecodeLength inverts EncodeLength, rejecting any digit whose top two bits
// are not both set.
func DecodeLength(digits [4]byte) (uint32, error) {
	var n uint32
	for i, d := range digits {
		if d&0xc0 != 0xc0 {
			return 0, &ErrLengthInvalid{Digit: i}
		}
		n |= uint32(d&0x3f) << (6 * uint(i))
	}
	return n, nil
}

// OutputKind classifies an Output event from Layer.Poll.
type OutputKind int

const (
	// Skip means the byte was framing overhead and carries no new event.
	Skip OutputKind = iota
	// Header means Type now holds the frame's message type tag.
	Header
	// Payload means Byte holds the next decoded payload byte.
	Payload
	// Finished means the frame completed and its CRC matched.
	Finished
)

// Output is one event surfaced by Layer.Poll for each raw input byte.
type Output struct {
	Kind OutputKind
	Type uint32
	Byte byte
}

type layerState int

const (
	stateSeekPreamble layerState = iota
	stateLength
	stateBody
)

// Layer is a byte-at-a-time frame decoder: feed it the raw serial stream via
// Poll and it surfaces Header/Payload/Finished events once a valid,
// CRC-checked frame has been found.
type Layer struct {
	state layerState

	preambleWindow [4]byte

	lengthBuf [4]byte
	lengthIdx int

	bodyRemaining uint32
	cobsDec       *cobs.Decoder

	headerBuf [typeSize]byte
	headerLen int

	// tail is a sliding window of the most recent decoded bytes, used to
	// hold back the trailing CRC until the frame finishes.
	tail    [crcSize]byte
	tailLen int

	hasher uint32
}

// NewLayer returns a Layer that expects bodies COBS-encoded and XOR-masked
// with XORMask.
func NewLayer() *Layer {
	l := &Layer{}
	l.resetToSeek()
	return l
}

func (l *Layer) resetToSeek() {
	l.state = stateSeekPreamble
	l.preambleWindow = [4]byte{}
}

func (l *Layer) resetToLength() {
	l.state = stateLength
	l.lengthIdx = 0
}

func (l *Layer) resetToBody(bodyLen uint32) {
	l.state = stateBody
	l.bodyRemaining = bodyLen
	l.cobsDec = cobs.NewDecoder(XORMask)
	l.headerLen = 0
	l.tailLen = 0
	l.hasher = 0
}

// Poll feeds one raw byte from the wire into the decoder.
func (l *Layer) Poll(raw byte) (Output, error) {
	switch l.state {
	case stateSeekPreamble:
		copy(l.preambleWindow[:3], l.preambleWindow[1:])
		l.preambleWindow[3] = raw
		if l.preambleWindow == Preamble {
			l.resetToLength()
		}
		return Output{Kind: Skip}, nil

	case stateLength:
		if raw&0xc0 != 0xc0 {
			err := &ErrLengthInvalid{Digit: l.lengthIdx}
			l.resetToSeek()
			return Output{Kind: Skip}, err
		}
		l.lengthBuf[l.lengthIdx] = raw
		l.lengthIdx++
		if l.lengthIdx < 4 {
			return Output{Kind: Skip}, nil
		}
		bodyLen, err := DecodeLength(l.lengthBuf)
		if err != nil {
			l.resetToSeek()
			return Output{Kind: Skip}, err
		}
		l.resetToBody(bodyLen)
		return Output{Kind: Skip}, nil

	case stateBody:
		return l.pollBody(raw)
	}
	panic("frame: unreachable state")
}

func (l *Layer) pollBody(raw byte) (Output, error) {
	if l.bodyRemaining == 0 {
		l.resetToSeek()
		return Output{Kind: Skip}, ErrFrameTooShort
	}
	l.bodyRemaining--

	state, b, err := l.cobsDec.Feed(raw)
	if err != nil {
		l.resetToSeek()
		return Output{Kind: Skip}, err
	}

	switch state {
	case cobs.StateSkip:
		if l.bodyRemaining == 0 {
			l.resetToSeek()
			return Output{Kind: Skip}, ErrFrameTooShort
		}
		return Output{Kind: Skip}, nil

	case cobs.StateByte:
		out, crcErr := l.acceptDecodedByte(b)
		if l.bodyRemaining == 0 && crcErr == nil {
			// Body exhausted but the COBS decoder never signalled the
			// delimiter: malformed frame.
			l.resetToSeek()
			return out, ErrFrameTooShort
		}
		return out, crcErr

	case cobs.StateFinished:
		out, err := l.finish()
		l.resetToSeek()
		return out, err
	}
	panic("frame: unreachable cobs state")
}

// acceptDecodedByte threads a freshly decoded byte through the 4-byte
// header collector and then the CRC tail window, returning the Header event
// once the type is complete, or a Payload event for every byte the tail
// window evicts.
func (l *Layer) acceptDecodedByte(b byte) (Output, error) {
	if l.headerLen < typeSize {
		l.headerBuf[l.headerLen] = b
		l.headerLen++
		l.hasher = crc32.Update(l.hasher, crc32.IEEETable, []byte{b})
		if l.headerLen == typeSize {
			return Output{Kind: Header, Type: binary.LittleEndian.Uint32(l.headerBuf[:])}, nil
		}
		return Output{Kind: Skip}, nil
	}

	if l.tailLen < crcSize {
		l.tail[l.tailLen] = b
		l.tailLen++
		return Output{Kind: Skip}, nil
	}

	// Tail window full: the oldest tail byte is now confirmed payload.
	evicted := l.tail[0]
	copy(l.tail[:crcSize-1], l.tail[1:])
	l.tail[crcSize-1] = b
	l.hasher = crc32.Update(l.hasher, crc32.IEEETable, []byte{evicted})
	return Output{Kind: Payload, Byte: evicted}, nil
}

func (l *Layer) finish() (Output, error) {
	if l.headerLen < typeSize || l.tailLen < crcSize {
		return Output{Kind: Skip}, ErrFrameTooShort
	}
	expected := binary.LittleEndian.Uint32(l.tail[:])
	if expected != l.hasher {
		return Output{Kind: Skip}, &ErrCrcMismatch{Expected: expected, Got: l.hasher}
	}
	return Output{Kind: Finished}, nil
}

// EncodeFrame builds a complete on-wire frame (preamble, length, COBS body,
// delimiter) for msgType and payload.
func EncodeFrame(msgType uint32, payload []byte) []byte {
	body := make([]byte, 0, typeSize+len(payload)+crcSize)
	var typeBuf [typeSize]byte
	binary.LittleEndian.PutUint32(typeBuf[:], msgType)
	body = append(body, typeBuf[:]...)
	body = append(body, payload...)

	crc := crc32.ChecksumIEEE(body)
	var crcBuf [crcSize]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	body = append(body, crcBuf[:]...)

	encodedBody := cobs.Encode(body, XORMask)

	length, err := EncodeLength(uint32(len(encodedBody)))
	if err != nil {
		// Callers never pass a payload large enough to overflow the
		// 24-bit length field; the receive/transmit buffers are sized
		// well under that ceiling.
		panic(err)
	}

	out := make([]byte, 0, len(Preamble)+len(length)+len(encodedBody))
	out = append(out, Preamble[:]...)
	out = append(out, length[:]...)
	out = append(out, encodedBody...)
	return out
}
