// Package proto is the message catalog: the closed set of tags and payload
// schemas exchanged over a pkg/frame connection. Every payload except
// PrintString is encoded with deterministic (canonical) CBOR so both sides
// agree on a byte-exact wire form without hand-rolled field packing.
package proto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Tag identifies a message's payload schema. Values are stable and drawn
// from a closed enumeration; a tag never changes schema across versions.
type Tag uint32

const (
	TagPrintString      Tag = 1
	TagProbe            Tag = 201
	TagAllowedVersions   Tag = 202
	TagUseVersion       Tag = 203
	TagMetadataReq      Tag = 301
	TagMetadata         Tag = 302
	TagMetadataAck      Tag = 303
	TagMetadataAckAck   Tag = 304
	TagChunkReq         Tag = 401
	TagChunk            Tag = 402
	TagBooting          Tag = 501
	TagBootingAck       Tag = 502
)

func (t Tag) String() string {
	switch t {
	case TagPrintString:
		return "PrintString"
	case TagProbe:
		return "Probe"
	case TagAllowedVersions:
		return "AllowedVersions"
	case TagUseVersion:
		return "UseVersion"
	case TagMetadataReq:
		return "MetadataReq"
	case TagMetadata:
		return "Metadata"
	case TagMetadataAck:
		return "MetadataAck"
	case TagMetadataAckAck:
		return "MetadataAckAck"
	case TagChunkReq:
		return "ChunkReq"
	case TagChunk:
		return "Chunk"
	case TagBooting:
		return "Booting"
	case TagBootingAck:
		return "BootingAck"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

// ErrUnknownTag is returned by Decode when the wire carries a tag this
// catalog does not recognize.
type ErrUnknownTag struct{ Tag Tag }

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("proto: unknown message tag %s", e.Tag)
}

var encMode = func() cbor.EncMode {
	// Canonical encoding (RFC 7049 §3.9-ish core determinism profile, as
	// fxamacker/cbor calls it) so identical values always serialize to
	// identical bytes — required since the frame's CRC-32 covers this
	// encoded form.
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// --- Device -> Host ---

// PrintString carries a line of human-readable diagnostic text. Unlike
// every other message it is NOT CBOR-wrapped: its payload is the raw UTF-8
// bytes of the string, because the frame layer already supplies the length.
type PrintString struct {
	Text string
}

// AllowedVersions announces which protocol versions the device can speak.
type AllowedVersions struct {
	Versions []uint32 `cbor:"versions"`
}

// MetadataReq asks the host to (re)send program Metadata.
type MetadataReq struct{}

// MetadataAck echoes the received Metadata back for confirmation, alongside
// the chunk size the device wants the host to use.
type MetadataAck struct {
	ChunkSize uint32   `cbor:"chunk_size"`
	Metadata  Metadata `cbor:"metadata"`
}

// ChunkReq asks the host to transmit the chunk at Index.
type ChunkReq struct {
	Index uint32 `cbor:"which"`
}

// Booting signals that the device has finished downloading and verifying
// and is about to jump to the loaded program.
type Booting struct{}

// --- Host -> Device ---

// Probe tells the device a host has arrived; the device replies with
// AllowedVersions.
type Probe struct{}

// UseVersion selects the protocol version (and, implicitly, baud rate) for
// the rest of the session.
type UseVersion struct {
	Version uint32 `cbor:"version"`
}

// Metadata describes the program image about to be transferred.
type Metadata struct {
	LoadAddress      uint32 `cbor:"load_addr"`
	CompressedLen    uint32 `cbor:"compressed_len"`
	DecompressedLen  uint32 `cbor:"decompressed_len"`
	CompressedCrc    uint32 `cbor:"compressed_crc"`
	DecompressedCrc  uint32 `cbor:"decompressed_crc"`
}

// MetadataAckAck confirms (or rejects) the device's MetadataAck.
type MetadataAckAck struct {
	IsOK bool `cbor:"is_ok"`
}

// Chunk carries one slice of the program image.
type Chunk struct {
	Index uint32 `cbor:"which"`
	Bytes []byte `cbor:"bytes"`
}

// BootingAck confirms receipt of Booting; the host then switches to its
// passive echo mode.
type BootingAck struct{}

// Encode serializes a message payload for tag into wire bytes, ready to
// hand to frame.EncodeFrame.
func Encode(tag Tag, payload interface{}) ([]byte, error) {
	if tag == TagPrintString {
		ps, ok := payload.(PrintString)
		if !ok {
			return nil, fmt.Errorf("proto: PrintString tag requires a PrintString payload, got %T", payload)
		}
		return []byte(ps.Text), nil
	}
	b, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("proto: marshal %s: %w", tag, err)
	}
	return b, nil
}

// Decode deserializes wire bytes for tag into a fresh payload value of the
// matching type, returned as interface{}; callers type-switch on the
// result.
func Decode(tag Tag, wire []byte) (interface{}, error) {
	switch tag {
	case TagPrintString:
		return PrintString{Text: string(wire)}, nil
	case TagProbe:
		var v Probe
		return v, unmarshal(wire, &v)
	case TagAllowedVersions:
		var v AllowedVersions
		return v, unmarshal(wire, &v)
	case TagUseVersion:
		var v UseVersion
		return v, unmarshal(wire, &v)
	case TagMetadataReq:
		var v MetadataReq
		return v, unmarshal(wire, &v)
	case TagMetadata:
		var v Metadata
		return v, unmarshal(wire, &v)
	case TagMetadataAck:
		var v MetadataAck
		return v, unmarshal(wire, &v)
	case TagMetadataAckAck:
		var v MetadataAckAck
		return v, unmarshal(wire, &v)
	case TagChunkReq:
		var v ChunkReq
		return v, unmarshal(wire, &v)
	case TagChunk:
		var v Chunk
		return v, unmarshal(wire, &v)
	case TagBooting:
		var v Booting
		return v, unmarshal(wire, &v)
	case TagBootingAck:
		var v BootingAck
		return v, unmarshal(wire, &v)
	default:
		return nil, &ErrUnknownTag{Tag: tag}
	}
}

func unmarshal(wire []byte, out interface{}) error {
	if err := cbor.Unmarshal(wire, out); err != nil {
		return fmt.Errorf("proto: unmarshal: %w", err)
	}
	return nil
}
