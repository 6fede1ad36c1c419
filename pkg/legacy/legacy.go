// Package legacy implements the older byte-oriented fallback protocol: a
// fixed set of 32-bit little-endian command tokens exchanged directly over
// the wire, with no framing, COBS, or CBOR involved. It exists purely so a
// host that doesn't speak the current wire protocol can still push a
// program onto the device.
package legacy

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/armboot/fwlink/pkg/memspace"
	"github.com/armboot/fwlink/pkg/relocate"
)

// Token is one of the eight fixed legacy command words.
type Token uint32

const (
	TokenGetProgInfo Token = 0x11112222
	TokenPutProgInfo Token = 0x33334444
	TokenGetCode     Token = 0x55556666
	TokenPutCode     Token = 0x77778888
	TokenBootSuccess Token = 0x9999AAAA
	TokenBootError   Token = 0xBBBBCCCC
	TokenPrintString Token = 0xDDDDEEEE
	// TokenBootStart is part of the closed token set but, matching the
	// protocol this was distilled from, is never emitted or waited on by
	// RunDeviceSession or RunHostSession: no known legacy host
	// implementation sends it.
	TokenBootStart Token = 0xFFFF0000
)

func (t Token) String() string {
	switch t {
	case TokenGetProgInfo:
		return "GET_PROG_INFO"
	case TokenPutProgInfo:
		return "PUT_PROG_INFO"
	case TokenGetCode:
		return "GET_CODE"
	case TokenPutCode:
		return "PUT_CODE"
	case TokenBootSuccess:
		return "BOOT_SUCCESS"
	case TokenBootError:
		return "BOOT_ERROR"
	case TokenPrintString:
		return "PRINT_STRING"
	case TokenBootStart:
		return "BOOT_START"
	default:
		return fmt.Sprintf("Token(%#08x)", uint32(t))
	}
}

// ProgInfo is the program-info record exchanged right after PUT_PROG_INFO:
// the target load address, the program's length in bytes, and its CRC-32.
type ProgInfo struct {
	LoadAddress memspace.Address
	Length      uint32
	Crc         uint32
}

// WriteToken writes t as a 4-byte little-endian word.
func WriteToken(w io.Writer, t Token) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(t))
	_, err := w.Write(buf[:])
	return err
}

// ReadToken reads a raw 4-byte little-endian word as a Token. Unrecognized
// values are returned as-is; callers that need to scan a noisy stream for
// a specific token should compare against the named constants.
func ReadToken(r io.Reader) (Token, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return Token(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteProgInfo writes a ProgInfo as three little-endian u32 words, in
// address/length/crc order.
func WriteProgInfo(w io.Writer, info ProgInfo) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(info.LoadAddress))
	binary.LittleEndian.PutUint32(buf[4:8], info.Length)
	binary.LittleEndian.PutUint32(buf[8:12], info.Crc)
	_, err := w.Write(buf[:])
	return err
}

// ReadProgInfo reads a ProgInfo written by WriteProgInfo.
func ReadProgInfo(r io.Reader) (ProgInfo, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ProgInfo{}, err
	}
	return ProgInfo{
		LoadAddress: memspace.Address(binary.LittleEndian.Uint32(buf[0:4])),
		Length:      binary.LittleEndian.Uint32(buf[4:8]),
		Crc:         binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// WritePrintString writes a PRINT_STRING token, its payload's length, and
// the UTF-8 bytes themselves: [PRINT_STRING, len(u32), data].
func WritePrintString(w io.Writer, s string) error {
	if err := WriteToken(w, TokenPrintString); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadPrintStringBody reads the length-prefixed body of a PRINT_STRING
// message, assuming the TokenPrintString word has already been consumed.
func ReadPrintStringBody(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

// ErrCrcMismatch is returned when the program received over the legacy
// path fails its declared CRC-32.
type ErrCrcMismatch struct{ Expected, Got uint32 }

func (e *ErrCrcMismatch) Error() string {
	return fmt.Sprintf("legacy: crc mismatch: expected %#08x got %#08x", e.Expected, e.Got)
}

// RunDeviceSession drives the device side of the legacy fallback, starting
// right after a PUT_PROG_INFO token has already been read off rw (the
// device-side state machine is the one that notices the legacy token and
// dispatches here). It reads the ProgInfo, replies with GET_CODE plus the
// echoed CRC, waits for PUT_CODE, streams the program bytes into mem via a
// freshly computed relocation plan, verifies the CRC, and replies with
// BOOT_SUCCESS or BOOT_ERROR. It returns the plan (for the caller to hand
// to a relocation stub launcher) and whether the CRC matched.
func RunDeviceSession(rw io.ReadWriter, mem *memspace.Memory, bootloaderEnd memspace.Address) (relocate.Plan, bool, error) {
	info, err := ReadProgInfo(rw)
	if err != nil {
		return relocate.Plan{}, false, fmt.Errorf("legacy: read prog info: %w", err)
	}

	plan := relocate.Compute(info.LoadAddress, info.Length, bootloaderEnd)

	if err := WriteToken(rw, TokenGetCode); err != nil {
		return plan, false, fmt.Errorf("legacy: write GET_CODE: %w", err)
	}
	if err := writeU32(rw, info.Crc); err != nil {
		return plan, false, fmt.Errorf("legacy: echo crc: %w", err)
	}

	for {
		tok, err := ReadToken(rw)
		if err != nil {
			return plan, false, fmt.Errorf("legacy: waiting for PUT_CODE: %w", err)
		}
		if tok == TokenPutCode {
			break
		}
	}

	if err := streamInto(rw, mem, plan, info.LoadAddress, info.Length); err != nil {
		return plan, false, err
	}

	crc, ok, err := plan.VerifyIntegrity(mem, info.Crc, info.Length)
	if err != nil {
		return plan, false, fmt.Errorf("legacy: verify integrity: %w", err)
	}
	if !ok {
		_ = WriteToken(rw, TokenBootError)
		return plan, false, &ErrCrcMismatch{Expected: info.Crc, Got: crc}
	}
	if err := WriteToken(rw, TokenBootSuccess); err != nil {
		return plan, true, fmt.Errorf("legacy: write BOOT_SUCCESS: %w", err)
	}
	return plan, true, nil
}

// streamInto reads exactly length bytes from rw and writes them through the
// plan, in two passes when relocation is needed (the overlapping prefix,
// then the stationary tail) so each pass lands entirely on one side of the
// stage-buffer boundary.
func streamInto(r io.Reader, mem *memspace.Memory, plan relocate.Plan, base memspace.Address, length uint32) error {
	if plan.NeedsRelocation {
		head := make([]byte, plan.StageBytes)
		if _, err := io.ReadFull(r, head); err != nil {
			return fmt.Errorf("legacy: read relocated prefix: %w", err)
		}
		if err := plan.WriteBytes(mem, base, head); err != nil {
			return fmt.Errorf("legacy: write relocated prefix: %w", err)
		}
	}
	tailLen := length - plan.StageBytes
	tail := make([]byte, tailLen)
	if _, err := io.ReadFull(r, tail); err != nil {
		return fmt.Errorf("legacy: read stationary tail: %w", err)
	}
	tailAddr := base + memspace.Address(plan.StageBytes)
	if err := plan.WriteBytes(mem, tailAddr, tail); err != nil {
		return fmt.Errorf("legacy: write stationary tail: %w", err)
	}
	return nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// RunHostSession drives the host side: writes PUT_PROG_INFO and the
// program-info record, scans for GET_CODE (ignoring any interleaved
// PRINT_STRING diagnostics) or BOOT_ERROR, verifies the echoed CRC, sends
// PUT_CODE followed by the raw program bytes, and waits for BOOT_SUCCESS or
// BOOT_ERROR. printSink, if non-nil, receives decoded PRINT_STRING bodies.
func RunHostSession(rw io.ReadWriter, info ProgInfo, program []byte, printSink func(string)) error {
	if err := WriteToken(rw, TokenPutProgInfo); err != nil {
		return fmt.Errorf("legacy: write PUT_PROG_INFO: %w", err)
	}
	if err := WriteProgInfo(rw, info); err != nil {
		return fmt.Errorf("legacy: write prog info: %w", err)
	}

	tok, err := scanForToken(rw, printSink, TokenGetCode, TokenBootError)
	if err != nil {
		return fmt.Errorf("legacy: awaiting GET_CODE: %w", err)
	}
	if tok == TokenBootError {
		return fmt.Errorf("legacy: device reported BOOT_ERROR before transfer (address collision)")
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(rw, crcBuf[:]); err != nil {
		return fmt.Errorf("legacy: read echoed crc: %w", err)
	}
	echoed := binary.LittleEndian.Uint32(crcBuf[:])
	if echoed != info.Crc {
		return fmt.Errorf("legacy: echoed crc %#08x does not match sent crc %#08x", echoed, info.Crc)
	}

	if err := WriteToken(rw, TokenPutCode); err != nil {
		return fmt.Errorf("legacy: write PUT_CODE: %w", err)
	}
	if _, err := rw.Write(program); err != nil {
		return fmt.Errorf("legacy: write program bytes: %w", err)
	}

	tok, err = scanForToken(rw, printSink, TokenBootSuccess, TokenBootError)
	if err != nil {
		return fmt.Errorf("legacy: awaiting BOOT_SUCCESS: %w", err)
	}
	if tok == TokenBootError {
		return fmt.Errorf("legacy: device reported BOOT_ERROR after transfer (CRC mismatch)")
	}
	return nil
}

// scanForToken reads the stream one token at a time until it sees one of
// wanted, transparently decoding and forwarding any PRINT_STRING messages
// encountered along the way to printSink.
func scanForToken(r io.Reader, printSink func(string), wanted ...Token) (Token, error) {
	for {
		tok, err := ReadToken(r)
		if err != nil {
			return 0, err
		}
		if tok == TokenPrintString {
			body, err := ReadPrintStringBody(r)
			if err != nil {
				return 0, err
			}
			if printSink != nil {
				printSink(body)
			}
			continue
		}
		for _, w := range wanted {
			if tok == w {
				return tok, nil
			}
		}
	}
}
