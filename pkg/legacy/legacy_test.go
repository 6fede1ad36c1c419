package legacy

import (
	"hash/crc32"
	"io"
	"testing"

	"github.com/armboot/fwlink/pkg/memspace"
)

// halfDuplex pairs a read side and a write side of two independent pipes
// into a single io.ReadWriter, so the device and host sessions can talk to
// each other concurrently without sharing a single non-thread-safe buffer.
type halfDuplex struct {
	r io.Reader
	w io.Writer
}

func (h halfDuplex) Read(p []byte) (int, error)  { return h.r.Read(p) }
func (h halfDuplex) Write(p []byte) (int, error) { return h.w.Write(p) }

func newLinkedPair() (host, device halfDuplex) {
	hostReader, deviceWriter := io.Pipe()
	deviceReader, hostWriter := io.Pipe()
	host = halfDuplex{r: hostReader, w: hostWriter}
	device = halfDuplex{r: deviceReader, w: deviceWriter}
	return
}

func TestLegacySessionNoRelocation(t *testing.T) {
	hostSide, deviceSide := newLinkedPair()

	program := make([]byte, 4096)
	for i := range program {
		program[i] = byte(i * 7)
	}
	info := ProgInfo{
		LoadAddress: 0x08000000,
		Length:      uint32(len(program)),
		Crc:         crc32.ChecksumIEEE(program),
	}
	mem := memspace.NewMemory(0x08000000, len(program))

	type deviceResult struct {
		ok  bool
		err error
	}
	deviceDone := make(chan deviceResult, 1)
	go func() {
		// The device's polling loop would normally notice PUT_PROG_INFO
		// itself; here we consume it directly since this test exercises
		// only the legacy exchange, not the outer state machine.
		tok, err := ReadToken(deviceSide)
		if err != nil {
			deviceDone <- deviceResult{false, err}
			return
		}
		if tok != TokenPutProgInfo {
			deviceDone <- deviceResult{false, &unexpectedTokenError{tok}}
			return
		}
		_, ok, err := RunDeviceSession(deviceSide, mem, 0x00020000)
		deviceDone <- deviceResult{ok, err}
	}()

	var printed []string
	err := RunHostSession(hostSide, info, program, func(s string) { printed = append(printed, s) })
	if err != nil {
		t.Fatalf("RunHostSession: %v", err)
	}

	res := <-deviceDone
	if res.err != nil {
		t.Fatalf("RunDeviceSession: %v", res.err)
	}
	if !res.ok {
		t.Fatalf("expected CRC to verify")
	}

	got, err := mem.ReadAt(0x08000000, len(program))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range program {
		if got[i] != program[i] {
			t.Fatalf("program mismatch at %d: got %#x want %#x", i, got[i], program[i])
		}
	}
}

func TestLegacySessionWithRelocation(t *testing.T) {
	hostSide, deviceSide := newLinkedPair()

	program := make([]byte, 0x10000)
	for i := range program {
		program[i] = byte(i)
	}
	info := ProgInfo{
		LoadAddress: 0x8000,
		Length:      uint32(len(program)),
		Crc:         crc32.ChecksumIEEE(program),
	}
	mem := memspace.NewMemory(0, 0x30000)

	type deviceResult struct {
		ok  bool
		err error
	}
	deviceDone := make(chan deviceResult, 1)
	go func() {
		tok, err := ReadToken(deviceSide)
		if err != nil {
			deviceDone <- deviceResult{false, err}
			return
		}
		if tok != TokenPutProgInfo {
			deviceDone <- deviceResult{false, &unexpectedTokenError{tok}}
			return
		}
		_, ok, err := RunDeviceSession(deviceSide, mem, 0x10000)
		deviceDone <- deviceResult{ok, err}
	}()

	err := RunHostSession(hostSide, info, program, nil)
	if err != nil {
		t.Fatalf("RunHostSession: %v", err)
	}
	res := <-deviceDone
	if res.err != nil {
		t.Fatalf("RunDeviceSession: %v", res.err)
	}
	if !res.ok {
		t.Fatalf("expected CRC to verify")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		WriteToken(pw, TokenBootSuccess)
		pw.Close()
	}()
	tok, err := ReadToken(pr)
	if err != nil {
		t.Fatalf("ReadToken: %v", err)
	}
	if tok != TokenBootSuccess {
		t.Fatalf("got %s want %s", tok, TokenBootSuccess)
	}
}

func TestPrintStringRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		WritePrintString(pw, "relocating bootloader")
		pw.Close()
	}()
	tok, err := ReadToken(pr)
	if err != nil {
		t.Fatalf("ReadToken: %v", err)
	}
	if tok != TokenPrintString {
		t.Fatalf("got %s want PRINT_STRING", tok)
	}
	body, err := ReadPrintStringBody(pr)
	if err != nil {
		t.Fatalf("ReadPrintStringBody: %v", err)
	}
	if body != "relocating bootloader" {
		t.Fatalf("got %q", body)
	}
}

type unexpectedTokenError struct{ got Token }

func (e *unexpectedTokenError) Error() string {
	return "legacy_test: unexpected token " + e.got.String()
}
