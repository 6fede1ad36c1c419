// Package device implements the bootloader-side state machine of spec.md
// §4.6: handshake, metadata exchange, chunked download, CRC verification
// and the handoff into the relocation stub, plus the legacy-path selector
// of §4.7. It is transport-agnostic — it drives an io.ReadWriter-like
// Transport rather than real UART peripheral registers, so the identical
// state machine runs against real hardware and in-process tests alike.
package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/armboot/fwlink/pkg/frame"
	"github.com/armboot/fwlink/pkg/legacy"
	"github.com/armboot/fwlink/pkg/memspace"
	"github.com/armboot/fwlink/pkg/proto"
	"github.com/armboot/fwlink/pkg/relocate"
	"github.com/armboot/fwlink/pkg/txbuf"
)

// SupportedVersion is the only protocol version this implementation
// advertises. The device keeps to a single advertised version rather than
// negotiating among several; pkg/hostlink still picks the highest common
// version from whatever list it receives.
const SupportedVersion uint32 = 2

// DefaultChunkSize is the transfer unit size the device requests during
// metadata exchange absent an overriding Config.ChunkSize.
const DefaultChunkSize uint32 = 256

// idlePollInterval is how often an Idle device emits a legacy
// GET_PROG_INFO poll, matching the reference implementation's
// GET_PROG_INFO_INTERVAL; this is what spec.md §4.6's "Idle | periodic
// tick | emit Probe-poll" entry refers to, and doubles as the selector a
// legacy host watches for (§4.7).
const idlePollInterval = 300 * time.Millisecond

// Transport is everything the state machine needs from the serial link:
// byte-level read/write, a read deadline (so the cooperative loop can poll
// rather than block forever), and a baud-rate switch that takes effect only
// once issued (mirroring go.bug.st/serial's Port, which pkg/hostlink drives
// on the other end of the same wire).
type Transport interface {
	io.Reader
	io.Writer
	// SetReadTimeout bounds the next Read call; a Read that does not
	// complete within timeout must return an error satisfying
	// errors.Is(err, os.ErrDeadlineExceeded) or a transport-specific
	// timeout error the caller recognizes via ErrByteTimeout detection.
	SetReadTimeout(timeout time.Duration) error
	// SetBaud reconfigures the link's baud rate. Callers must have
	// drained all pending writes first (spec.md §4.6 "Baud switch").
	SetBaud(baud uint32) error
}

// ErrByteTimeout is returned by a Transport's Read when no byte arrived
// within the configured read timeout. A Transport may also return it
// wrapped, or return an error matching os.ErrDeadlineExceeded; readByte
// treats all of these as a byte-read timeout. The in-process memTransport
// used by tests returns it directly.
var ErrByteTimeout = fmt.Errorf("device: byte read timed out")

// State is one of the protocol states spec.md §3 names.
type State int

const (
	StateIdle State = iota
	StateAwaitVersion
	StateMetadata
	StateChunks
	StateVerifying
	StateBooting
	StateLegacyPath
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitVersion:
		return "AwaitVersion"
	case StateMetadata:
		return "Metadata"
	case StateChunks:
		return "Chunks"
	case StateVerifying:
		return "Verifying"
	case StateBooting:
		return "Booting"
	case StateLegacyPath:
		return "LegacyPath"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config bundles everything a Device needs at construction: the memory
// window it owns, where the running bootloader ends, and the fixed arena
// sizes spec.md §5 describes (receive/transmit/staging buffers allocated
// contiguously above the bootloader image; the COBS working buffer lives
// inside pkg/cobs and needs no separate allocation here).
type Config struct {
	// MemoryBase/MemorySize describe the simulated physical address
	// window backing Mem, spanning from address 0 (or MemoryBase) through
	// the staging area and beyond the final load address.
	MemoryBase memspace.Address
	MemorySize int
	// BootloaderEnd is the first address past the running bootloader's
	// own image — the ceiling relocate.Compute plans around.
	BootloaderEnd memspace.Address
	// InitialBaud is the baud rate the link starts at before any
	// UseVersion switch (115200 per spec.md §6).
	InitialBaud uint32
	// ChunkSize is the transfer unit the device requests; defaults to
	// DefaultChunkSize if zero.
	ChunkSize uint32
	// TxCapacity sizes the outbound circular buffer.
	TxCapacity int
	// Launcher performs the final jump; defaults to a memspace.RecordingLauncher.
	Launcher memspace.Launcher
	// Logf receives human-readable diagnostics in addition to the
	// PrintString messages sent to the host (e.g. log.Printf); may be nil.
	Logf func(format string, args ...interface{})
}

// Device is one bootloader upload session, created fresh per spec.md §3's
// "Lifecycle" (one per power-on, destroyed on reboot).
type Device struct {
	transport Transport
	mem       *memspace.Memory
	launcher  memspace.Launcher
	cfg       Config

	tx      *txbuf.Buffer
	rxLayer *frame.Layer

	state State
	baud  uint32

	timeouts        Timeouts
	lastByteAt      time.Time
	sessionDeadline time.Time
	lastPollAt      time.Time

	legacyWindow [4]byte

	curMsgType uint32
	curPayload []byte

	md                     proto.Metadata
	chunkSize              uint32
	totalChunks            uint32
	expectedChunk          uint32
	bootEntry              memspace.Address
	plan                   relocate.Plan
	awaitingMetadataAckAck bool

	// done is set once the session has booted or the transport has
	// failed; Run returns after the next iteration observes it.
	done    bool
	bootErr error
}

// New constructs a Device ready to Run over transport.
func New(transport Transport, cfg Config) (*Device, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Launcher == nil {
		cfg.Launcher = &memspace.RecordingLauncher{}
	}
	if cfg.InitialBaud == 0 {
		cfg.InitialBaud = 115200
	}
	if cfg.TxCapacity == 0 {
		cfg.TxCapacity = 4096
	}
	if err := transport.SetBaud(cfg.InitialBaud); err != nil {
		return nil, fmt.Errorf("device: set initial baud: %w", err)
	}
	if err := transport.SetReadTimeout(NewTimeouts(cfg.InitialBaud).ByteRead); err != nil {
		return nil, fmt.Errorf("device: set initial read timeout: %w", err)
	}
	d := &Device{
		transport: transport,
		mem:       memspace.NewMemory(cfg.MemoryBase, cfg.MemorySize),
		launcher:  cfg.Launcher,
		cfg:       cfg,
		tx:        txbuf.New(cfg.TxCapacity),
		rxLayer:   frame.NewLayer(),
		state:     StateIdle,
		baud:      cfg.InitialBaud,
		timeouts:  NewTimeouts(cfg.InitialBaud),
	}
	return d, nil
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.cfg.Logf != nil {
		d.cfg.Logf(format, args...)
	}
	// Format into a capacity-limited scratch buffer first, reusing
	// txbuf's checkpoint/rollback truncation exactly as spec.md §4.3
	// describes, then wrap the (possibly truncated) text as a complete
	// PrintString frame onto the real transmission buffer.
	scratch := txbuf.New(256)
	scratch.Printf(format, args...)
	text := scratch.Drain(scratch.Len())
	if err := d.send(proto.TagPrintString, proto.PrintString{Text: string(text)}); err != nil {
		if d.cfg.Logf != nil {
			d.cfg.Logf("device: failed to send PrintString: %v", err)
		}
	}
}

func (d *Device) send(tag proto.Tag, payload interface{}) error {
	wire, err := proto.Encode(tag, payload)
	if err != nil {
		return fmt.Errorf("device: encode %s: %w", tag, err)
	}
	encoded := frame.EncodeFrame(uint32(tag), wire)
	if !d.tx.Extend(encoded) {
		return fmt.Errorf("device: tx buffer overflow sending %s", tag)
	}
	return d.flush()
}

func (d *Device) flush() error {
	data := d.tx.Drain(d.tx.Len())
	if len(data) == 0 {
		return nil
	}
	_, err := d.transport.Write(data)
	return err
}

// Run drives the cooperative loop until the session boots or the
// transport fails irrecoverably. It returns nil once Booting has been
// handed off to the launcher.
func (d *Device) Run() error {
	d.armSessionDeadline()
	for !d.done {
		if err := d.step(); err != nil {
			return err
		}
	}
	return d.bootErr
}

func (d *Device) armSessionDeadline() {
	d.sessionDeadline = time.Now().Add(d.timeouts.SessionExpires)
}

func (d *Device) resetToIdle(reason string) {
	if d.state != StateIdle {
		d.logf("device: session reset to Idle (%s)", reason)
	}
	d.state = StateIdle
	d.curPayload = nil
	d.curMsgType = 0
	d.legacyWindow = [4]byte{}
	d.armSessionDeadline()
}

func (d *Device) step() error {
	switch d.state {
	case StateLegacyPath:
		return d.runLegacySession()
	case StateBooting:
		return d.boot()
	}

	b, err := d.readByte()
	if err == ErrByteTimeout {
		if d.state != StateIdle && time.Now().After(d.sessionDeadline) {
			d.resetToIdle("session-expires timeout")
		}
		if d.state == StateChunks {
			d.reemitChunkReq()
		}
		if d.state == StateMetadata {
			d.reemitMetadata()
		}
		if d.state == StateIdle {
			d.maybePoll()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("device: transport read: %w", err)
	}

	if d.state == StateIdle {
		copy(d.legacyWindow[:3], d.legacyWindow[1:])
		d.legacyWindow[3] = b
		if d.legacyWindow == legacyPutProgInfoWire {
			// The legacy host reads raw 4-byte tokens, so this notice goes
			// out as a legacy PRINT_STRING rather than a framed PrintString.
			const msg = "device: legacy PUT_PROG_INFO detected, switching to legacy path"
			if d.cfg.Logf != nil {
				d.cfg.Logf("%s", msg)
			}
			if err := legacy.WritePrintString(d.transport, msg); err != nil && d.cfg.Logf != nil {
				d.cfg.Logf("device: failed to send legacy PRINT_STRING: %v", err)
			}
			d.state = StateLegacyPath
			return nil
		}
	}

	out, ferr := d.rxLayer.Poll(b)
	if ferr != nil {
		// Framing errors never propagate above the protocol loop: the
		// decoder has already reset itself to a fresh preamble search.
		d.logf("device: framing error: %v", ferr)
		return nil
	}

	switch out.Kind {
	case frame.Header:
		d.curMsgType = out.Type
		d.curPayload = d.curPayload[:0]
	case frame.Payload:
		d.curPayload = append(d.curPayload, out.Byte)
	case frame.Finished:
		d.dispatch(proto.Tag(d.curMsgType), d.curPayload)
	}
	return nil
}

// legacyPutProgInfoWire is legacy.TokenPutProgInfo as it appears on the
// wire (little-endian), the marker the Idle-state sniff window compares
// against per spec.md §4.7's "checked against two 4-byte markers" selector
// (the other marker, the new protocol's preamble, is already what
// d.rxLayer itself is scanning for).
var legacyPutProgInfoWire = func() [4]byte {
	var w [4]byte
	v := uint32(legacy.TokenPutProgInfo)
	w[0] = byte(v)
	w[1] = byte(v >> 8)
	w[2] = byte(v >> 16)
	w[3] = byte(v >> 24)
	return w
}()

func (d *Device) readByte() (byte, error) {
	var b [1]byte
	n, err := d.transport.Read(b[:])
	if err != nil {
		if errors.Is(err, ErrByteTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ErrByteTimeout
		}
		return 0, err
	}
	if n == 0 {
		return 0, ErrByteTimeout
	}
	d.lastByteAt = time.Now()
	return b[0], nil
}

func (d *Device) dispatch(tag proto.Tag, wire []byte) {
	payload, err := proto.Decode(tag, wire)
	if err != nil {
		d.logf("device: failed to decode %s: %v", tag, err)
		return
	}
	d.armSessionDeadline()

	switch d.state {
	case StateIdle:
		d.handleIdle(tag, payload)
	case StateAwaitVersion:
		d.handleAwaitVersion(tag, payload)
	case StateMetadata:
		d.handleMetadata(tag, payload)
	case StateChunks:
		d.handleChunks(tag, payload)
	default:
		d.logf("device: unexpected message %s in state %s", tag, d.state)
	}
}

func (d *Device) handleIdle(tag proto.Tag, payload interface{}) {
	if tag != proto.TagProbe {
		d.logf("device: in Idle, unexpected message type %s", tag)
		return
	}
	_ = payload.(proto.Probe)
	d.logf("device: received Probe")
	if err := d.send(proto.TagAllowedVersions, proto.AllowedVersions{Versions: []uint32{SupportedVersion}}); err != nil {
		d.logf("device: failed to send AllowedVersions: %v", err)
		return
	}
	d.state = StateAwaitVersion
}

func (d *Device) handleAwaitVersion(tag proto.Tag, payload interface{}) {
	if tag != proto.TagUseVersion {
		d.logf("device: in AwaitVersion, unexpected message type %s", tag)
		d.resetToIdle("unexpected message")
		return
	}
	uv := payload.(proto.UseVersion)
	if uv.Version != SupportedVersion {
		d.logf("device: unsupported version %d requested", uv.Version)
		d.resetToIdle("unsupported version")
		return
	}

	// SupportedVersion is the only version this device advertises, so
	// there is exactly one baud rate to switch to: the one it started
	// at. The switch still goes through flush/SetBaud/SetReadTimeout so
	// a future second version only needs a version->baud lookup here.
	newBaud := d.baud
	d.logf("device: switching baud rate to %d", newBaud)
	if err := d.flush(); err != nil {
		d.logf("device: failed to drain tx before baud switch: %v", err)
		d.resetToIdle("baud switch failed")
		return
	}
	if err := d.transport.SetBaud(newBaud); err != nil {
		d.logf("device: failed to set baud: %v", err)
		d.resetToIdle("baud switch failed")
		return
	}
	d.timeouts = NewTimeouts(newBaud)
	if err := d.transport.SetReadTimeout(d.timeouts.ByteRead); err != nil {
		d.logf("device: failed to set read timeout: %v", err)
	}
	d.state = StateMetadata
	d.requestMetadata()
}

// requestMetadata asks the host to (re)send the program Metadata.
func (d *Device) requestMetadata() {
	if err := d.send(proto.TagMetadataReq, proto.MetadataReq{}); err != nil {
		d.logf("device: failed to send MetadataReq: %v", err)
	}
	d.awaitingMetadataAckAck = false
}

func (d *Device) handleMetadata(tag proto.Tag, payload interface{}) {
	switch tag {
	case proto.TagMetadata:
		md := payload.(proto.Metadata)
		d.md = md
		d.chunkSize = d.cfg.ChunkSize
		if md.DecompressedLen == 0 {
			d.logf("device: rejecting zero-length image")
			d.resetToIdle("zero-length image")
			return
		}
		d.totalChunks = (md.DecompressedLen + d.chunkSize - 1) / d.chunkSize
		d.plan = relocate.Compute(memspace.Address(md.LoadAddress), md.DecompressedLen, d.cfg.BootloaderEnd)
		d.logf("device: metadata received: load=%#08x len=%d chunk_size=%d", md.LoadAddress, md.DecompressedLen, d.chunkSize)
		if err := d.send(proto.TagMetadataAck, proto.MetadataAck{ChunkSize: d.chunkSize, Metadata: md}); err != nil {
			d.logf("device: failed to send MetadataAck: %v", err)
			return
		}
		d.awaitingMetadataAckAck = true
	case proto.TagMetadataAckAck:
		ack := payload.(proto.MetadataAckAck)
		if !ack.IsOK {
			// spec.md §9 Open Question: MetadataAckAck.is_ok == false is
			// never exercised in the source repository; we take the
			// conservative reading and return to Idle rather than
			// guessing at a richer renegotiation.
			d.logf("device: host rejected MetadataAck, returning to Idle")
			d.resetToIdle("metadata rejected")
			return
		}
		d.expectedChunk = 0
		d.state = StateChunks
		d.requestChunk(0)
	default:
		d.logf("device: in Metadata, unexpected message type %s", tag)
	}
}

func (d *Device) requestChunk(index uint32) {
	if err := d.send(proto.TagChunkReq, proto.ChunkReq{Index: index}); err != nil {
		d.logf("device: failed to send ChunkReq(%d): %v", index, err)
		return
	}
	d.expectedChunk = index
}

// maybePoll emits the Idle-state heartbeat: a raw, unframed legacy
// GET_PROG_INFO token, sent at most once per idlePollInterval. It is raw
// rather than a framed Probe-reply because it doubles as the signal a
// legacy-only host watches for — the new-protocol preamble never appears
// on the wire until a new-protocol host actually sends a framed Probe.
func (d *Device) maybePoll() {
	now := time.Now()
	if now.Sub(d.lastPollAt) < idlePollInterval {
		return
	}
	d.lastPollAt = now
	if err := legacy.WriteToken(d.transport, legacy.TokenGetProgInfo); err != nil {
		if d.cfg.Logf != nil {
			d.cfg.Logf("device: failed to emit idle poll: %v", err)
		}
	}
}

// reemitMetadata re-sends whichever request is currently outstanding in
// the Metadata state: MetadataReq if the host hasn't sent Metadata yet, or
// the previously-sent MetadataAck if the device is still waiting on
// MetadataAckAck.
func (d *Device) reemitMetadata() {
	if d.awaitingMetadataAckAck {
		d.logf("device: byte-read timeout, re-sending MetadataAck")
		if err := d.send(proto.TagMetadataAck, proto.MetadataAck{ChunkSize: d.chunkSize, Metadata: d.md}); err != nil {
			d.logf("device: failed to re-send MetadataAck: %v", err)
		}
		return
	}
	d.logf("device: byte-read timeout, re-sending MetadataReq")
	if err := d.send(proto.TagMetadataReq, proto.MetadataReq{}); err != nil {
		d.logf("device: failed to re-send MetadataReq: %v", err)
	}
}

func (d *Device) reemitChunkReq() {
	d.logf("device: byte-read timeout, re-requesting chunk %d", d.expectedChunk)
	if err := d.send(proto.TagChunkReq, proto.ChunkReq{Index: d.expectedChunk}); err != nil {
		d.logf("device: failed to re-send ChunkReq(%d): %v", d.expectedChunk, err)
	}
}

func (d *Device) handleChunks(tag proto.Tag, payload interface{}) {
	if tag != proto.TagChunk {
		d.logf("device: in Chunks, unexpected message type %s", tag)
		return
	}
	chunk := payload.(proto.Chunk)
	if chunk.Index != d.expectedChunk {
		// Stale chunk: dropped without side effect. At most one ChunkReq
		// is outstanding at a time, and progress only advances on a
		// chunk whose index equals the currently-expected one.
		d.logf("device: dropping stale chunk %d (expected %d)", chunk.Index, d.expectedChunk)
		return
	}

	addr := memspace.Address(d.md.LoadAddress) + memspace.Address(chunk.Index*d.chunkSize)
	if err := d.plan.WriteBytes(d.mem, addr, chunk.Bytes); err != nil {
		d.logf("device: failed to write chunk %d: %v", chunk.Index, err)
		d.resetToIdle("chunk write failed")
		return
	}

	next := chunk.Index + 1
	if next >= d.totalChunks {
		d.state = StateVerifying
		d.verify()
		return
	}
	d.requestChunk(next)
}

func (d *Device) verify() {
	crc, ok, err := d.plan.VerifyIntegrity(d.mem, d.md.DecompressedCrc, d.md.DecompressedLen)
	if err != nil {
		d.logf("device: verify integrity: %v", err)
		d.resetToIdle("verification error")
		return
	}
	if !ok {
		d.logf("device: image CRC mismatch: expected %#08x got %#08x", d.md.DecompressedCrc, crc)
		d.resetToIdle("crc mismatch")
		return
	}
	// spec.md §4.5: the stub always branches to final_entry once its copy
	// (if any) is done — invariant 9 holds even when no relocation is
	// needed, where the "stub" is simply a direct jump to base.
	d.bootEntry = d.plan.FinalEntry
	d.logf("device: image verified, booting")
	if err := d.send(proto.TagBooting, proto.Booting{}); err != nil {
		d.logf("device: failed to send Booting: %v", err)
		d.resetToIdle("booting send failed")
		return
	}
	d.state = StateBooting
}

// boot waits for BootingAck and then performs the copy-and-jump handoff: if
// relocation was required, the staged bytes are moved back to their real
// destination before the launcher transfers control to the program's entry
// point, standing in for what the relocation stub's own code does once the
// CPU branches to it (it receives (dst, src, n, entry), copies, and branches
// to entry — §4.5).
func (d *Device) boot() error {
	b, err := d.readByte()
	if err == ErrByteTimeout {
		if time.Now().After(d.sessionDeadline) {
			d.logf("device: timed out waiting for BootingAck")
			d.resetToIdle("BootingAck timeout")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("device: transport read while booting: %w", err)
	}
	out, ferr := d.rxLayer.Poll(b)
	if ferr != nil {
		return nil
	}
	if out.Kind != frame.Finished {
		if out.Kind == frame.Header {
			d.curMsgType = out.Type
		}
		return nil
	}
	if proto.Tag(d.curMsgType) != proto.TagBootingAck {
		d.logf("device: expected BootingAck, got tag %d", d.curMsgType)
		return nil
	}

	if d.plan.NeedsRelocation {
		// Simulates what the relocation stub's own code does once the CPU
		// branches to StubEntry: copy the staged bytes back to their real
		// destination, then fall through to the entry jump below. Nothing
		// here actually executes stub machine code — emulating that copy
		// step is the stand-in for it.
		if err := d.mem.CopyWithinMemory(d.plan.BaseAddress, d.plan.StageBase, int(d.plan.StageBytes)); err != nil {
			d.bootErr = fmt.Errorf("device: relocation copy failed: %w", err)
			d.done = true
			return d.bootErr
		}
	}
	if err := d.launcher.Jump(d.bootEntry); err != nil {
		d.bootErr = fmt.Errorf("device: launcher jump failed: %w", err)
	}
	d.done = true
	return d.bootErr
}

// runLegacySession drains the legacy fallback (§4.7) to completion,
// reusing pkg/legacy's device-side driver directly over the same
// transport, since the legacy path has no framing/COBS layer of its own.
func (d *Device) runLegacySession() error {
	plan, ok, err := legacy.RunDeviceSession(d.transport, d.mem, d.cfg.BootloaderEnd)
	if err != nil {
		d.bootErr = fmt.Errorf("device: legacy session failed: %w", err)
		d.done = true
		return d.bootErr
	}
	if !ok {
		d.bootErr = ErrCrcMismatch
		d.done = true
		return d.bootErr
	}
	entry := plan.FinalEntry
	if plan.NeedsRelocation {
		if err := d.mem.CopyWithinMemory(plan.BaseAddress, plan.StageBase, int(plan.StageBytes)); err != nil {
			d.bootErr = fmt.Errorf("device: legacy relocation copy failed: %w", err)
			d.done = true
			return d.bootErr
		}
	}
	if err := d.launcher.Jump(entry); err != nil {
		d.bootErr = fmt.Errorf("device: legacy launcher jump failed: %w", err)
	}
	d.done = true
	return d.bootErr
}

// State reports the device's current protocol state, chiefly for tests
// and diagnostic logging.
func (d *Device) State() State { return d.state }
