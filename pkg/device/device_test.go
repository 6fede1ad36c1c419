package device

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/armboot/fwlink/pkg/frame"
	"github.com/armboot/fwlink/pkg/legacy"
	"github.com/armboot/fwlink/pkg/memspace"
	"github.com/armboot/fwlink/pkg/proto"
)

// memTransport is an in-process duplex Transport: writes to one side land in
// its peer's inbox. Read polls its inbox against a deadline the same way
// ystepanoff-nrfcomm's stub driver's Rx(timeout) does, just event-driven
// instead of sleep-polled.
type memTransport struct {
	mu    sync.Mutex
	inbox []byte
	peer  *memTransport

	notify chan struct{}

	readTimeout time.Duration
	baud        uint32
}

func newMemTransportPair() (a, b *memTransport) {
	a = &memTransport{notify: make(chan struct{}, 1)}
	b = &memTransport{notify: make(chan struct{}, 1)}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *memTransport) Write(p []byte) (int, error) {
	peer := t.peer
	peer.mu.Lock()
	peer.inbox = append(peer.inbox, p...)
	peer.mu.Unlock()
	select {
	case peer.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (t *memTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	if len(t.inbox) > 0 {
		n := copy(p, t.inbox)
		t.inbox = t.inbox[n:]
		t.mu.Unlock()
		return n, nil
	}
	timeout := t.readTimeout
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.notify:
		t.mu.Lock()
		defer t.mu.Unlock()
		if len(t.inbox) == 0 {
			return 0, ErrByteTimeout
		}
		n := copy(p, t.inbox)
		t.inbox = t.inbox[n:]
		return n, nil
	case <-timer.C:
		return 0, ErrByteTimeout
	}
}

func (t *memTransport) SetReadTimeout(d time.Duration) error {
	t.mu.Lock()
	t.readTimeout = d
	t.mu.Unlock()
	return nil
}

func (t *memTransport) SetBaud(baud uint32) error {
	t.mu.Lock()
	t.baud = baud
	t.mu.Unlock()
	return nil
}

// testHost is a minimal scripted host driver built directly on proto/frame,
// standing in for pkg/hostlink in these state-machine tests.
type testHost struct {
	t  *testing.T
	tp *memTransport
}

func newTestHost(t *testing.T, tp *memTransport) *testHost {
	tp.SetReadTimeout(200 * time.Millisecond)
	return &testHost{t: t, tp: tp}
}

func (h *testHost) send(tag proto.Tag, payload interface{}) {
	h.t.Helper()
	wire, err := proto.Encode(tag, payload)
	if err != nil {
		h.t.Fatalf("host: encode %s: %v", tag, err)
	}
	if _, err := h.tp.Write(frame.EncodeFrame(uint32(tag), wire)); err != nil {
		h.t.Fatalf("host: write %s: %v", tag, err)
	}
}

// recv blocks (up to an overall test deadline) for the next complete,
// non-diagnostic frame, transparently skipping any PrintString log lines
// along the way — logf can emit one ahead of almost any protocol reply, the
// same way legacy.scanForToken treats PRINT_STRING as out-of-band.
func (h *testHost) recv(overall time.Duration) (proto.Tag, interface{}) {
	h.t.Helper()
	deadline := time.Now().Add(overall)
	for {
		tag, msg := h.recvOne(deadline)
		if tag == proto.TagPrintString {
			continue
		}
		return tag, msg
	}
}

// recvOne blocks for exactly the next complete frame, including
// PrintString, decoding it via the same frame/proto layers the device
// itself uses.
func (h *testHost) recvOne(deadline time.Time) (proto.Tag, interface{}) {
	h.t.Helper()
	layer := frame.NewLayer()
	var curType uint32
	var payload []byte
	var b [1]byte
	for {
		if time.Now().After(deadline) {
			h.t.Fatalf("host: timed out waiting for a frame")
		}
		n, err := h.tp.Read(b[:])
		if err == ErrByteTimeout {
			continue
		}
		if err != nil {
			h.t.Fatalf("host: read: %v", err)
		}
		if n == 0 {
			continue
		}
		out, ferr := layer.Poll(b[0])
		if ferr != nil {
			h.t.Fatalf("host: framing error: %v", ferr)
		}
		switch out.Kind {
		case frame.Header:
			curType = out.Type
		case frame.Payload:
			payload = append(payload, out.Byte)
		case frame.Finished:
			tag := proto.Tag(curType)
			msg, err := proto.Decode(tag, payload)
			if err != nil {
				h.t.Fatalf("host: decode %s: %v", tag, err)
			}
			return tag, msg
		}
	}
}

func (h *testHost) expect(wantTag proto.Tag, overall time.Duration) interface{} {
	h.t.Helper()
	tag, msg := h.recv(overall)
	if tag != wantTag {
		h.t.Fatalf("host: expected %s, got %s", wantTag, tag)
	}
	return msg
}

// newTestDevice constructs a Device over a fresh loopback pair, returning
// the Device, the host-facing transport end, and the launcher it will
// record a jump into. Using 9600 baud keeps the derived byte/session
// timeouts generous (milliseconds to seconds) regardless of how quickly the
// test goroutines get scheduled.
func newTestDevice(t *testing.T, cfg Config) (*Device, *testHost, *memspace.RecordingLauncher) {
	t.Helper()
	devSide, hostSide := newMemTransportPair()
	launcher := &memspace.RecordingLauncher{}
	cfg.Launcher = launcher
	if cfg.InitialBaud == 0 {
		cfg.InitialBaud = 9600
	}
	d, err := New(devSide, cfg)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	return d, newTestHost(t, hostSide), launcher
}

// startDevice runs d.Run in the background. Some scenarios (a bad CRC
// resetting to Idle) never reach a terminal state by design — Run loops
// forever waiting for the next session, exactly like the real firmware
// does on hardware — so completion is only asserted where the test
// actually expects one, via waitForBoot.
func startDevice(d *Device) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run() }()
	return done
}

func waitForBoot(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatalf("device.Run did not finish within %v", timeout)
		return nil
	}
}

func fakeImage(n int, seed byte) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i) + seed
	}
	return img
}

const recvTimeout = 3 * time.Second

// handshakeAndMetadata drives Probe..MetadataAckAck, leaving the device in
// StateChunks and returning the chunk size it chose.
func handshakeAndMetadata(t *testing.T, h *testHost, md proto.Metadata) uint32 {
	t.Helper()
	h.send(proto.TagProbe, proto.Probe{})
	av := h.expect(proto.TagAllowedVersions, recvTimeout).(proto.AllowedVersions)
	if len(av.Versions) != 1 || av.Versions[0] != SupportedVersion {
		t.Fatalf("unexpected AllowedVersions: %+v", av)
	}

	h.send(proto.TagUseVersion, proto.UseVersion{Version: SupportedVersion})
	h.expect(proto.TagMetadataReq, recvTimeout)

	h.send(proto.TagMetadata, md)
	ack := h.expect(proto.TagMetadataAck, recvTimeout).(proto.MetadataAck)
	if ack.Metadata != md {
		t.Fatalf("MetadataAck echoed %+v, want %+v", ack.Metadata, md)
	}

	h.send(proto.TagMetadataAckAck, proto.MetadataAckAck{IsOK: true})
	return ack.ChunkSize
}

// sendChunks answers every ChunkReq the device makes with the matching
// slice of img, in order, until the device reports Booting.
func sendChunks(t *testing.T, h *testHost, img []byte, chunkSize uint32) {
	t.Helper()
	total := (uint32(len(img)) + chunkSize - 1) / chunkSize
	for {
		tag, msg := h.recv(recvTimeout)
		if tag == proto.TagBooting {
			return
		}
		if tag != proto.TagChunkReq {
			t.Fatalf("expected ChunkReq or Booting, got %s", tag)
		}
		req := msg.(proto.ChunkReq)
		if req.Index >= total {
			t.Fatalf("device requested out-of-range chunk %d (total %d)", req.Index, total)
		}
		start := req.Index * chunkSize
		end := start + chunkSize
		if end > uint32(len(img)) {
			end = uint32(len(img))
		}
		h.send(proto.TagChunk, proto.Chunk{Index: req.Index, Bytes: img[start:end]})
	}
}

func TestHappyPathNoRelocation(t *testing.T) {
	img := fakeImage(1024, 7)
	loadAddr := uint32(0x4000)
	md := proto.Metadata{
		LoadAddress:     loadAddr,
		CompressedLen:   uint32(len(img)),
		DecompressedLen: uint32(len(img)),
		CompressedCrc:   crc32.ChecksumIEEE(img),
		DecompressedCrc: crc32.ChecksumIEEE(img),
	}

	d, h, launcher := newTestDevice(t, Config{
		MemoryBase:    0,
		MemorySize:    0x10000,
		BootloaderEnd: 0x2000,
	})
	done := startDevice(d)

	chunkSize := handshakeAndMetadata(t, h, md)
	if chunkSize != DefaultChunkSize {
		t.Fatalf("chunk size = %d, want %d", chunkSize, DefaultChunkSize)
	}

	// Stale/out-of-order chunk: answer the first ChunkReq (index 0) with
	// the wrong index first. The device must drop it silently and keep
	// waiting for index 0 rather than advancing or erroring.
	tag, msg := h.recv(recvTimeout)
	if tag != proto.TagChunkReq {
		t.Fatalf("expected initial ChunkReq, got %s", tag)
	}
	firstReq := msg.(proto.ChunkReq)
	if firstReq.Index != 0 {
		t.Fatalf("first ChunkReq index = %d, want 0", firstReq.Index)
	}
	h.send(proto.TagChunk, proto.Chunk{Index: 99, Bytes: []byte{0xff}})

	// No ChunkReq should be re-emitted in immediate response to the stale
	// chunk; the very next host-visible message is still a request for
	// chunk 0, reached only via the byte-read-timeout retransmit path or
	// by us now supplying the real chunk 0 directly. Supplying it now
	// proves the state machine never advanced past index 0.
	h.send(proto.TagChunk, proto.Chunk{Index: 0, Bytes: img[0:DefaultChunkSize]})

	sendChunks(t, h, img, DefaultChunkSize)

	h.send(proto.TagBootingAck, proto.BootingAck{})

	if err := waitForBoot(t, done, 5*time.Second); err != nil {
		t.Fatalf("device.Run returned error: %v", err)
	}
	if d.State() != StateBooting {
		t.Fatalf("final state = %s, want Booting", d.State())
	}
	if len(launcher.Entries) != 1 || launcher.Entries[0] != memspace.Address(loadAddr) {
		t.Fatalf("launcher jumped to %v, want [%#x]", launcher.Entries, loadAddr)
	}
}

func TestRelocationRequired(t *testing.T) {
	const (
		loadAddr      = uint32(0x1000)
		bootloaderEnd = memspace.Address(0x6000)
		imageLen      = uint32(0x4000)
		chunkSize     = uint32(4096)
	)
	img := fakeImage(int(imageLen), 3)
	md := proto.Metadata{
		LoadAddress:     loadAddr,
		CompressedLen:   imageLen,
		DecompressedLen: imageLen,
		CompressedCrc:   crc32.ChecksumIEEE(img),
		DecompressedCrc: crc32.ChecksumIEEE(img),
	}

	d, h, launcher := newTestDevice(t, Config{
		MemoryBase:    0,
		MemorySize:    0xD000,
		BootloaderEnd: bootloaderEnd,
		ChunkSize:     chunkSize,
	})
	done := startDevice(d)

	gotChunkSize := handshakeAndMetadata(t, h, md)
	if gotChunkSize != chunkSize {
		t.Fatalf("chunk size = %d, want %d", gotChunkSize, chunkSize)
	}
	sendChunks(t, h, img, chunkSize)
	h.send(proto.TagBootingAck, proto.BootingAck{})

	if err := waitForBoot(t, done, 5*time.Second); err != nil {
		t.Fatalf("device.Run returned error: %v", err)
	}
	if !d.plan.NeedsRelocation {
		t.Fatalf("expected relocation plan to require staging")
	}
	if len(launcher.Entries) != 1 || launcher.Entries[0] != memspace.Address(loadAddr) {
		t.Fatalf("launcher jumped to %v, want [%#x] (final_entry, not stub_entry)", launcher.Entries, loadAddr)
	}

	final, err := d.mem.ReadAt(memspace.Address(loadAddr), int(imageLen))
	if err != nil {
		t.Fatalf("ReadAt final destination: %v", err)
	}
	if !bytes.Equal(final, img) {
		t.Fatalf("staged bytes were not copied back to the final load address")
	}
}

func TestBadImageCrcResetsToIdle(t *testing.T) {
	img := fakeImage(512, 1)
	md := proto.Metadata{
		LoadAddress:     0x4000,
		CompressedLen:   uint32(len(img)),
		DecompressedLen: uint32(len(img)),
		CompressedCrc:   crc32.ChecksumIEEE(img),
		DecompressedCrc: crc32.ChecksumIEEE(img) ^ 0xffffffff, // deliberately wrong
	}

	d, h, launcher := newTestDevice(t, Config{
		MemoryBase:    0,
		MemorySize:    0x10000,
		BootloaderEnd: 0x2000,
	})
	startDevice(d)

	chunkSize := handshakeAndMetadata(t, h, md)
	// Drive exactly the expected number of chunk requests by hand: after
	// the last one the device fails verification and never emits Booting
	// (only PrintString diagnostics, which recv skips), so the generic
	// sendChunks — which loops
	// until it sees one of ChunkReq/Booting — would hang waiting for a
	// message that never comes.
	total := (uint32(len(img)) + chunkSize - 1) / chunkSize
	for i := uint32(0); i < total; i++ {
		tag, msg := h.recv(recvTimeout)
		if tag != proto.TagChunkReq {
			t.Fatalf("expected ChunkReq, got %s", tag)
		}
		req := msg.(proto.ChunkReq)
		if req.Index != i {
			t.Fatalf("chunk request out of order: got %d want %d", req.Index, i)
		}
		start := req.Index * chunkSize
		end := start + chunkSize
		if end > uint32(len(img)) {
			end = uint32(len(img))
		}
		h.send(proto.TagChunk, proto.Chunk{Index: req.Index, Bytes: img[start:end]})
	}

	// The device gives up on the bad CRC and falls back to Idle rather
	// than completing the boot handoff; it keeps emitting the legacy
	// idle poll, which we can observe directly instead of waiting on a
	// frame that will never come.
	var pollBuf bytes.Buffer
	legacy.WriteToken(&pollBuf, legacy.TokenGetProgInfo)
	var idlePoll, window [4]byte
	copy(idlePoll[:], pollBuf.Bytes())
	var b [1]byte
	deadline := time.Now().Add(recvTimeout)
	for window != idlePoll && time.Now().Before(deadline) {
		n, err := h.tp.Read(b[:])
		if err == ErrByteTimeout {
			continue
		}
		if err != nil {
			t.Fatalf("host: read: %v", err)
		}
		if n == 1 {
			copy(window[:3], window[1:])
			window[3] = b[0]
		}
	}
	if window != idlePoll {
		t.Fatalf("device never emitted its idle GET_PROG_INFO poll after the bad CRC")
	}
	if d.State() != StateIdle {
		t.Fatalf("state after bad CRC = %s, want Idle", d.State())
	}
	if len(launcher.Entries) != 0 {
		t.Fatalf("launcher should not have been invoked on a CRC mismatch, got %v", launcher.Entries)
	}
}

func TestLegacyFallback(t *testing.T) {
	img := fakeImage(256, 9)
	loadAddr := memspace.Address(0x4000)
	info := legacy.ProgInfo{LoadAddress: loadAddr, Length: uint32(len(img)), Crc: crc32.ChecksumIEEE(img)}

	d, h, launcher := newTestDevice(t, Config{
		MemoryBase:    0,
		MemorySize:    0x10000,
		BootloaderEnd: 0x2000,
		InitialBaud:   300,
	})
	done := startDevice(d)

	errCh := make(chan error, 1)
	go func() {
		errCh <- legacy.RunHostSession(h.tp, info, img, nil)
	}()

	if err := waitForBoot(t, done, 5*time.Second); err != nil {
		t.Fatalf("device.Run returned error: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("legacy.RunHostSession: %v", err)
	}
	if d.State() != StateLegacyPath {
		t.Fatalf("final state = %s, want LegacyPath", d.State())
	}
	if len(launcher.Entries) != 1 || launcher.Entries[0] != loadAddr {
		t.Fatalf("launcher jumped to %v, want [%#x]", launcher.Entries, loadAddr)
	}
}

func TestTimeoutsScaleWithBaud(t *testing.T) {
	slow := NewTimeouts(9600)
	fast := NewTimeouts(115200)
	if slow.ByteRead <= fast.ByteRead {
		t.Fatalf("slower baud should yield a longer byte-read timeout: slow=%v fast=%v", slow.ByteRead, fast.ByteRead)
	}
	if slow.SessionExpires <= fast.SessionExpires {
		t.Fatalf("slower baud should yield a longer session-expiry timeout: slow=%v fast=%v", slow.SessionExpires, fast.SessionExpires)
	}
	// At 115200 8-N-1 the byte rate is 11520 B/s; 2 byte-times round up to
	// 174us exactly, matching the reference formula in
	// original_source/device/lab4-common/src/timeouts.rs.
	if fast.ByteRead != 174*time.Microsecond {
		t.Fatalf("ByteRead at 115200 baud = %v, want 174us", fast.ByteRead)
	}
}

func TestLogfTruncatesLongLines(t *testing.T) {
	devSide, hostSide := newMemTransportPair()
	d, err := New(devSide, Config{MemoryBase: 0, MemorySize: 0x1000, BootloaderEnd: 0x100, InitialBaud: 9600})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	hostSide.SetReadTimeout(200 * time.Millisecond)

	long := ""
	for i := 0; i < 64; i++ {
		long += "0123456789"
	}
	d.logf("%s", long)
	if err := d.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	h := &testHost{t: t, tp: hostSide}
	_, msg := h.recvOne(time.Now().Add(recvTimeout))
	ps, ok := msg.(proto.PrintString)
	if !ok {
		// logf always sends TagPrintString and recvOne decodes it via
		// proto.Decode, so any other type means the wrong tag was sent.
		t.Fatalf("expected a PrintString message, got %T", msg)
	}
	if len(ps.Text) == 0 || ps.Text[len(ps.Text)-1] != '$' {
		t.Fatalf("expected a truncation marker at the end of an overlong log line, got %q", ps.Text)
	}
}

func TestErrCrcMismatchIsDistinct(t *testing.T) {
	// Sanity check that device's own ErrCrcMismatch sentinel does not match
	// an unrelated error under errors.Is.
	if errors.Is(ErrCrcMismatch, fmt.Errorf("unrelated")) {
		t.Fatalf("ErrCrcMismatch should not match an unrelated error")
	}
}
