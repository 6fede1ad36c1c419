// Package hostlink is the host-side mirror of pkg/device: it drives the
// same wire protocol (pkg/frame/pkg/proto) from the uploader's side of the
// link, picks between the framed protocol and the legacy fallback
// (pkg/legacy), and hands a verified image off to a device one chunk at a
// time. spec.md §4.8 describes the responsibilities this package
// implements; it mirrors §4.6 in reverse the way pkg/legacy.RunHostSession
// already mirrors RunDeviceSession.
package hostlink

import (
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/armboot/fwlink/pkg/frame"
	"github.com/armboot/fwlink/pkg/legacy"
	"github.com/armboot/fwlink/pkg/proto"
)

// SupportedVersions lists the protocol versions this uploader can speak,
// newest first, so version negotiation can pick the highest entry also
// present in the device's AllowedVersions.
var SupportedVersions = []uint32{2}

// Transport is everything the host driver needs from the serial link,
// mirroring pkg/device.Transport so the identical cooperative-polling
// pattern works on both ends of the wire.
type Transport interface {
	io.Reader
	io.Writer
	SetReadTimeout(timeout time.Duration) error
}

// ErrByteTimeout is returned by a Transport's Read when no byte arrived
// within the configured read timeout.
var ErrByteTimeout = fmt.Errorf("hostlink: byte read timed out")

// ErrNoCommonVersion is returned when the device's AllowedVersions shares no
// entry with SupportedVersions.
var ErrNoCommonVersion = fmt.Errorf("hostlink: device advertised no protocol version this uploader supports")

// ErrMetadataRejected is returned when the device replies to the uploader's
// Metadata with a MetadataAck whose echoed fields don't match what was sent.
var ErrMetadataRejected = fmt.Errorf("hostlink: device echoed metadata that does not match what was sent")

// Config bundles everything a single upload session needs.
type Config struct {
	Image Image

	// Logf receives human-readable progress/diagnostics; may be nil.
	Logf func(format string, args ...interface{})
	// PrintSink additionally receives every device PrintString body
	// verbatim, for callers (pkg/telemetry) that want the raw text rather
	// than a formatted log line.
	PrintSink func(text string)

	// ReadQuantum bounds each individual poll of the transport; defaults
	// to 50ms if zero.
	ReadQuantum time.Duration
	// StepTimeout is how long the driver waits for the next expected
	// message before giving up with ErrByteTimeout; it resets on every
	// message received. Defaults to 5s if zero.
	StepTimeout time.Duration
	// ProbeAttempts is how many framed Probe messages the driver sends,
	// spaced ProbeTimeout apart, before concluding the device only speaks
	// the legacy protocol. Defaults to 5 if zero.
	ProbeAttempts int
	// ProbeTimeout is how long each Probe attempt waits for
	// AllowedVersions before retrying. Defaults to 400ms if zero
	// (comfortably longer than pkg/device's 300ms idle heartbeat, so a
	// legacy device's GET_PROG_INFO poll is seen at least once per
	// attempt).
	ProbeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ReadQuantum == 0 {
		c.ReadQuantum = 50 * time.Millisecond
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 5 * time.Second
	}
	if c.ProbeAttempts == 0 {
		c.ProbeAttempts = 5
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 400 * time.Millisecond
	}
}

func (c *Config) logf(format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// Upload drives a complete session against transport: protocol-branch
// detection, handshake, metadata exchange, chunked transfer, and the
// Booting/BootingAck handoff. It returns once BootingAck has been sent (the
// device is jumping); callers that want the post-boot passive log-echo mode
// of spec.md §4.8 call Echo separately afterward.
func Upload(t Transport, cfg Config) error {
	cfg.setDefaults()

	legacyMode, allowed, err := detectBranch(t, &cfg)
	if err != nil {
		return fmt.Errorf("hostlink: protocol detection: %w", err)
	}

	if legacyMode {
		cfg.logf("hostlink: device only answered the legacy heartbeat, falling back to legacy protocol")
		return runLegacy(t, cfg)
	}

	version, ok := highestCommon(allowed, SupportedVersions)
	if !ok {
		return ErrNoCommonVersion
	}
	cfg.logf("hostlink: negotiated protocol version %d", version)

	return runFramed(t, cfg, version)
}

// highestCommon returns the largest value present in both a and b.
func highestCommon(a, b []uint32) (uint32, bool) {
	set := make(map[uint32]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var best uint32
	found := false
	for _, v := range a {
		if set[v] && (!found || v > best) {
			best = v
			found = true
		}
	}
	return best, found
}

func runLegacy(t Transport, cfg Config) error {
	info := legacy.ProgInfo{
		LoadAddress: memAddress(cfg.Image.LoadAddress),
		Length:      uint32(len(cfg.Image.Bytes)),
		Crc:         cfg.Image.Crc,
	}
	sink := cfg.PrintSink
	if sink == nil {
		sink = func(string) {}
	}
	wrapped := func(text string) {
		cfg.logf("device: %s", text)
		sink(text)
	}
	return legacy.RunHostSession(t, info, cfg.Image.Bytes, wrapped)
}

// detectBranch sends framed Probe messages and waits for AllowedVersions,
// retrying up to cfg.ProbeAttempts times. It reports legacyMode=true only
// once every attempt has gone unanswered: a legacy-only device never
// replies to a framed Probe at all (it has no framing layer), so the
// absence of a reply — not any particular byte pattern — is the signal.
func detectBranch(t Transport, cfg *Config) (legacyMode bool, allowed []uint32, err error) {
	rxLayer := frame.NewLayer()
	probeWire := frame.EncodeFrame(uint32(proto.TagProbe), mustEncode(proto.TagProbe, proto.Probe{}))

	for attempt := 0; attempt < cfg.ProbeAttempts; attempt++ {
		if _, werr := t.Write(probeWire); werr != nil {
			return false, nil, fmt.Errorf("write probe: %w", werr)
		}
		deadline := time.Now().Add(cfg.ProbeTimeout)
		tag, payload, rerr := readFrame(t, rxLayer, cfg, deadline)
		if rerr == ErrByteTimeout {
			continue
		}
		if rerr != nil {
			// A framing error mid-probe likely means we're hearing a
			// legacy device's raw heartbeat bytes, not garbage on an
			// otherwise-silent line; keep retrying rather than failing.
			continue
		}
		if tag == proto.TagAllowedVersions {
			av := payload.(proto.AllowedVersions)
			return false, av.Versions, nil
		}
	}
	return true, nil, nil
}

func runFramed(t Transport, cfg Config, version uint32) error {
	rxLayer := frame.NewLayer()

	if err := writeFrame(t, proto.TagUseVersion, proto.UseVersion{Version: version}); err != nil {
		return fmt.Errorf("write UseVersion: %w", err)
	}

	var chunkSize uint32
	sentHashes := make(map[uint32]uint64)
	deadline := time.Now().Add(cfg.StepTimeout)

	for {
		tag, payload, err := readFrame(t, rxLayer, &cfg, deadline)
		if err != nil {
			return fmt.Errorf("hostlink: %w", err)
		}
		deadline = time.Now().Add(cfg.StepTimeout)

		switch tag {
		case proto.TagMetadataReq:
			md := cfg.Image.metadata()
			if err := writeFrame(t, proto.TagMetadata, md); err != nil {
				return fmt.Errorf("write Metadata: %w", err)
			}

		case proto.TagMetadataAck:
			ack := payload.(proto.MetadataAck)
			want := cfg.Image.metadata()
			ok := ack.Metadata == want
			if ok {
				chunkSize = ack.ChunkSize
				cfg.logf("hostlink: device accepted metadata, chunk size %d", chunkSize)
			} else {
				cfg.logf("hostlink: device echoed mismatched metadata, rejecting")
			}
			if err := writeFrame(t, proto.TagMetadataAckAck, proto.MetadataAckAck{IsOK: ok}); err != nil {
				return fmt.Errorf("write MetadataAckAck: %w", err)
			}
			if !ok {
				return ErrMetadataRejected
			}

		case proto.TagChunkReq:
			req := payload.(proto.ChunkReq)
			data, cerr := cfg.Image.chunk(req.Index, chunkSize)
			if cerr != nil {
				return fmt.Errorf("hostlink: %w", cerr)
			}
			h := xxhash.Sum64(data)
			if prev, seen := sentHashes[req.Index]; seen && prev != h {
				cfg.logf("hostlink: warning: chunk %d differs from its earlier transmission — image changed mid-upload?", req.Index)
			}
			sentHashes[req.Index] = h
			if err := writeFrame(t, proto.TagChunk, proto.Chunk{Index: req.Index, Bytes: data}); err != nil {
				return fmt.Errorf("write Chunk(%d): %w", req.Index, err)
			}

		case proto.TagBooting:
			cfg.logf("hostlink: device booting")
			if err := writeFrame(t, proto.TagBootingAck, proto.BootingAck{}); err != nil {
				return fmt.Errorf("write BootingAck: %w", err)
			}
			return nil

		default:
			cfg.logf("hostlink: ignoring unexpected message %s", tag)
		}
	}
}

func writeFrame(t Transport, tag proto.Tag, payload interface{}) error {
	wire := frame.EncodeFrame(uint32(tag), mustEncode(tag, payload))
	_, err := t.Write(wire)
	return err
}

func mustEncode(tag proto.Tag, payload interface{}) []byte {
	wire, err := proto.Encode(tag, payload)
	if err != nil {
		// Every payload this package constructs is one of proto's own
		// types; a marshal failure here would mean proto itself is
		// broken, not a runtime condition callers can act on.
		panic(err)
	}
	return wire
}

// readFrame polls t one byte at a time through rxLayer, transparently
// forwarding any decoded PrintString to cfg's logf/PrintSink (mirroring how
// pkg/legacy.scanForToken treats PRINT_STRING as out-of-band), until a
// non-PrintString frame completes or deadline passes.
func readFrame(t Transport, rxLayer *frame.Layer, cfg *Config, deadline time.Time) (proto.Tag, interface{}, error) {
	if err := t.SetReadTimeout(cfg.ReadQuantum); err != nil {
		return 0, nil, fmt.Errorf("set read timeout: %w", err)
	}
	var curType uint32
	var curPayload []byte

	for {
		if time.Now().After(deadline) {
			return 0, nil, ErrByteTimeout
		}
		var buf [1]byte
		n, err := t.Read(buf[:])
		if err == ErrByteTimeout {
			// No byte within this quantum; keep polling until the overall
			// deadline, mirroring pkg/device.Device.readByte's treatment of
			// the identical per-quantum/per-session timeout split.
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		if n == 0 {
			continue
		}
		out, ferr := rxLayer.Poll(buf[0])
		if ferr != nil {
			continue
		}
		switch out.Kind {
		case frame.Header:
			curType = out.Type
			curPayload = curPayload[:0]
		case frame.Payload:
			curPayload = append(curPayload, out.Byte)
		case frame.Finished:
			tag := proto.Tag(curType)
			payload, derr := proto.Decode(tag, curPayload)
			if derr != nil {
				continue
			}
			if tag == proto.TagPrintString {
				ps := payload.(proto.PrintString)
				cfg.logf("device: %s", ps.Text)
				if cfg.PrintSink != nil {
					cfg.PrintSink(ps.Text)
				}
				continue
			}
			return tag, payload, nil
		}
	}
}
