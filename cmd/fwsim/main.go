// Command fwsim is an in-process device simulator: it couples pkg/device to
// a simulated memspace.Memory and drives a full upload against pkg/hostlink
// over an in-memory pipe, so the whole protocol — handshake, metadata,
// chunked transfer, relocation, verification, boot handoff — can be
// exercised locally without real hardware, the same role
// original_source/device/*'s standalone binaries play alongside the shared
// protocol crates.
package main

import (
	"flag"
	"log"
	"sync"
	"time"

	"github.com/armboot/fwlink/pkg/device"
	"github.com/armboot/fwlink/pkg/hostlink"
	"github.com/armboot/fwlink/pkg/memspace"
)

var (
	imagePath     = flag.String("image", "", "Program image to upload (required)")
	objectType    = flag.String("override-object-type", "", "Force image interpretation: \"elf\" or \"bin\"")
	loadAddress   = flag.String("load-address", "", "Load address override")
	bootloaderEnd = flag.Uint("bootloader-end", 0x00020000, "Simulated end of the running bootloader's image")
	memSize       = flag.Int("mem-size", 4<<20, "Simulated memory window size in bytes")
)

// pipeTransport is a duplex in-memory Transport: bytes written to one end
// arrive on the other. It implements both device.Transport and
// hostlink.Transport; the latter is the former without SetBaud (spec.md
// §5's single-threaded cooperative loop on each side needs nothing more).
type pipeTransport struct {
	mu         sync.Mutex
	inbox      []byte
	peer       *pipeTransport
	notify     chan struct{}
	timeout    time.Duration
	timeoutErr error
}

// newPipePair returns the two ends of a duplex pipe. Each end reports read
// timeouts with the sentinel its own package expects — device.ErrByteTimeout
// on the device side, hostlink.ErrByteTimeout on the host side — so the
// same pipeTransport type can stand in for both Transport interfaces at
// once without either package's timeout detection silently breaking.
func newPipePair() (a, b *pipeTransport) {
	a = &pipeTransport{notify: make(chan struct{}, 1), timeoutErr: device.ErrByteTimeout}
	b = &pipeTransport{notify: make(chan struct{}, 1), timeoutErr: hostlink.ErrByteTimeout}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Write(data []byte) (int, error) {
	p.peer.mu.Lock()
	p.peer.inbox = append(p.peer.inbox, data...)
	p.peer.mu.Unlock()
	select {
	case p.peer.notify <- struct{}{}:
	default:
	}
	return len(data), nil
}

func (p *pipeTransport) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		p.mu.Lock()
		if len(p.inbox) > 0 {
			n := copy(buf, p.inbox)
			p.inbox = p.inbox[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, p.timeoutErr
		}
		select {
		case <-p.notify:
		case <-time.After(remaining):
			return 0, p.timeoutErr
		}
	}
}

func (p *pipeTransport) SetReadTimeout(d time.Duration) error {
	p.timeout = d
	return nil
}

func (p *pipeTransport) SetBaud(baud uint32) error {
	log.Printf("fwsim: simulated baud switch to %d (no-op on an in-memory pipe)", baud)
	return nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *imagePath == "" {
		log.Fatalf("fwsim: -image is required")
	}

	objType, err := hostlink.ParseObjectType(*objectType)
	if err != nil {
		log.Fatalf("fwsim: %v", err)
	}
	img, err := hostlink.LoadImage(*imagePath, objType, *loadAddress)
	if err != nil {
		log.Fatalf("fwsim: %v", err)
	}
	log.Printf("fwsim: loaded %d bytes, load address %#x, crc32 %#08x", len(img.Bytes), img.LoadAddress, img.Crc)

	deviceSide, hostSide := newPipePair()

	launcher := &memspace.RecordingLauncher{}
	dev, err := device.New(deviceSide, device.Config{
		MemoryBase:    0,
		MemorySize:    *memSize,
		BootloaderEnd: memspace.Address(*bootloaderEnd),
		InitialBaud:   115200,
		Launcher:      launcher,
		Logf:          log.Printf,
	})
	if err != nil {
		log.Fatalf("fwsim: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dev.Run(); err != nil {
			log.Printf("fwsim: device session ended: %v", err)
		}
	}()

	err = hostlink.Upload(hostSide, hostlink.Config{
		Image: img,
		Logf:  log.Printf,
	})
	if err != nil {
		log.Fatalf("fwsim: upload failed: %v", err)
	}

	wg.Wait()

	if len(launcher.Entries) == 0 {
		log.Fatalf("fwsim: device never jumped")
	}
	log.Printf("fwsim: device jumped to %#x — upload succeeded", launcher.Entries[len(launcher.Entries)-1])
}
