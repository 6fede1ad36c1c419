package hostlink

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialTransport wraps a go.bug.st/serial.Port as a Transport, translating
// its timeout-return-zero-bytes convention into the ErrByteTimeout form the
// rest of this package expects.
type SerialTransport struct {
	port serial.Port
}

// OpenSerial opens path at baud, 8-N-1, no flow control — the framing
// spec.md §6 fixes for the physical link.
func OpenSerial(path string, baud int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("hostlink: open %s: %w", path, err)
	}
	return &SerialTransport{port: port}, nil
}

// Read satisfies Transport, translating the port's timeout (an (0, nil)
// return) into ErrByteTimeout.
func (s *SerialTransport) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err == nil && n == 0 {
		return 0, ErrByteTimeout
	}
	return n, err
}

func (s *SerialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *SerialTransport) SetReadTimeout(timeout time.Duration) error {
	return s.port.SetReadTimeout(timeout)
}

// Close releases the underlying port.
func (s *SerialTransport) Close() error { return s.port.Close() }

// ttyPatterns are the USB-serial device name prefixes
// original_source/_old/artefacts/theseus-upload/src/find_tty.rs checks,
// covering the Linux and macOS driver naming conventions for the same
// class of USB-UART adapters this protocol runs over.
var ttyPatterns = []string{
	"ttyUSB", "ttyACM", "tty.usbserial", "cu.usbserial", "tty.SLAB_USB", "cu.SLAB_USB",
}

// DiscoverPort scans /dev for a character device matching ttyPatterns and
// returns the most recently modified match, the same heuristic
// find_tty.rs uses to guess which adapter was plugged in last.
func DiscoverPort() (string, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return "", fmt.Errorf("hostlink: read /dev: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate

	for _, entry := range entries {
		name := entry.Name()
		matched := false
		for _, pat := range ttyPatterns {
			if strings.HasPrefix(name, pat) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeCharDevice == 0 {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join("/dev", name), modTime: info.ModTime()})
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("hostlink: no serial device found in /dev matching any of %v", ttyPatterns)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	return candidates[0].path, nil
}
