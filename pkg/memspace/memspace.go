// Package memspace models the device's addressable memory: a flat byte
// space the bootloader, the relocation planner and the relocation stub all
// read and write by numeric address. Real hardware reaches memory-mapped
// peripherals and arbitrary physical addresses by fabricating pointers from
// integers; this package is the one place that primitive is allowed to
// happen, so every other package goes through it instead of doing its own
// unsafe arithmetic.
package memspace

import "fmt"

// Address is a 32-bit physical address, matching the ARM1176's native word
// size.
type Address uint32

// ErrOutOfBounds is returned whenever a requested address range falls
// outside the simulated memory's configured window.
type ErrOutOfBounds struct {
	Addr Address
	Len  int
}

func (e *ErrOutOfBounds) Error() string {
	return fmt.Sprintf("memspace: address range [%#x, %#x) out of bounds", e.Addr, uint64(e.Addr)+uint64(e.Len))
}

// Memory simulates a window of addressable physical memory, [Base, Base+len(backing)).
// It is the sole from-integer-to-pointer primitive in this codebase: every
// access is bounds-checked and auditable at the call site, rather than
// scattered raw pointer arithmetic throughout the state machine.
type Memory struct {
	Base    Address
	backing []byte
}

// NewMemory allocates a simulated memory window of size bytes starting at
// base.
func NewMemory(base Address, size int) *Memory {
	return &Memory{Base: base, backing: make([]byte, size)}
}

// Contains reports whether [addr, addr+n) lies entirely within the window.
func (m *Memory) Contains(addr Address, n int) bool {
	if n < 0 {
		return false
	}
	if addr < m.Base {
		return false
	}
	off := uint64(addr) - uint64(m.Base)
	return off+uint64(n) <= uint64(len(m.backing))
}

// At is the from-integer-to-pointer primitive: it resolves addr to a slice
// view into the backing store, bounds-checked against the window. Every
// other package in this module reads or writes physical memory exclusively
// through At (or ReadAt/WriteAt below) rather than holding its own copy of
// the backing store.
func (m *Memory) At(addr Address, n int) ([]byte, error) {
	if !m.Contains(addr, n) {
		return nil, &ErrOutOfBounds{Addr: addr, Len: n}
	}
	off := uint64(addr) - uint64(m.Base)
	return m.backing[off : off+uint64(n)], nil
}

// ReadAt copies n bytes starting at addr into a fresh slice.
func (m *Memory) ReadAt(addr Address, n int) ([]byte, error) {
	src, err := m.At(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

// WriteAt copies data into the window starting at addr.
func (m *Memory) WriteAt(addr Address, data []byte) error {
	dst, err := m.At(addr, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// CopyWithinMemory copies n bytes from src to dst inside this same window,
// correctly handling overlap in either direction — mirroring what the
// relocation stub itself must do once it runs on real hardware, so the
// in-process simulation exercises the identical copy semantics.
func (m *Memory) CopyWithinMemory(dst, src Address, n int) error {
	srcBuf, err := m.At(src, n)
	if err != nil {
		return err
	}
	dstBuf, err := m.At(dst, n)
	if err != nil {
		return err
	}
	// Go's copy() already handles overlapping slices correctly regardless
	// of direction, same guarantee libc memmove gives the real stub.
	copy(dstBuf, srcBuf)
	return nil
}

// Launcher is the hardware collaborator that actually transfers control to
// a loaded program. Implementing it means touching real CPU state (setting
// the program counter, disabling the MMU, etc.), which is explicitly out of
// scope: production code supplies a hardware-backed Launcher, tests supply
// a recording fake.
type Launcher interface {
	// Jump transfers control to entry and never returns on real hardware.
	Jump(entry Address) error
}

// RecordingLauncher is a test/simulation Launcher that records the
// requested entry point instead of jumping.
type RecordingLauncher struct {
	Entries []Address
}

// Jump appends entry to Entries and returns nil.
func (r *RecordingLauncher) Jump(entry Address) error {
	r.Entries = append(r.Entries, entry)
	return nil
}
