// Package txbuf implements the circular transmission buffer that sits
// between the device state machine and the UART: a single-producer,
// single-consumer byte FIFO with checkpoint/rollback, used both to queue
// outgoing frames and as the backing store for the device's log-string
// formatted-print sink.
package txbuf

import "fmt"

// Buffer is a fixed-capacity circular byte FIFO.
type Buffer struct {
	storage []byte
	begin   int
	end     int
	length  int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{storage: make([]byte, capacity)}
}

// Clear zeros the buffer and resets it to empty.
func (b *Buffer) Clear() {
	for i := range b.storage {
		b.storage[i] = 0
	}
	b.begin, b.end, b.length = 0, 0, 0
}

// Len returns the number of bytes currently queued.
func (b *Buffer) Len() int { return b.length }

// Cap returns the buffer's total capacity.
func (b *Buffer) Cap() int { return len(b.storage) }

// IsEmpty reports whether the buffer holds no bytes.
func (b *Buffer) IsEmpty() bool { return b.length == 0 }

// RemainingSpace reports how many more bytes can be written before the
// buffer is full.
func (b *Buffer) RemainingSpace() int { return len(b.storage) - b.length }

func (b *Buffer) wrappedAdd(a, n int) int {
	return (a + n) % len(b.storage)
}

func (b *Buffer) pushByteAtUnchecked(offset int, byte byte) int {
	b.storage[offset] = byte
	return b.wrappedAdd(offset, 1)
}

func (b *Buffer) writeBytesAtUnchecked(offset int, bytes []byte) int {
	cursor := offset
	for _, byt := range bytes {
		cursor = b.pushByteAtUnchecked(cursor, byt)
	}
	return cursor
}

// PushByte appends one byte, returning false if the buffer is full.
func (b *Buffer) PushByte(byt byte) bool {
	if b.length == len(b.storage) {
		return false
	}
	b.end = b.pushByteAtUnchecked(b.end, byt)
	b.length++
	return true
}

// Extend appends src atomically: either every byte fits and is written, or
// none are and the buffer is left unchanged.
func (b *Buffer) Extend(src []byte) bool {
	if len(src) > b.RemainingSpace() {
		return false
	}
	for _, byt := range src {
		b.PushByte(byt)
	}
	return true
}

// Reserve advances the tail by n bytes without writing any data, returning
// the starting offset for later in-place construction. Returns false if
// there isn't enough remaining space.
func (b *Buffer) Reserve(n int) (offset int, ok bool) {
	if n > b.RemainingSpace() {
		return 0, false
	}
	offset = b.end
	b.end = b.wrappedAdd(b.end, n)
	b.length += n
	return offset, true
}

// ShiftByte consumes and returns the oldest queued byte.
func (b *Buffer) ShiftByte() (byte, bool) {
	if b.length == 0 {
		return 0, false
	}
	byt := b.storage[b.begin]
	b.storage[b.begin] = 0
	b.begin = b.wrappedAdd(b.begin, 1)
	b.length--
	return byt, true
}

// Checkpoint is an opaque snapshot of the buffer's cursor triple, taken by
// Snapshot and consumed by Restore.
type Checkpoint struct {
	begin, end, length int
}

// Snapshot captures the buffer's current begin/end/length triple.
func (b *Buffer) Snapshot() Checkpoint {
	return Checkpoint{begin: b.begin, end: b.end, length: b.length}
}

func (b *Buffer) bytesSinceCheckpoint(cp Checkpoint) int {
	if b.end < cp.end {
		return (len(b.storage) - cp.end) + b.end
	}
	return b.end - cp.end
}

// Restore rewinds the buffer to a prior Checkpoint, zeroing every byte
// written since.
func (b *Buffer) Restore(cp Checkpoint) {
	n := b.bytesSinceCheckpoint(cp)
	if n > 0 {
		zeros := make([]byte, n)
		b.writeBytesAtUnchecked(cp.end, zeros)
	}
	b.begin, b.end, b.length = cp.begin, cp.end, cp.length
}

// truncationMarker is appended in place of a formatted write that would
// have overflowed the buffer.
const truncationMarker = '$'

// Printf formats into the buffer the way a device log line is emitted: if
// the formatted text does not fit, the write is rolled back to the
// checkpoint taken before formatting began and a single truncationMarker
// byte is appended instead, so the caller never observes a torn UTF-8
// write. Returns whether the output was truncated.
func (b *Buffer) Printf(format string, args ...interface{}) (truncated bool) {
	cp := b.Snapshot()
	text := fmt.Sprintf(format, args...)
	if b.Extend([]byte(text)) {
		return false
	}
	b.Restore(cp)
	b.PushByte(truncationMarker)
	return true
}

// Drain removes and returns up to max queued bytes, in FIFO order.
func (b *Buffer) Drain(max int) []byte {
	out := make([]byte, 0, max)
	for len(out) < max {
		byt, ok := b.ShiftByte()
		if !ok {
			break
		}
		out = append(out, byt)
	}
	return out
}
