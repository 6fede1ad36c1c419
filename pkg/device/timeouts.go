package device

import "time"

// Timeouts holds the two session-relative deadlines spec.md §4.6 names,
// derived from the active baud rate the same way
// original_source/device/lab4-common/src/timeouts.rs derives them: a fixed
// byte count converted to wall-clock time at 8-N-1 framing overhead.
type Timeouts struct {
	// ByteRead is how long the device waits for the next raw byte before
	// treating the line as idle.
	ByteRead time.Duration
	// SessionExpires is how long a non-Idle session may run without
	// progress before it aborts back to Idle.
	SessionExpires time.Duration
}

// byteReadTimeoutBytes and sessionExpiresBytes are the byte-time multiples
// spec.md §4.6 gives approximately ("≈2 byte-times", "≈12288 byte-times");
// the original computes them from these exact constants.
const (
	byteReadTimeoutBytes     = 2
	sessionExpiresTimeoutBytes = 12288
)

// NewTimeouts derives both timeouts for baud, an 8-N-1 async link.
func NewTimeouts(baud uint32) Timeouts {
	return Timeouts{
		ByteRead:       atBaud8N1(byteReadTimeoutBytes, baud),
		SessionExpires: atBaud8N1(sessionExpiresTimeoutBytes, baud),
	}
}

// atBaud8N1 converts a byte count to a duration at the given baud rate,
// assuming 8-N-1 framing (10 bits/byte, so byte_rate = baud/10), rounding
// up to the next whole microsecond the way the original's fixed-point
// arithmetic does (it has no floats available either).
func atBaud8N1(nBytes uint64, baud uint32) time.Duration {
	byteRate := uint64(baud) / 10
	if byteRate == 0 {
		byteRate = 1
	}
	microsNumerator := nBytes * 1_000_000
	micros := (microsNumerator + byteRate - 1) / byteRate
	return time.Duration(micros) * time.Microsecond
}
