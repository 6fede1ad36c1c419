package device

import "errors"

// Sentinel errors matching the error kinds spec.md §7 enumerates. Framing
// and legacy-path errors carry their own richer types in pkg/frame and
// pkg/legacy; these are the ones the state machine itself can raise.
var (
	ErrUnexpectedMessage   = errors.New("device: message type does not match current state")
	ErrDeserializeFailure  = errors.New("device: payload did not parse")
	ErrTimeout             = errors.New("device: no progress within the applicable deadline")
	ErrRelocationInfeasible = errors.New("device: relocation planner could not place the stage buffer")
	ErrCrcMismatch         = errors.New("device: image crc mismatch")
)
