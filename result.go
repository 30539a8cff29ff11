package guestnet

import "errors"

// The error taxonomy of the application-facing API.
//
// Caller contract violations (oversized payloads, undersized read buffers,
// use of an invalidated borrow) are not represented here: they indicate a
// programming error in the trusted application and panic instead.
var (
	// ErrInvalid is the invalid-argument condition: an unknown manifest
	// name, a wrong entry type, or an operation on a handle that was never
	// granted.
	ErrInvalid = errors.New("invalid argument")

	// ErrUnspec is the unspecified-state condition: the device was never
	// configured, was already acquired, or a ring-level operation failed
	// during steady state.
	ErrUnspec = errors.New("unspecified or invalid state")

	// ErrAgain is the would-block condition. It is not a failure: the
	// operation cannot complete yet and may succeed on retry, typically
	// after waiting in [Gate.Yield].
	ErrAgain = errors.New("operation would block, retry")
)

// Handle identifies an acquired device to the application. Its value is
// the index of the device's manifest entry.
type Handle uint64

// HandleSet is a bitmask of handles, as reported by [Gate.Yield].
type HandleSet uint64

// Has reports whether the handle's bit is set.
func (s HandleSet) Has(h Handle) bool {
	return s&(1<<h) != 0
}
