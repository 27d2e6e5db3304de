// Package errs provides the error classification shared across the machine
// layer. Every error surfaced to a caller carries a Kind so the platform can
// distinguish operator mistakes (validation, conflicts) from transport
// trouble (connect, poll) and command outcomes.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks a bad device configuration.
	KindValidation
	// KindConflict marks a device that duplicates existing physical hardware.
	KindConflict
	// KindNotFound marks an operation against an unknown device.
	KindNotFound
	// KindConnect marks a transport that could not be established.
	KindConnect
	// KindPoll marks a telemetry fetch that failed or was malformed.
	KindPoll
	// KindCommand marks a command the vendor rejected or could not execute.
	KindCommand
	// KindDeviceUnavailable marks a command submitted to a non-connected device.
	KindDeviceUnavailable
	// KindBackpressure marks a command rejected because the device queue is full.
	KindBackpressure
	// KindUnsupportedCapability marks a command the adapter cannot perform on
	// this protocol.
	KindUnsupportedCapability
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not-found"
	case KindConnect:
		return "connect"
	case KindPoll:
		return "poll"
	case KindCommand:
		return "command"
	case KindDeviceUnavailable:
		return "device-unavailable"
	case KindBackpressure:
		return "backpressure"
	case KindUnsupportedCapability:
		return "unsupported-capability"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its classification and the operation
// and device it occurred on.
type Error struct {
	Kind     Kind
	Op       string // operation, e.g. "registry.register", "adapter.poll"
	DeviceID string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s: %s: device %s: %v", e.Kind, e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef is E with a formatted message instead of an existing error.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithDevice returns a copy of the error annotated with the device ID.
func (e *Error) WithDevice(id string) *Error {
	clone := *e
	clone.DeviceID = id
	return &clone
}

// KindOf extracts the classification of err, or KindUnknown for unclassified
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
