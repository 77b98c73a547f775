package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies device errors by how the caller has to react.
type ErrorKind uint8

const (
	// DeviceLost is fatal: the session and every handle issued under it are
	// permanently invalid. There is no automatic reconnection.
	DeviceLost ErrorKind = iota + 1
	// OutOfMemory is recoverable: the caller may retry with a smaller
	// working set.
	OutOfMemory
	// Validation is a programmer error in planning or submission. It is
	// surfaced immediately and never retried.
	Validation
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceLost:
		return "device lost"
	case OutOfMemory:
		return "out of memory"
	case Validation:
		return "validation error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// DeviceError is a classified failure of a device session.
type DeviceError struct {
	Kind ErrorKind
	// Err is the underlying error from the device binding, if any.
	Err error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *DeviceError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == kind
}
