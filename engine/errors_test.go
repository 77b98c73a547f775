package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestDeviceErrorClassification(t *testing.T) {
	cause := errors.New("mapping failed")
	err := fmt.Errorf("composite: %w", &DeviceError{Kind: DeviceLost, Err: cause})

	if !IsKind(err, DeviceLost) {
		t.Error("wrapped device-lost error not recognized")
	}
	if IsKind(err, OutOfMemory) {
		t.Error("device-lost error misclassified as out-of-memory")
	}
	if !errors.Is(err, cause) {
		t.Error("DeviceError does not unwrap to its cause")
	}
	if IsKind(errors.New("plain"), Validation) {
		t.Error("plain error misclassified as DeviceError")
	}
}

func TestDeviceErrorString(t *testing.T) {
	if got := (&DeviceError{Kind: OutOfMemory}).Error(); got != "out of memory" {
		t.Errorf("Error() = %q", got)
	}
	err := &DeviceError{Kind: Validation, Err: errors.New("bad bind group")}
	if got := err.Error(); got != "validation error: bad bind group" {
		t.Errorf("Error() = %q", got)
	}
}
