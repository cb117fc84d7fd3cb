// Package deverr defines the error taxonomy shared by the device, binding,
// registry and program-cache packages.
//
// Callers match categories with errors.Is against the sentinel values:
//
//	if errors.Is(err, deverr.ErrInvalidHandle) { ... }
//
// Errors that originate from the device carry the numeric status code and
// its registered name (see CodeName).
package deverr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoMatchingDevice is returned when selection filters eliminate every
	// platform or device.
	ErrNoMatchingDevice = errors.New("bindery: no matching device")

	// ErrInvalidHandle is returned for lookups, removals and transfers on a
	// handle that is unknown or already released.
	ErrInvalidHandle = errors.New("bindery: invalid handle")

	// ErrAllocationFailure is returned when the device refuses an allocation.
	ErrAllocationFailure = errors.New("bindery: device allocation failure")

	// ErrAlignmentViolation signals a computed region that breaks the device
	// alignment. It indicates a programming error.
	ErrAlignmentViolation = errors.New("bindery: alignment violation")

	// ErrBuildFailure is returned when a device program fails to compile.
	ErrBuildFailure = errors.New("bindery: program build failure")

	// ErrEmptyDataset marks a binding of a dataset without arrays. It is
	// logged and recovered locally rather than returned from bind.
	ErrEmptyDataset = errors.New("bindery: empty dataset")

	// ErrShapeChanged is returned when a bound dataset's arrays no longer
	// match the layout the binding was built for. Rebind to recover.
	ErrShapeChanged = errors.New("bindery: dataset shape changed since bind")

	// ErrDeviceFailure covers device status codes outside the categories above.
	ErrDeviceFailure = errors.New("bindery: device failure")
)

// DeviceError wraps a non-success device status code.
type DeviceError struct {
	Op   string
	Code int
	Kind error
}

// NewDeviceError builds a DeviceError, deriving the kind from the code.
func NewDeviceError(op string, code int) *DeviceError {
	return &DeviceError{Op: op, Code: code, Kind: KindForCode(code)}
}

func (e *DeviceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%s (%d)", CodeName(e.Code), e.Code)
	return b.String()
}

// Unwrap exposes the category so errors.Is works against the sentinels.
func (e *DeviceError) Unwrap() error {
	return e.Kind
}

// BuildError carries the per-device build log of a failed compilation.
type BuildError struct {
	Path string
	Code int
	Log  string
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build %s: %s (%d)", e.Path, CodeName(e.Code), e.Code)
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return ErrBuildFailure
}

// KindForCode maps a device status code onto the taxonomy.
func KindForCode(code int) error {
	switch code {
	case CodeMemObjectAllocationFailure, CodeOutOfResources, CodeOutOfHostMemory, CodeInvalidBufferSize:
		return ErrAllocationFailure
	case CodeMisalignedSubBufferOffset:
		return ErrAlignmentViolation
	case CodeBuildProgramFailure, CodeCompilerNotAvailable, CodeInvalidBinary, CodeLinkProgramFailure:
		return ErrBuildFailure
	case CodeDeviceNotFound:
		return ErrNoMatchingDevice
	default:
		return ErrDeviceFailure
	}
}
