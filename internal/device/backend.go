// Package device selects a compute device and owns the execution resources
// (runtime context, command queue, loaded programs, program cache) that the
// binding and registry layers build on.
//
// Hardware access goes through the Backend interface. The host subpackage
// provides an in-process implementation with device-style semantics; a
// driver-backed implementation plugs in the same way.
package device

import "github.com/23skdu/longbow-bindery/internal/config"

// Backend enumerates the platforms of one device API.
type Backend interface {
	Name() string
	Platforms() ([]Platform, error)
}

// Platform is one vendor runtime exposing devices.
type Platform interface {
	Info() PlatformInfo
	Devices() ([]Device, error)
}

// Device is a single compute device.
type Device interface {
	Info() DeviceInfo
	// Open creates an execution context with one command queue supporting
	// the requested capabilities.
	Open(caps config.QueueCaps) (Runtime, error)
}

// Runtime is an execution context bound to one device.
type Runtime interface {
	CreateBuffer(size int) (Buffer, error)
	// CreateSubBuffer carves [offset, offset+size) out of a root buffer.
	// offset must honour the device base-address alignment.
	CreateSubBuffer(parent Buffer, offset, size int) (Buffer, error)
	Queue() Queue
	// Build compiles program source. Failures are *deverr.BuildError.
	Build(source, options string) (Program, error)
	// LinkBinary loads a binary previously produced by Program.Binary.
	LinkBinary(binary []byte, options string) (Program, error)
	Close() error
}

// Buffer is a device memory object; sub-buffers report their offset into
// the root allocation.
type Buffer interface {
	Size() int
	Offset() int
	Release() error
}

// Queue is an in-order command queue. Non-blocking commands complete in
// submission order; Finish drains the queue and reports deferred failures.
type Queue interface {
	Write(buf Buffer, blocking bool, offset int, src []byte) error
	Read(buf Buffer, blocking bool, offset int, dst []byte) error
	// Map blocks until [offset, offset+size) of buf is visible to the host.
	Map(buf Buffer, offset, size int) ([]byte, error)
	Unmap(buf Buffer, mapped []byte) error
	Finish() error
}

// Program is a built device program.
type Program interface {
	Binary() ([]byte, error)
	BuildLog() string
	Kernels() []string
	Release() error
}
