// Package host is an in-process device backend. Device memory is anonymous
// mapped memory owned by the backend, commands run on an in-order queue
// goroutine, and programs are checked and packaged by a pluggable Compiler.
//
// It follows the same contracts a driver-backed backend must honour:
// sub-buffer offsets must respect the base-address alignment, mapped memory
// is a host-side view that is only written back on Unmap, and non-blocking
// commands report their failures on Finish.
package host

import (
	"runtime"
	"sync/atomic"

	"github.com/23skdu/longbow-bindery/internal/config"
	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
)

const BackendName = "host"

// Status codes specific to this backend.
const (
	CodeQueueClosed   = -9101
	CodeRuntimeClosed = -9102
)

func init() {
	deverr.MustRegister(CodeQueueClosed, "HOST_QUEUE_CLOSED")
	deverr.MustRegister(CodeRuntimeClosed, "HOST_RUNTIME_CLOSED")
}

// Backend exposes a fixed set of platforms.
type Backend struct {
	platforms []*Platform
}

// New returns a backend over platforms, or over DefaultPlatform when none
// are given.
func New(platforms ...*Platform) *Backend {
	if len(platforms) == 0 {
		platforms = []*Platform{DefaultPlatform()}
	}
	return &Backend{platforms: platforms}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Platforms() ([]device.Platform, error) {
	out := make([]device.Platform, len(b.platforms))
	for i, p := range b.platforms {
		out[i] = p
	}
	return out, nil
}

type Platform struct {
	info    device.PlatformInfo
	devices []*Device
}

func NewPlatform(info device.PlatformInfo, devices ...*Device) *Platform {
	return &Platform{info: info, devices: devices}
}

// DefaultPlatform is one host platform with one DefaultDeviceInfo device.
func DefaultPlatform() *Platform {
	return NewPlatform(device.PlatformInfo{
		Name:    "Longbow Host",
		Vendor:  "Longbow",
		Version: "OpenCL 1.2 host",
	}, NewDevice(DefaultDeviceInfo()))
}

func (p *Platform) Info() device.PlatformInfo { return p.info }

func (p *Platform) Devices() ([]device.Device, error) {
	out := make([]device.Device, len(p.devices))
	for i, d := range p.devices {
		out[i] = d
	}
	return out, nil
}

// DefaultDeviceInfo describes a CPU device sized after this machine.
func DefaultDeviceInfo() device.DeviceInfo {
	return device.DeviceInfo{
		Name:           "Longbow Host Device",
		Vendor:         "Longbow",
		Version:        "OpenCL 1.2 host",
		DriverVersion:  "1.0",
		Type:           config.DeviceCPU,
		Extensions:     []string{"cl_khr_byte_addressable_store", "cl_khr_global_int32_base_atomics"},
		ClockMHz:       1000,
		ComputeUnits:   runtime.NumCPU(),
		BaseAddrAlign:  device.DefaultAlignment,
		GlobalMemBytes: 1 << 30,
		QueueCaps:      config.QueueProfiling,
	}
}

// Device is one host device. Its counters are shared by every runtime
// opened on it.
type Device struct {
	info     device.DeviceInfo
	compiler Compiler

	allocated atomic.Int64
	builds    atomic.Int64
	links     atomic.Int64
}

type DeviceOption func(*Device)

// WithCompiler replaces SourceCompiler.
func WithCompiler(c Compiler) DeviceOption {
	return func(d *Device) { d.compiler = c }
}

func NewDevice(info device.DeviceInfo, opts ...DeviceOption) *Device {
	d := &Device{info: info, compiler: SourceCompiler{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Info() device.DeviceInfo { return d.info }

// Builds counts compilations from source, including failed ones.
func (d *Device) Builds() int64 { return d.builds.Load() }

// Links counts programs created from binaries.
func (d *Device) Links() int64 { return d.links.Load() }

// Allocated is the number of bytes of device memory currently held.
func (d *Device) Allocated() int64 { return d.allocated.Load() }

func (d *Device) Open(caps config.QueueCaps) (device.Runtime, error) {
	if !d.info.QueueCaps.Has(caps) {
		return nil, deverr.NewDeviceError("create command queue", deverr.CodeInvalidQueueProperties)
	}
	align := d.info.BaseAddrAlign
	if align == 0 {
		align = device.DefaultAlignment
	}
	if align&(align-1) != 0 || align < 0 {
		return nil, deverr.NewDeviceError("create context", deverr.CodeInvalidDevice)
	}
	rt := &Runtime{
		dev:   d,
		align: align,
		live:  make(map[*Buffer]struct{}),
	}
	rt.queue = newQueue(rt)
	return rt, nil
}
