// Package registry maps opaque handles to device bindings. It is the only
// place bindings are created or destroyed, and the only way to get from a
// handle back to one.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-bindery/internal/binding"
	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

// Handle identifies a live binding. Handles are issued in increasing order
// and never reused within a process.
type Handle int64

// Unbound is the handle of a dataset that is not bound.
const Unbound Handle = -1

var lastHandle atomic.Int64

func nextHandle() Handle {
	return Handle(lastHandle.Add(1))
}

// Bindable is a binding source that remembers its own handle.
type Bindable interface {
	binding.Source
	Handle() Handle
	SetHandle(Handle)
}

type Registry struct {
	alloc binding.Allocator

	mu    sync.Mutex
	table map[Handle]*binding.Binding
}

func New(alloc binding.Allocator) *Registry {
	return &Registry{
		alloc: alloc,
		table: make(map[Handle]*binding.Binding),
	}
}

// Add binds src under a fresh handle and stores that handle in src. A
// previous binding of src is removed first. With copyNow the host data is
// uploaded before Add returns.
func (r *Registry) Add(src Bindable, copyNow bool) (Handle, error) {
	log := logger.For("registry")
	if old := src.Handle(); old != Unbound {
		if err := r.Remove(old); err != nil {
			log.Warn("stale handle on rebind", "handle", int64(old), "error", err)
		}
		src.SetHandle(Unbound)
	}

	b, err := binding.New(r.alloc, src)
	if err != nil {
		metrics.RecordRegistryError("add")
		return Unbound, fmt.Errorf("bind dataset: %w", err)
	}
	if copyNow {
		if err := b.HostToDevice(true); err != nil {
			b.Close()
			metrics.RecordRegistryError("add")
			return Unbound, fmt.Errorf("initial upload: %w", err)
		}
	}

	h := nextHandle()
	r.mu.Lock()
	r.table[h] = b
	n := len(r.table)
	r.mu.Unlock()

	src.SetHandle(h)
	metrics.RecordBindingsLive(n)
	log.Debug("binding added", "handle", int64(h), "bytes", b.Layout().Total)
	return h, nil
}

// Remove destroys the binding of h.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	b, ok := r.table[h]
	if ok {
		delete(r.table, h)
	}
	n := len(r.table)
	r.mu.Unlock()
	if !ok {
		return r.invalid("remove", h)
	}

	metrics.RecordBindingsLive(n)
	logger.For("registry").Debug("binding removed", "handle", int64(h))
	if err := b.Close(); err != nil {
		return fmt.Errorf("release binding %d: %w", h, err)
	}
	return nil
}

// Get returns the binding of h.
func (r *Registry) Get(h Handle) (*binding.Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.table[h]
	if !ok {
		return nil, r.invalid("get", h)
	}
	return b, nil
}

func (r *Registry) HostToDevice(h Handle, copyData bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.table[h]
	if !ok {
		return r.invalid("host_to_device", h)
	}
	return b.HostToDevice(copyData)
}

func (r *Registry) DeviceToHost(h Handle, waitForQueue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.table[h]
	if !ok {
		return r.invalid("device_to_host", h)
	}
	return b.DeviceToHost(waitForQueue)
}

// DeviceBuffer is the whole allocation of h.
func (r *Registry) DeviceBuffer(h Handle) (device.Buffer, error) {
	b, err := r.Get(h)
	if err != nil {
		return nil, err
	}
	if b.Empty() {
		return nil, fmt.Errorf("handle %d: %w", h, deverr.ErrEmptyDataset)
	}
	return b.Root(), nil
}

// ArrayDeviceBuffer is the sub-buffer of array i of h.
func (r *Registry) ArrayDeviceBuffer(h Handle, i int) (device.Buffer, error) {
	b, err := r.Get(h)
	if err != nil {
		return nil, err
	}
	sub, err := b.Array(i)
	if err != nil {
		return nil, fmt.Errorf("handle %d: %w", h, err)
	}
	return sub, nil
}

// HostBuffer is the host mirror of array i of h.
func (r *Registry) HostBuffer(h Handle, i int) ([]byte, error) {
	b, err := r.Get(h)
	if err != nil {
		return nil, err
	}
	m, err := b.Mirror(i)
	if err != nil {
		return nil, fmt.Errorf("handle %d: %w", h, err)
	}
	return m, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// Handles lists the live handles in increasing order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.table))
	for h := range r.table {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close removes every binding.
func (r *Registry) Close() error {
	var first error
	for _, h := range r.Handles() {
		if err := r.Remove(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Registry) invalid(op string, h Handle) error {
	metrics.RecordRegistryError(op)
	return fmt.Errorf("%s handle %d: %w", op, h, deverr.ErrInvalidHandle)
}
