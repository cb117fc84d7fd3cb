// Package dataset holds typed host arrays and the collections that get bound
// to a device.
//
// A Dataset owns its ArrayBuffers. While bound it also holds a registry
// handle; host buffers then resolve to the device-mapped mirror instead of
// the owned host data.
package dataset

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/registry"
)

// ErrCoilMismatch is returned when a coil-bearing dataset's array count
// differs from product(temporal dims) × coils.
var ErrCoilMismatch = errors.New("dataset: array count does not match temporal dims and coils")

type Dataset[T Element] struct {
	arrays        []*ArrayBuffer[T]
	temporalDims  []int
	allSizesEqual bool
	variant       Variant

	handle registry.Handle
	reg    *registry.Registry

	load *loadTask[T]
}

// New returns an empty dataset. temporalDims default to [1].
func New[T Element](v Variant, temporalDims ...int) (*Dataset[T], error) {
	if err := v.validate(); err != nil {
		return nil, err
	}
	ds := &Dataset[T]{variant: v, handle: registry.Unbound}
	if err := ds.setTemporalDims(temporalDims); err != nil {
		return nil, err
	}
	ds.refresh()
	return ds, nil
}

// FromArrays builds a dataset that takes ownership of arrays; each argument
// is left empty.
func FromArrays[T Element](v Variant, temporalDims []int, arrays ...*ArrayBuffer[T]) (*Dataset[T], error) {
	ds, err := New[T](v, temporalDims...)
	if err != nil {
		return nil, err
	}
	if err := ds.SetArrays(arrays...); err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *Dataset[T]) setTemporalDims(dims []int) error {
	if len(dims) == 0 {
		dims = []int{1}
	}
	for i, d := range dims {
		if d <= 0 {
			return fmt.Errorf("invalid temporal dim %d: %d (must be positive)", i, d)
		}
	}
	if err := checkTemporalSpan(ds.variant, dims); err != nil {
		return err
	}
	ds.temporalDims = append([]int(nil), dims...)
	return nil
}

// SetArrays replaces the array collection, taking ownership of arrays.
func (ds *Dataset[T]) SetArrays(arrays ...*ArrayBuffer[T]) error {
	if err := ds.Wait(); err != nil {
		return err
	}
	for i, a := range arrays {
		if a == nil || a.Empty() {
			return fmt.Errorf("array %d is empty", i)
		}
	}
	if len(arrays) > MaxElements {
		return fmt.Errorf("%d arrays exceed %d", len(arrays), MaxElements)
	}
	if err := checkCoils(ds.variant, ds.temporalDims, len(arrays)); err != nil {
		return err
	}
	owned := make([]*ArrayBuffer[T], len(arrays))
	for i, a := range arrays {
		owned[i] = a.Take()
	}
	ds.arrays = owned
	ds.refresh()
	return nil
}

// SetTemporalDims replaces the temporal dims; empty means [1].
func (ds *Dataset[T]) SetTemporalDims(dims ...int) error {
	if err := ds.Wait(); err != nil {
		return err
	}
	prev := ds.temporalDims
	if err := ds.setTemporalDims(dims); err != nil {
		return err
	}
	if err := checkCoils(ds.variant, ds.temporalDims, len(ds.arrays)); err != nil {
		ds.temporalDims = prev
		return err
	}
	return nil
}

// checkTemporalSpan bounds the largest temporal stride, product(dims) ×
// coils, to MaxElements.
func checkTemporalSpan(v Variant, dims []int) error {
	span := append([]int(nil), dims...)
	if v.CoilBearing() {
		span = append(span, v.Coils)
	}
	if _, err := product(span); err != nil {
		return fmt.Errorf("temporal dims %v: %w", dims, err)
	}
	return nil
}

func checkCoils(v Variant, temporalDims []int, n int) error {
	if !v.CoilBearing() || n == 0 {
		return nil
	}
	want := v.Coils
	for _, d := range temporalDims {
		want *= d
	}
	if n != want {
		return fmt.Errorf("%w: %d arrays, temporal dims %v × %d coils = %d",
			ErrCoilMismatch, n, temporalDims, v.Coils, want)
	}
	return nil
}

func (ds *Dataset[T]) refresh() {
	ds.allSizesEqual = true
	for _, a := range ds.arrays[min(1, len(ds.arrays)):] {
		if !sameDims(a.dims, ds.arrays[0].dims) {
			ds.allSizesEqual = false
			return
		}
	}
}

func (ds *Dataset[T]) ElementType() ElementType { return ElementTypeOf[T]() }
func (ds *Dataset[T]) Variant() Variant         { return ds.variant }
func (ds *Dataset[T]) TemporalDims() []int      { return append([]int(nil), ds.temporalDims...) }

// AllSizesEqual reports whether every array has the same dims.
func (ds *Dataset[T]) AllSizesEqual() bool {
	ds.Wait()
	return ds.allSizesEqual
}

// Len is the number of arrays, after any pending load.
func (ds *Dataset[T]) Len() int {
	ds.Wait()
	return len(ds.arrays)
}

// Array returns array i, after any pending load.
func (ds *Dataset[T]) Array(i int) (*ArrayBuffer[T], error) {
	if err := ds.Wait(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(ds.arrays) {
		return nil, fmt.Errorf("array index %d out of range [0, %d)", i, len(ds.arrays))
	}
	return ds.arrays[i], nil
}

// TemporalStrides are strides over arrays for each temporal dim. For
// coil-bearing data arrays are ordered [time...][coil], so the innermost
// temporal stride is the coil count.
func (ds *Dataset[T]) TemporalStrides() []int {
	strides := make([]int, len(ds.temporalDims))
	s := 1
	if ds.variant.CoilBearing() {
		s = ds.variant.Coils
	}
	for i := len(ds.temporalDims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= ds.temporalDims[i]
	}
	return strides
}

// DimsAndStrides encodes the layout description stored ahead of the arrays
// on the device:
//
//	numArrays, numTemporalDims, temporalDims..., temporalStrides..., coils,
//	then per array: rank, dims..., strides...
//
// coils is 0 for datasets without a coil dimension. Construction keeps every
// word within int32.
func (ds *Dataset[T]) DimsAndStrides() []int32 {
	words := []int32{int32(len(ds.arrays)), int32(len(ds.temporalDims))}
	for _, d := range ds.temporalDims {
		words = append(words, int32(d))
	}
	for _, s := range ds.TemporalStrides() {
		words = append(words, int32(s))
	}
	words = append(words, int32(ds.variant.Coils))
	for _, a := range ds.arrays {
		words = append(words, int32(len(a.dims)))
		for _, d := range a.dims {
			words = append(words, int32(d))
		}
		for _, s := range a.Strides() {
			words = append(words, int32(s))
		}
	}
	return words
}

// NumArrays, ArrayBytes, HostBytes and MetaWords describe the dataset to the
// binding layer. They do not wait for a pending load.

func (ds *Dataset[T]) NumArrays() int         { return len(ds.arrays) }
func (ds *Dataset[T]) ArrayBytes(i int) int   { return ds.arrays[i].ByteSize() }
func (ds *Dataset[T]) HostBytes(i int) []byte { return ds.arrays[i].Bytes() }
func (ds *Dataset[T]) MetaWords() []int32     { return ds.DimsAndStrides() }

func (ds *Dataset[T]) Handle() registry.Handle     { return ds.handle }
func (ds *Dataset[T]) SetHandle(h registry.Handle) { ds.handle = h }

// Bound reports whether the dataset currently holds a handle.
func (ds *Dataset[T]) Bound() bool { return ds.handle != registry.Unbound }

// Bind binds the dataset in reg, replacing any previous binding. With
// copyNow the host data is uploaded before Bind returns.
func (ds *Dataset[T]) Bind(reg *registry.Registry, copyNow bool) (registry.Handle, error) {
	if err := ds.Wait(); err != nil {
		return registry.Unbound, err
	}
	if ds.reg != nil && ds.reg != reg && ds.Bound() {
		if err := ds.Unbind(); err != nil {
			logger.For("dataset").Warn("unbind from previous registry failed", "error", err)
		}
	}
	h, err := reg.Add(ds, copyNow)
	if err != nil {
		return registry.Unbound, err
	}
	ds.reg = reg
	return h, nil
}

// Unbind releases the device binding. Unbinding an unbound dataset is a
// no-op.
func (ds *Dataset[T]) Unbind() error {
	if !ds.Bound() {
		return nil
	}
	h := ds.handle
	ds.handle = registry.Unbound
	reg := ds.reg
	ds.reg = nil
	if reg == nil {
		return nil
	}
	return reg.Remove(h)
}

func (ds *Dataset[T]) bound(op string) error {
	if err := ds.Wait(); err != nil {
		return err
	}
	if !ds.Bound() || ds.reg == nil {
		return fmt.Errorf("%s: dataset is not bound: %w", op, deverr.ErrInvalidHandle)
	}
	return nil
}

func (ds *Dataset[T]) HostToDevice(copyData bool) error {
	if err := ds.bound("host to device"); err != nil {
		return err
	}
	return ds.reg.HostToDevice(ds.handle, copyData)
}

func (ds *Dataset[T]) DeviceToHost(waitForQueue bool) error {
	if err := ds.bound("device to host"); err != nil {
		return err
	}
	return ds.reg.DeviceToHost(ds.handle, waitForQueue)
}

// Pull drains the queue, refreshes the mirror and copies it into the owned
// host arrays, so device results survive Unbind.
func (ds *Dataset[T]) Pull() error {
	if err := ds.checkShape("pull"); err != nil {
		return err
	}
	if err := ds.DeviceToHost(true); err != nil {
		return err
	}
	for i, a := range ds.arrays {
		m, err := ds.reg.HostBuffer(ds.handle, i)
		if err != nil {
			return err
		}
		copy(a.Bytes(), m)
	}
	return nil
}

// checkShape fails with deverr.ErrShapeChanged when the arrays were replaced
// after Bind.
func (ds *Dataset[T]) checkShape(op string) error {
	if err := ds.bound(op); err != nil {
		return err
	}
	b, err := ds.reg.Get(ds.handle)
	if err != nil {
		return err
	}
	if err := b.CheckShape(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HostBuffer is array i as seen by the host: the device mirror while bound,
// the owned data otherwise.
func (ds *Dataset[T]) HostBuffer(i int) ([]T, error) {
	a, err := ds.Array(i)
	if err != nil {
		return nil, err
	}
	if !ds.Bound() || ds.reg == nil {
		return a.data, nil
	}
	if err := ds.checkShape("host buffer"); err != nil {
		return nil, err
	}
	m, err := ds.reg.HostBuffer(ds.handle, i)
	if err != nil {
		return nil, err
	}
	return viewAs[T](m), nil
}

// DeviceBuffer is the sub-buffer of array i.
func (ds *Dataset[T]) DeviceBuffer(i int) (device.Buffer, error) {
	if err := ds.bound("device buffer"); err != nil {
		return nil, err
	}
	return ds.reg.ArrayDeviceBuffer(ds.handle, i)
}

// Clone deep-copies the arrays into a new, unbound dataset.
func (ds *Dataset[T]) Clone() (*Dataset[T], error) {
	if err := ds.Wait(); err != nil {
		return nil, err
	}
	out := &Dataset[T]{
		arrays:       make([]*ArrayBuffer[T], len(ds.arrays)),
		temporalDims: append([]int(nil), ds.temporalDims...),
		variant:      ds.variant,
		handle:       registry.Unbound,
	}
	for i, a := range ds.arrays {
		out.arrays[i] = a.Clone()
	}
	out.refresh()
	return out, nil
}

// Close waits for a pending load, unbinds and drops the arrays.
func (ds *Dataset[T]) Close() error {
	ds.Wait()
	err := ds.Unbind()
	ds.arrays = nil
	ds.refresh()
	return err
}
