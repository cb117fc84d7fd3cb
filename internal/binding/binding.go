// Package binding places a dataset in device memory.
//
// A Binding owns one device allocation holding a metadata region (the dims
// and strides words) followed by one region per array, each addressable as
// its own sub-buffer. The whole allocation is mapped once; the mapped view is
// the host mirror that transfers go through.
package binding

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

// Allocator provides device memory and the queue transfers run on.
// *device.Context implements it.
type Allocator interface {
	Alignment() int
	CreateBuffer(size int) (device.Buffer, error)
	CreateSubBuffer(parent device.Buffer, offset, size int) (device.Buffer, error)
	Queue() device.Queue
}

// Source is the data a binding lays out. The binding keeps only this
// reference; the source keeps ownership of its arrays.
type Source interface {
	NumArrays() int
	// ArrayBytes is the size of array i computed from its dims.
	ArrayBytes(i int) int
	// HostBytes is the raw host data of array i, nil when not loaded.
	HostBytes(i int) []byte
	// MetaWords are the dims and strides words stored ahead of the arrays.
	MetaWords() []int32
}

type Binding struct {
	alloc  Allocator
	src    Source
	layout Layout
	words  int

	root   device.Buffer
	meta   device.Buffer
	arrays []device.Buffer
	mirror []byte

	empty  bool
	closed bool
}

// New lays out src at the allocator's alignment, allocates the device
// memory and maps it. A source without arrays yields an empty binding that
// holds no device memory.
func New(alloc Allocator, src Source) (*Binding, error) {
	log := logger.For("binding")
	n := src.NumArrays()
	if n == 0 {
		log.Warn("binding dataset without arrays", "error", deverr.ErrEmptyDataset)
		return &Binding{alloc: alloc, src: src, empty: true}, nil
	}

	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = src.ArrayBytes(i)
		if src.HostBytes(i) == nil {
			log.Warn("array has no host data, laying out from dims", "array", i, "bytes", sizes[i])
		}
	}
	words := src.MetaWords()
	layout, err := ComputeLayout(len(words), sizes, alloc.Alignment())
	if err != nil {
		return nil, err
	}

	b := &Binding{alloc: alloc, src: src, layout: layout, words: len(words)}
	if err := b.allocate(); err != nil {
		b.release()
		return nil, err
	}
	log.Debug("dataset bound", "arrays", n, "total_bytes", layout.Total, "alignment", layout.Alignment)
	return b, nil
}

func (b *Binding) allocate() error {
	var err error
	b.root, err = b.alloc.CreateBuffer(b.layout.Total)
	if err != nil {
		return fmt.Errorf("allocate %d bytes: %w", b.layout.Total, err)
	}
	b.meta, err = b.alloc.CreateSubBuffer(b.root, b.layout.Meta.Offset, b.layout.Meta.AlignedSize)
	if err != nil {
		return fmt.Errorf("metadata sub-buffer: %w", err)
	}
	for i, r := range b.layout.Arrays {
		sub, err := b.alloc.CreateSubBuffer(b.root, r.Offset, r.Size)
		if err != nil {
			return fmt.Errorf("sub-buffer of array %d at offset %d: %w", i, r.Offset, err)
		}
		b.arrays = append(b.arrays, sub)
	}
	b.mirror, err = b.alloc.Queue().Map(b.root, 0, b.layout.Total)
	if err != nil {
		return fmt.Errorf("map %d bytes: %w", b.layout.Total, err)
	}
	return nil
}

// HostToDevice uploads the metadata and, when copyData is set, every array
// that has host data. It returns once the queue has drained.
func (b *Binding) HostToDevice(copyData bool) error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.empty || b.src.NumArrays() == 0 {
		logger.For("binding").Debug("nothing to upload", "error", deverr.ErrEmptyDataset)
		return nil
	}
	if err := b.CheckShape(); err != nil {
		return err
	}

	start := time.Now()
	q := b.alloc.Queue()
	moved := 0
	if copyData {
		for i, r := range b.layout.Arrays {
			host := b.src.HostBytes(i)
			if host == nil {
				continue
			}
			region := b.mirror[r.Offset : r.Offset+r.Size]
			copy(region, host)
			if err := q.Write(b.arrays[i], false, 0, region); err != nil {
				return fmt.Errorf("upload array %d: %w", i, err)
			}
			moved += r.Size
		}
	}

	meta := b.MetaMirror()
	b.encodeMeta(meta)
	if err := q.Write(b.meta, true, 0, meta); err != nil {
		return fmt.Errorf("upload metadata: %w", err)
	}
	moved += len(meta)
	if err := q.Finish(); err != nil {
		return fmt.Errorf("finish upload: %w", err)
	}
	metrics.RecordTransfer(metrics.HostToDevice, moved, time.Since(start))
	return nil
}

// DeviceToHost refreshes the whole mirror with one blocking read, after
// draining the queue when waitForQueue is set.
func (b *Binding) DeviceToHost(waitForQueue bool) error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.empty {
		return nil
	}

	start := time.Now()
	q := b.alloc.Queue()
	if waitForQueue {
		if err := q.Finish(); err != nil {
			return fmt.Errorf("drain queue: %w", err)
		}
	}
	if err := q.Read(b.root, true, 0, b.mirror); err != nil {
		return fmt.Errorf("download %d bytes: %w", len(b.mirror), err)
	}
	metrics.RecordTransfer(metrics.DeviceToHost, len(b.mirror), time.Since(start))
	return nil
}

func (b *Binding) encodeMeta(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
	for i, w := range b.src.MetaWords() {
		binary.LittleEndian.PutUint32(dst[i*WordSize:], uint32(w))
	}
	back := b.layout.BackOffset()
	binary.LittleEndian.PutUint32(dst[back:], uint32(back))
}

// CheckShape reports deverr.ErrShapeChanged when the source no longer fits
// the layout.
func (b *Binding) CheckShape() error {
	if n := b.src.NumArrays(); n != len(b.layout.Arrays) {
		return fmt.Errorf("%w: dataset has %d arrays, binding was laid out for %d: rebind",
			deverr.ErrShapeChanged, n, len(b.layout.Arrays))
	}
	if w := len(b.src.MetaWords()); w != b.words {
		return fmt.Errorf("%w: dataset has %d metadata words, binding was laid out for %d: rebind",
			deverr.ErrShapeChanged, w, b.words)
	}
	for i, r := range b.layout.Arrays {
		if s := b.src.ArrayBytes(i); s != r.Size {
			return fmt.Errorf("%w: array %d has %d bytes, binding was laid out for %d: rebind",
				deverr.ErrShapeChanged, i, s, r.Size)
		}
	}
	return nil
}

func (b *Binding) usable() error {
	if b.closed {
		return fmt.Errorf("%w: binding already closed", deverr.ErrInvalidHandle)
	}
	return nil
}

// Close unmaps the mirror, then releases the array sub-buffers, the
// metadata sub-buffer and the root allocation. Closing twice is a no-op.
func (b *Binding) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.release()
}

func (b *Binding) release() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if b.mirror != nil {
		keep(b.alloc.Queue().Unmap(b.root, b.mirror))
		b.mirror = nil
	}
	for _, sub := range b.arrays {
		keep(sub.Release())
	}
	b.arrays = nil
	if b.meta != nil {
		keep(b.meta.Release())
		b.meta = nil
	}
	if b.root != nil {
		keep(b.root.Release())
		b.root = nil
	}
	if first != nil {
		logger.For("binding").Warn("release failed", "error", first)
	}
	return first
}

func (b *Binding) Layout() Layout { return b.layout }

// Empty reports whether the binding holds no device memory.
func (b *Binding) Empty() bool { return b.empty }

// Root is the whole device allocation, nil for empty bindings.
func (b *Binding) Root() device.Buffer { return b.root }

// Meta is the metadata sub-buffer.
func (b *Binding) Meta() device.Buffer { return b.meta }

// Array is the sub-buffer of array i.
func (b *Binding) Array(i int) (device.Buffer, error) {
	if i < 0 || i >= len(b.arrays) {
		return nil, fmt.Errorf("array index %d out of range [0, %d)", i, len(b.arrays))
	}
	return b.arrays[i], nil
}

// Mirror is the host-visible view of array i.
func (b *Binding) Mirror(i int) ([]byte, error) {
	if b.mirror == nil {
		return nil, fmt.Errorf("binding has no host mirror")
	}
	if i < 0 || i >= len(b.layout.Arrays) {
		return nil, fmt.Errorf("array index %d out of range [0, %d)", i, len(b.layout.Arrays))
	}
	r := b.layout.Arrays[i]
	return b.mirror[r.Offset : r.Offset+r.Size : r.Offset+r.Size], nil
}

// MetaMirror is the host-visible view of the whole metadata region.
func (b *Binding) MetaMirror() []byte {
	if b.mirror == nil {
		return nil
	}
	return b.mirror[:b.layout.Meta.AlignedSize:b.layout.Meta.AlignedSize]
}
