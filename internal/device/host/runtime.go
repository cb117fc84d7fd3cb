package host

import (
	"sync"

	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

// Runtime is an execution context on one host device.
type Runtime struct {
	dev   *Device
	align int
	queue *queue

	mu     sync.Mutex
	live   map[*Buffer]struct{}
	closed bool
}

// Buffer is a root allocation or a sub-buffer aliasing part of one.
type Buffer struct {
	rt     *Runtime
	parent *Buffer
	mem    []byte
	offset int

	// guarded by rt.mu
	subs     int
	released bool
	freed    bool
	maps     map[*byte]mapping
}

type mapping struct {
	offset int
	data   []byte
}

func (b *Buffer) Size() int   { return len(b.mem) }
func (b *Buffer) Offset() int { return b.offset }

// Parent is nil for root allocations.
func (b *Buffer) Parent() *Buffer { return b.parent }

func (rt *Runtime) Device() *Device { return rt.dev }

func (rt *Runtime) Queue() device.Queue { return rt.queue }

func (rt *Runtime) CreateBuffer(size int) (device.Buffer, error) {
	const op = "create buffer"
	if size <= 0 {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidBufferSize)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, deverr.NewDeviceError(op, CodeRuntimeClosed)
	}

	limit := rt.dev.info.GlobalMemBytes
	if n := rt.dev.allocated.Add(int64(size)); limit > 0 && n > limit {
		rt.dev.allocated.Add(-int64(size))
		metrics.RecordDeviceAllocFailure()
		return nil, deverr.NewDeviceError(op, deverr.CodeMemObjectAllocationFailure)
	}

	mem, err := allocDevice(size)
	if err != nil {
		rt.dev.allocated.Add(-int64(size))
		metrics.RecordDeviceAllocFailure()
		logger.For("host").Warn("device memory reservation failed", "size", size, "error", err)
		return nil, deverr.NewDeviceError(op, deverr.CodeOutOfResources)
	}
	metrics.RecordDeviceAlloc(int64(size))

	b := &Buffer{rt: rt, mem: mem}
	rt.live[b] = struct{}{}
	return b, nil
}

func (rt *Runtime) CreateSubBuffer(parent device.Buffer, offset, size int) (device.Buffer, error) {
	const op = "create sub-buffer"
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, deverr.NewDeviceError(op, CodeRuntimeClosed)
	}

	root, err := rt.lookupLocked(op, parent)
	if err != nil {
		return nil, err
	}
	if root.parent != nil {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidMemObject)
	}
	if size <= 0 {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidBufferSize)
	}
	if offset < 0 || offset+size > len(root.mem) {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidValue)
	}
	if offset%rt.align != 0 {
		return nil, deverr.NewDeviceError(op, deverr.CodeMisalignedSubBufferOffset)
	}

	sub := &Buffer{
		rt:     rt,
		parent: root,
		mem:    root.mem[offset : offset+size : offset+size],
		offset: offset,
	}
	root.subs++
	rt.live[sub] = struct{}{}
	return sub, nil
}

// Release drops the buffer. A root's memory is returned once the root and
// all of its sub-buffers are released and queued commands have drained.
func (b *Buffer) Release() error {
	rt := b.rt
	rt.mu.Lock()
	if b.released {
		rt.mu.Unlock()
		return deverr.NewDeviceError("release buffer", deverr.CodeInvalidMemObject)
	}
	b.released = true
	b.maps = nil
	delete(rt.live, b)

	root := b
	if b.parent != nil {
		root = b.parent
		root.subs--
	}
	free := root.released && root.subs == 0 && !root.freed
	if free {
		root.freed = true
	}
	closed := rt.closed
	rt.mu.Unlock()

	if !free {
		return nil
	}
	if !closed {
		rt.queue.barrier()
	}
	return rt.free(root)
}

func (rt *Runtime) free(root *Buffer) error {
	size := len(root.mem)
	err := freeDevice(root.mem)
	rt.dev.allocated.Add(-int64(size))
	metrics.RecordDeviceAlloc(-int64(size))
	if err != nil {
		return deverr.NewDeviceError("release buffer", deverr.CodeOutOfResources)
	}
	return nil
}

func (rt *Runtime) lookup(op string, buf device.Buffer) (*Buffer, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lookupLocked(op, buf)
}

func (rt *Runtime) lookupLocked(op string, buf device.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil || b.rt != rt || b.released {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidMemObject)
	}
	return b, nil
}

// Close drains the queue and frees every buffer still alive.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.queue.close()

	rt.mu.Lock()
	leaked := make([]*Buffer, 0, len(rt.live))
	for b := range rt.live {
		leaked = append(leaked, b)
	}
	rt.mu.Unlock()

	if len(leaked) > 0 {
		logger.For("host").Warn("releasing buffers left alive at close", "count", len(leaked))
	}
	var firstErr error
	for _, b := range leaked {
		if b.parent != nil {
			if err := b.Release(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, b := range leaked {
		if b.parent == nil {
			if err := b.Release(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
