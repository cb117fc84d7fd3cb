package host

import (
	"sync"

	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
)

type command struct {
	run  func() error
	done chan error // nil for non-blocking commands
}

// queue executes commands one at a time in submission order.
type queue struct {
	rt   *Runtime
	cmds chan command

	sendMu sync.Mutex
	closed bool

	errMu    sync.Mutex
	deferred error

	worker sync.WaitGroup
}

func newQueue(rt *Runtime) *queue {
	q := &queue{rt: rt, cmds: make(chan command, 64)}
	q.worker.Add(1)
	go q.loop()
	return q
}

func (q *queue) loop() {
	defer q.worker.Done()
	for cmd := range q.cmds {
		err := cmd.run()
		if cmd.done != nil {
			cmd.done <- err
			continue
		}
		if err != nil {
			q.errMu.Lock()
			if q.deferred == nil {
				q.deferred = err
			}
			q.errMu.Unlock()
		}
	}
}

func (q *queue) submit(op string, blocking bool, run func() error) error {
	cmd := command{run: run}
	if blocking {
		cmd.done = make(chan error, 1)
	}

	q.sendMu.Lock()
	if q.closed {
		q.sendMu.Unlock()
		return deverr.NewDeviceError(op, CodeQueueClosed)
	}
	q.cmds <- cmd
	q.sendMu.Unlock()

	if !blocking {
		return nil
	}
	return <-cmd.done
}

// barrier waits for every command submitted so far without consuming
// deferred errors.
func (q *queue) barrier() {
	q.submit("barrier", true, func() error { return nil })
}

func (q *queue) close() {
	q.sendMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.cmds)
	}
	q.sendMu.Unlock()
	q.worker.Wait()
}

func (q *queue) span(op string, buf device.Buffer, offset, n int) (*Buffer, error) {
	b, err := q.rt.lookup(op, buf)
	if err != nil {
		return nil, err
	}
	if offset < 0 || n < 0 || offset+n > len(b.mem) {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidValue)
	}
	return b, nil
}

func (q *queue) Write(buf device.Buffer, blocking bool, offset int, src []byte) error {
	const op = "enqueue write buffer"
	b, err := q.span(op, buf, offset, len(src))
	if err != nil {
		return err
	}
	return q.submit(op, blocking, func() error {
		copy(b.mem[offset:offset+len(src)], src)
		return nil
	})
}

func (q *queue) Read(buf device.Buffer, blocking bool, offset int, dst []byte) error {
	const op = "enqueue read buffer"
	b, err := q.span(op, buf, offset, len(dst))
	if err != nil {
		return err
	}
	return q.submit(op, blocking, func() error {
		copy(dst, b.mem[offset:offset+len(dst)])
		return nil
	})
}

// Map returns a host copy of [offset, offset+size) once all earlier
// commands have completed. Changes reach the device on Unmap.
func (q *queue) Map(buf device.Buffer, offset, size int) ([]byte, error) {
	const op = "enqueue map buffer"
	if size <= 0 {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidValue)
	}
	b, err := q.span(op, buf, offset, size)
	if err != nil {
		return nil, err
	}

	view := make([]byte, size)
	if err := q.submit(op, true, func() error {
		copy(view, b.mem[offset:offset+size])
		return nil
	}); err != nil {
		return nil, err
	}

	q.rt.mu.Lock()
	defer q.rt.mu.Unlock()
	if b.released {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidMemObject)
	}
	if b.maps == nil {
		b.maps = make(map[*byte]mapping)
	}
	b.maps[&view[0]] = mapping{offset: offset, data: view}
	return view, nil
}

// Unmap writes the mapped region back to the device and blocks until done.
func (q *queue) Unmap(buf device.Buffer, mapped []byte) error {
	const op = "enqueue unmap mem object"
	b, err := q.rt.lookup(op, buf)
	if err != nil {
		return err
	}
	if len(mapped) == 0 {
		return deverr.NewDeviceError(op, deverr.CodeInvalidValue)
	}

	q.rt.mu.Lock()
	m, ok := b.maps[&mapped[0]]
	if ok {
		delete(b.maps, &mapped[0])
	}
	q.rt.mu.Unlock()
	if !ok {
		return deverr.NewDeviceError(op, deverr.CodeInvalidValue)
	}

	return q.submit(op, true, func() error {
		copy(b.mem[m.offset:m.offset+len(m.data)], m.data)
		return nil
	})
}

// Finish blocks until the queue is empty and returns the first failure of
// a non-blocking command since the previous Finish.
func (q *queue) Finish() error {
	if err := q.submit("finish", true, func() error { return nil }); err != nil {
		return err
	}
	q.errMu.Lock()
	defer q.errMu.Unlock()
	err := q.deferred
	q.deferred = nil
	return err
}
