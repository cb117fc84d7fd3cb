package dataset

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

// Loader produces the contents of a dataset, typically by reading storage.
type Loader[T Element] func() (*Dataset[T], error)

type loadTask[T Element] struct {
	done   chan struct{}
	result *Dataset[T]
	err    error
	join   sync.Once
}

// LoadAsync runs fn on its own goroutine and adopts its arrays and temporal
// dims when it finishes. A previous load is joined first, so at most one
// load is in flight. There is no cancellation; every accessor that reads
// array data waits for the load.
func (ds *Dataset[T]) LoadAsync(fn Loader[T]) {
	ds.Wait()
	t := &loadTask[T]{done: make(chan struct{})}
	ds.load = t
	go func() {
		defer close(t.done)
		start := time.Now()
		t.result, t.err = fn()
		if t.err == nil && t.result == nil {
			t.err = fmt.Errorf("loader returned no dataset")
		}
		metrics.RecordDatasetLoad(time.Since(start), t.err)
	}()
}

// Wait joins the pending load, if any, and returns its error. The result is
// adopted exactly once; concurrent and later callers block until then and
// get the same error.
func (ds *Dataset[T]) Wait() error {
	t := ds.load
	if t == nil {
		return nil
	}
	<-t.done
	t.join.Do(func() {
		if t.err != nil {
			logger.For("dataset").Warn("background load failed", "error", t.err)
			return
		}
		t.err = ds.adopt(t.result)
		t.result = nil
	})
	return t.err
}

func (ds *Dataset[T]) adopt(src *Dataset[T]) error {
	v := ds.variant
	if v.Kind == Generic && src.variant.Kind != Generic {
		v = src.variant
	}
	temporal := src.temporalDims
	if len(temporal) == 0 {
		temporal = []int{1}
	}
	if err := checkTemporalSpan(v, temporal); err != nil {
		return fmt.Errorf("loaded dataset: %w", err)
	}
	if err := checkCoils(v, temporal, len(src.arrays)); err != nil {
		return fmt.Errorf("loaded dataset: %w", err)
	}
	if ds.Bound() {
		logger.For("dataset").Warn("load finished on a bound dataset, rebind to upload the new arrays",
			"handle", int64(ds.handle))
	}
	ds.variant = v
	ds.temporalDims = append([]int(nil), temporal...)
	ds.arrays = src.arrays
	src.arrays = nil
	ds.refresh()
	return nil
}
