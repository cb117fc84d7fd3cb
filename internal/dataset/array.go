package dataset

import (
	"fmt"
	"math"
)

// MaxElements bounds the element count of one array. Extents and strides
// travel to kernels as int32 words.
const MaxElements = math.MaxInt32

// ArrayBuffer is an owned, contiguous, row-major N-dimensional array in host
// memory. len(Data()) always equals the product of Dims().
type ArrayBuffer[T Element] struct {
	dims []int
	data []T
}

func product(dims []int) (int, error) {
	if len(dims) == 0 {
		return 0, fmt.Errorf("array needs at least one dimension")
	}
	n := 1
	for i, d := range dims {
		if d <= 0 {
			return 0, fmt.Errorf("dimension %d is %d, must be positive", i, d)
		}
		if n > MaxElements/d {
			return 0, fmt.Errorf("dims %v exceed %d elements", dims, MaxElements)
		}
		n *= d
	}
	return n, nil
}

// elements is product plus a check that the byte size of T fits in an int.
func elements[T Element](dims []int) (int, error) {
	n, err := product(dims)
	if err != nil {
		return 0, err
	}
	if size := ElementTypeOf[T]().Size(); n > math.MaxInt/size {
		return 0, fmt.Errorf("dims %v exceed the addressable byte size", dims)
	}
	return n, nil
}

// NewArrayBuffer allocates a zeroed array with the given extents, outer to
// inner.
func NewArrayBuffer[T Element](dims ...int) (*ArrayBuffer[T], error) {
	n, err := elements[T](dims)
	if err != nil {
		return nil, err
	}
	return &ArrayBuffer[T]{dims: append([]int(nil), dims...), data: make([]T, n)}, nil
}

// TakeSlice wraps data without copying. The array owns data afterwards; the
// caller must not keep using it.
func TakeSlice[T Element](data []T, dims ...int) (*ArrayBuffer[T], error) {
	n, err := elements[T](dims)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("data has %d elements, dims %v need %d", len(data), dims, n)
	}
	return &ArrayBuffer[T]{dims: append([]int(nil), dims...), data: data}, nil
}

// Take moves the contents into a new ArrayBuffer and leaves a empty.
func (a *ArrayBuffer[T]) Take() *ArrayBuffer[T] {
	out := &ArrayBuffer[T]{dims: a.dims, data: a.data}
	a.dims, a.data = nil, nil
	return out
}

func (a *ArrayBuffer[T]) Clone() *ArrayBuffer[T] {
	return &ArrayBuffer[T]{
		dims: append([]int(nil), a.dims...),
		data: append([]T(nil), a.data...),
	}
}

// Empty reports whether the array was taken.
func (a *ArrayBuffer[T]) Empty() bool { return a.dims == nil }

func (a *ArrayBuffer[T]) Dims() []int { return append([]int(nil), a.dims...) }
func (a *ArrayBuffer[T]) Rank() int   { return len(a.dims) }
func (a *ArrayBuffer[T]) Len() int    { return len(a.data) }
func (a *ArrayBuffer[T]) Data() []T   { return a.data }

// ByteSize is the size of the data in bytes.
func (a *ArrayBuffer[T]) ByteSize() int {
	return a.Len() * ElementTypeOf[T]().Size()
}

// Bytes is the raw host-order byte view of the data, without copying.
func (a *ArrayBuffer[T]) Bytes() []byte { return bytesOf(a.data) }

// Strides are row-major element strides; the innermost is 1.
func (a *ArrayBuffer[T]) Strides() []int {
	strides := make([]int, len(a.dims))
	s := 1
	for i := len(a.dims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= a.dims[i]
	}
	return strides
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
