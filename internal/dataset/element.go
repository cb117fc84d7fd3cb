package dataset

import (
	"fmt"
	"strings"
	"unsafe"
)

// ElementType is the closed set of array element types.
type ElementType uint8

const (
	Complex ElementType = iota + 1 // complex64
	Real                           // float32
	Index                          // uint32
	Byte                           // uint8
)

// Size is the element size in bytes.
func (e ElementType) Size() int {
	switch e {
	case Complex:
		return 8
	case Real, Index:
		return 4
	case Byte:
		return 1
	default:
		return 0
	}
}

func (e ElementType) String() string {
	switch e {
	case Complex:
		return "complex"
	case Real:
		return "real"
	case Index:
		return "index"
	case Byte:
		return "byte"
	default:
		return fmt.Sprintf("ElementType(%d)", uint8(e))
	}
}

func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(s) {
	case "complex":
		return Complex, nil
	case "real":
		return Real, nil
	case "index":
		return Index, nil
	case "byte":
		return Byte, nil
	default:
		return 0, fmt.Errorf("unknown element type: %q", s)
	}
}

// Element constrains the Go types an ArrayBuffer can hold.
type Element interface {
	complex64 | float32 | uint32 | uint8
}

// ElementTypeOf maps T to its ElementType.
func ElementTypeOf[T Element]() ElementType {
	var zero T
	switch any(zero).(type) {
	case complex64:
		return Complex
	case float32:
		return Real
	case uint32:
		return Index
	default:
		return Byte
	}
}

func bytesOf[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// viewAs reinterprets b as elements of T. len(b) must be a multiple of the
// element size.
func viewAs[T Element](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/int(unsafe.Sizeof(zero)))
}
