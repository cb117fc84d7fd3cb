package binding

import (
	"fmt"

	"github.com/23skdu/longbow-bindery/internal/deverr"
)

// WordSize is the size in bytes of one dims/strides metadata word.
const WordSize = 4

// Region is a byte range of the device allocation.
type Region struct {
	Offset      int
	Size        int
	AlignedSize int
}

func (r Region) End() int { return r.Offset + r.AlignedSize }

// Layout partitions one device allocation: the metadata region first, then
// one region per array in array order, back to back.
type Layout struct {
	Alignment int
	Meta      Region
	Arrays    []Region
	Total     int
}

// BackOffset is the position, from the start of the metadata region, of the
// word that stores its own position. It is the last word before the first
// array, so a consumer holding the first array's address can find the
// metadata by reading one word back.
func (l Layout) BackOffset() int {
	return l.Meta.AlignedSize - WordSize
}

// RoundUp rounds size up to the next multiple of align, which must be a
// power of two.
func RoundUp(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// ComputeLayout lays out metaWords metadata words (plus the back-offset
// word) and arrays of arrayBytes bytes each at alignment align.
func ComputeLayout(metaWords int, arrayBytes []int, align int) (Layout, error) {
	if align <= 0 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("%w: alignment %d is not a positive power of two", deverr.ErrAlignmentViolation, align)
	}
	if align < WordSize {
		return Layout{}, fmt.Errorf("%w: alignment %d is smaller than a metadata word", deverr.ErrAlignmentViolation, align)
	}
	if metaWords < 0 {
		return Layout{}, fmt.Errorf("invalid metadata word count: %d", metaWords)
	}

	metaSize := (metaWords + 1) * WordSize
	l := Layout{
		Alignment: align,
		Meta:      Region{Offset: 0, Size: metaSize, AlignedSize: RoundUp(metaSize, align)},
		Arrays:    make([]Region, len(arrayBytes)),
	}
	offset := l.Meta.AlignedSize
	for i, size := range arrayBytes {
		if size <= 0 {
			return Layout{}, fmt.Errorf("invalid size of array %d: %d bytes", i, size)
		}
		l.Arrays[i] = Region{Offset: offset, Size: size, AlignedSize: RoundUp(size, align)}
		offset += l.Arrays[i].AlignedSize
	}
	l.Total = offset

	if err := l.verify(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (l Layout) verify() error {
	check := func(name string, r Region, want int) error {
		if r.Offset != want || r.Offset%l.Alignment != 0 || r.AlignedSize%l.Alignment != 0 || r.Size > r.AlignedSize {
			return fmt.Errorf("%w: %s region %+v (expected offset %d, alignment %d)",
				deverr.ErrAlignmentViolation, name, r, want, l.Alignment)
		}
		return nil
	}
	if err := check("metadata", l.Meta, 0); err != nil {
		return err
	}
	next := l.Meta.End()
	for i, r := range l.Arrays {
		if err := check(fmt.Sprintf("array %d", i), r, next); err != nil {
			return err
		}
		next = r.End()
	}
	if next != l.Total {
		return fmt.Errorf("%w: regions end at %d, total is %d", deverr.ErrAlignmentViolation, next, l.Total)
	}
	return nil
}
