// Package arrowio stores datasets as Arrow IPC streams.
//
// A dataset is one record batch with one row per array. The dims column is a
// list<int64> of extents, outer to inner, and the data column holds the raw
// little-endian element bytes. Everything else about the dataset travels in
// the schema metadata.
package arrowio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bindery/internal/dataset"
	"github.com/23skdu/longbow-bindery/internal/logger"
)

// Schema metadata keys.
const (
	KeyElementType  = "element_type"
	KeyTemporalDims = "temporal_dims"
	KeyVariant      = "variant"
	KeyCoils        = "coils"
	KeyTrajectory   = "trajectory"
	KeyMaskFormat   = "mask_format"
)

// Ext is the file extension of dataset files.
const Ext = ".arrows"

// ErrElementType is returned when a stream holds a different element type
// than the one requested.
var ErrElementType = errors.New("arrowio: element type mismatch")

// Header is the dataset description carried in the schema metadata.
type Header struct {
	ElementType  dataset.ElementType
	TemporalDims []int
	Variant      dataset.Variant
}

// RecordReader is the subset of ipc.Reader and flight.Reader used to decode
// a dataset.
type RecordReader interface {
	Schema() *arrow.Schema
	Next() bool
	Record() arrow.Record
	Err() error
}

// RecordWriter is the subset of ipc.Writer and flight.Writer used to encode a
// dataset.
type RecordWriter interface {
	Write(rec arrow.Record) error
}

var fields = []arrow.Field{
	{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}

// Schema describes ds, including its metadata.
func Schema[T dataset.Element](ds *dataset.Dataset[T]) *arrow.Schema {
	v := ds.Variant()
	dims := make([]string, 0, len(ds.TemporalDims()))
	for _, d := range ds.TemporalDims() {
		dims = append(dims, strconv.Itoa(d))
	}
	md := arrow.NewMetadata(
		[]string{KeyElementType, KeyTemporalDims, KeyVariant, KeyCoils, KeyTrajectory, KeyMaskFormat},
		[]string{ds.ElementType().String(), strings.Join(dims, ","), v.Kind.String(), strconv.Itoa(v.Coils), v.Trajectory, v.MaskFormat},
	)
	return arrow.NewSchema(fields, &md)
}

// ParseHeader validates a dataset schema and reads its metadata.
func ParseHeader(schema *arrow.Schema) (Header, error) {
	var h Header
	if schema.NumFields() != len(fields) {
		return h, fmt.Errorf("arrowio: schema has %d fields, want %d", schema.NumFields(), len(fields))
	}
	for i, f := range fields {
		got := schema.Field(i)
		if got.Name != f.Name || !arrow.TypeEqual(got.Type, f.Type) {
			return h, fmt.Errorf("arrowio: field %d is %s %s, want %s %s", i, got.Name, got.Type, f.Name, f.Type)
		}
	}

	md := schema.Metadata()
	get := func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}

	et, err := dataset.ParseElementType(get(KeyElementType))
	if err != nil {
		return h, fmt.Errorf("arrowio: %w", err)
	}
	h.ElementType = et

	if s := get(KeyTemporalDims); s != "" {
		for _, part := range strings.Split(s, ",") {
			d, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return h, fmt.Errorf("arrowio: temporal dims %q: %w", s, err)
			}
			h.TemporalDims = append(h.TemporalDims, d)
		}
	}

	kind, err := dataset.ParseKind(get(KeyVariant))
	if err != nil {
		return h, fmt.Errorf("arrowio: %w", err)
	}
	h.Variant.Kind = kind
	if s := get(KeyCoils); s != "" {
		if h.Variant.Coils, err = strconv.Atoi(s); err != nil {
			return h, fmt.Errorf("arrowio: coils %q: %w", s, err)
		}
	}
	h.Variant.Trajectory = get(KeyTrajectory)
	h.Variant.MaskFormat = get(KeyMaskFormat)
	return h, nil
}

// ToRecord converts ds to a record batch allocated from mem. The caller
// releases the record.
func ToRecord[T dataset.Element](mem memory.Allocator, ds *dataset.Dataset[T]) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, Schema(ds))
	defer b.Release()

	lb := b.Field(0).(*array.ListBuilder)
	vb := lb.ValueBuilder().(*array.Int64Builder)
	db := b.Field(1).(*array.BinaryBuilder)

	for i := 0; i < ds.Len(); i++ {
		a, err := ds.Array(i)
		if err != nil {
			return nil, err
		}
		lb.Append(true)
		for _, d := range a.Dims() {
			vb.Append(int64(d))
		}
		db.Append(a.Bytes())
	}
	return b.NewRecord(), nil
}

// FromRecord decodes one record batch. The returned dataset owns copies of
// the data; rec may be released afterwards.
func FromRecord[T dataset.Element](schema *arrow.Schema, rec arrow.Record) (*dataset.Dataset[T], error) {
	h, err := header[T](schema)
	if err != nil {
		return nil, err
	}
	arrays, err := decodeRows[T](rec)
	if err != nil {
		return nil, err
	}
	return dataset.FromArrays(h.Variant, h.TemporalDims, arrays...)
}

func header[T dataset.Element](schema *arrow.Schema) (Header, error) {
	h, err := ParseHeader(schema)
	if err != nil {
		return h, err
	}
	if want := dataset.ElementTypeOf[T](); h.ElementType != want {
		return h, fmt.Errorf("%w: stream holds %s, want %s", ErrElementType, h.ElementType, want)
	}
	return h, nil
}

func decodeRows[T dataset.Element](rec arrow.Record) ([]*dataset.ArrayBuffer[T], error) {
	dims, ok := rec.Column(0).(*array.List)
	if !ok {
		return nil, fmt.Errorf("arrowio: dims column is %s", rec.Column(0).DataType())
	}
	extents, ok := dims.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("arrowio: dims values are %s", dims.ListValues().DataType())
	}
	data, ok := rec.Column(1).(*array.Binary)
	if !ok {
		return nil, fmt.Errorf("arrowio: data column is %s", rec.Column(1).DataType())
	}

	out := make([]*dataset.ArrayBuffer[T], 0, rec.NumRows())
	for row := 0; row < int(rec.NumRows()); row++ {
		if dims.IsNull(row) || data.IsNull(row) {
			return nil, fmt.Errorf("arrowio: row %d is null", row)
		}
		start, end := dims.ValueOffsets(row)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			e := extents.Value(int(j))
			if e <= 0 || e > dataset.MaxElements {
				return nil, fmt.Errorf("arrowio: row %d: extent %d out of range [1, %d]", row, e, dataset.MaxElements)
			}
			shape = append(shape, int(e))
		}
		a, err := dataset.NewArrayBuffer[T](shape...)
		if err != nil {
			return nil, fmt.Errorf("arrowio: row %d: %w", row, err)
		}
		raw := data.Value(row)
		if len(raw) != a.ByteSize() {
			return nil, fmt.Errorf("arrowio: row %d has %d data bytes, dims %v need %d", row, len(raw), shape, a.ByteSize())
		}
		copy(a.Bytes(), raw)
		out = append(out, a)
	}
	return out, nil
}

// Encode writes ds as a single record batch to w.
func Encode[T dataset.Element](mem memory.Allocator, w RecordWriter, ds *dataset.Dataset[T]) error {
	rec, err := ToRecord(mem, ds)
	if err != nil {
		return err
	}
	defer rec.Release()
	return w.Write(rec)
}

// Decode reads every batch from r into one dataset. Batches after the first
// append arrays.
func Decode[T dataset.Element](r RecordReader) (*dataset.Dataset[T], error) {
	h, err := header[T](r.Schema())
	if err != nil {
		return nil, err
	}
	var arrays []*dataset.ArrayBuffer[T]
	for r.Next() {
		rows, err := decodeRows[T](r.Record())
		if err != nil {
			return nil, err
		}
		arrays = append(arrays, rows...)
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("arrowio: read batch: %w", err)
	}
	return dataset.FromArrays(h.Variant, h.TemporalDims, arrays...)
}

// Write encodes ds as an IPC stream.
func Write[T dataset.Element](w io.Writer, ds *dataset.Dataset[T]) error {
	mem := memory.DefaultAllocator
	iw := ipc.NewWriter(w, ipc.WithSchema(Schema(ds)), ipc.WithAllocator(mem))
	if err := Encode(mem, iw, ds); err != nil {
		iw.Close()
		return fmt.Errorf("arrowio: write: %w", err)
	}
	return iw.Close()
}

// Read decodes an IPC stream written by Write.
func Read[T dataset.Element](r io.Reader) (*dataset.Dataset[T], error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("arrowio: open stream: %w", err)
	}
	defer ir.Release()
	return Decode[T](ir)
}

// WriteFile writes ds to path. The file is replaced atomically, so readers
// never observe a partial stream.
func WriteFile[T dataset.Element](path string, ds *dataset.Dataset[T]) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("arrowio: %w", err)
	}
	if err := Write(tmp, ds); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("arrowio: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("arrowio: %w", err)
	}
	return nil
}

// ReadFile reads a dataset file.
func ReadFile[T dataset.Element](path string) (*dataset.Dataset[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("arrowio: %w", err)
	}
	defer f.Close()
	ds, err := Read[T](f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.For("arrowio").Debug("dataset read", "path", path, "arrays", ds.Len())
	return ds, nil
}

// FileLoader loads path on the dataset's background loader.
func FileLoader[T dataset.Element](path string) dataset.Loader[T] {
	return func() (*dataset.Dataset[T], error) {
		return ReadFile[T](path)
	}
}
