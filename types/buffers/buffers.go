// Package buffers holds host activation buffers: a shape plus a flat, row-major slice of values.
//
// Buffers are what flows between stages and through collectives. They are deliberately simple:
// no device memory, no reference counting. The scheduler owns persistent buffers and updates them
// in place with CopyFrom, and assembles gathered slices with Concatenate.
//
// Supported dtypes are Float32, Float64, Float16 (github.com/x448/float16) and Int32.
package buffers

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/gomlx/pipefuser/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Element is the set of Go types that can back a Buffer.
type Element interface {
	float32 | float64 | float16.Float16 | int32
}

// Buffer is a host buffer with a fixed shape.
type Buffer struct {
	shape shapes.Shape
	flat  any
}

// IsSupported returns whether buffers can be created for the dtype.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.Int32:
		return true
	default:
		return false
	}
}

// New returns a zero-initialized buffer.
// It panics if dtype is not supported.
func New(dtype dtypes.DType, dimensions ...int) *Buffer {
	shape := shapes.Make(dtype, dimensions...)
	size := shape.Size()
	b := &Buffer{shape: shape}
	switch dtype {
	case dtypes.Float32:
		b.flat = make([]float32, size)
	case dtypes.Float64:
		b.flat = make([]float64, size)
	case dtypes.Float16:
		b.flat = make([]float16.Float16, size)
	case dtypes.Int32:
		b.flat = make([]int32, size)
	default:
		exceptions.Panicf("buffers.New(%s): dtype not supported for activation buffers", shape)
	}
	return b
}

// NewLike returns a zero-initialized buffer with the same shape as b.
func NewLike(b *Buffer) *Buffer {
	return New(b.shape.DType, b.shape.Dimensions...)
}

// FromFlat creates a buffer that takes ownership of the flat values.
func FromFlat[T Element](flat []T, dimensions ...int) (*Buffer, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		return nil, errors.Errorf("buffers.FromFlat: %d values don't match shape %s (size %d)",
			len(flat), shape, shape.Size())
	}
	return &Buffer{shape: shape, flat: flat}, nil
}

// FromAnyValue creates a buffer from a scalar or a (multi-level) slice of a supported Go type.
//
// Example:
//
//	b, err := buffers.FromAnyValue([][]float32{{1, 2}, {3, 4}}) // (Float32)[2 2]
func FromAnyValue(v any) (*Buffer, error) {
	flat, shape, err := shapes.Flatten(v)
	if err != nil {
		return nil, err
	}
	if !IsSupported(shape.DType) {
		return nil, errors.Errorf("buffers.FromAnyValue: dtype %s not supported", shape.DType)
	}
	return &Buffer{shape: shape, flat: flat}, nil
}

// FromFloat32s creates a buffer of the given dtype converting the float32 values.
func FromFloat32s(dtype dtypes.DType, values []float32, dimensions ...int) (*Buffer, error) {
	if !IsSupported(dtype) {
		return nil, errors.Errorf("buffers.FromFloat32s: dtype %s not supported", dtype)
	}
	b := New(dtype, dimensions...)
	if len(values) != b.shape.Size() {
		return nil, errors.Errorf("buffers.FromFloat32s: %d values don't match shape %s (size %d)",
			len(values), b.shape, b.shape.Size())
	}
	switch flat := b.flat.(type) {
	case []float32:
		copy(flat, values)
	case []float64:
		for i, v := range values {
			flat[i] = float64(v)
		}
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
	case []int32:
		for i, v := range values {
			flat[i] = int32(v)
		}
	}
	return b, nil
}

// Shape of the buffer. It never changes.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the buffer.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Flat returns the underlying flat slice (not a copy), e.g. []float32.
func (b *Buffer) Flat() any { return b.flat }

// Memory returns the number of bytes held by the buffer.
func (b *Buffer) Memory() uintptr { return b.shape.Memory() }

// Float32s returns a copy of the values converted to float32.
func (b *Buffer) Float32s() []float32 {
	out := make([]float32, b.shape.Size())
	switch flat := b.flat.(type) {
	case []float32:
		copy(out, flat)
	case []float64:
		for i, v := range flat {
			out[i] = float32(v)
		}
	case []float16.Float16:
		for i, v := range flat {
			out[i] = v.Float32()
		}
	case []int32:
		for i, v := range flat {
			out[i] = float32(v)
		}
	}
	return out
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{shape: b.shape.Clone()}
	switch flat := b.flat.(type) {
	case []float32:
		c.flat = slices.Clone(flat)
	case []float64:
		c.flat = slices.Clone(flat)
	case []float16.Float16:
		c.flat = slices.Clone(flat)
	case []int32:
		c.flat = slices.Clone(flat)
	}
	return c
}

// CopyFrom copies the values of src into b, in place.
// It returns an error wrapping errs.ErrShapeMismatch if the shapes differ.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if !b.shape.Equal(src.shape) {
		return errs.ShapeMismatchf("cannot copy buffer %s into buffer %s", src.shape, b.shape)
	}
	switch flat := b.flat.(type) {
	case []float32:
		copy(flat, src.flat.([]float32))
	case []float64:
		copy(flat, src.flat.([]float64))
	case []float16.Float16:
		copy(flat, src.flat.([]float16.Float16))
	case []int32:
		copy(flat, src.flat.([]int32))
	}
	return nil
}

// Equal returns whether both buffers have the same shape and bit-identical values.
func (b *Buffer) Equal(other *Buffer) bool {
	if b == other {
		return true
	}
	if b == nil || other == nil || !b.shape.Equal(other.shape) {
		return false
	}
	switch flat := b.flat.(type) {
	case []float32:
		return slices.EqualFunc(flat, other.flat.([]float32), func(x, y float32) bool {
			return math.Float32bits(x) == math.Float32bits(y)
		})
	case []float64:
		return slices.EqualFunc(flat, other.flat.([]float64), func(x, y float64) bool {
			return math.Float64bits(x) == math.Float64bits(y)
		})
	case []float16.Float16:
		return slices.EqualFunc(flat, other.flat.([]float16.Float16), func(x, y float16.Float16) bool {
			return x.Bits() == y.Bits()
		})
	case []int32:
		return slices.Equal(flat, other.flat.([]int32))
	}
	return false
}

// String implements fmt.Stringer. Only the shape is printed.
func (b *Buffer) String() string {
	if b == nil {
		return "<nil buffer>"
	}
	return fmt.Sprintf("Buffer%s", b.shape)
}
