// Package shapes defines Shape, the element type and dimensions of an activation buffer.
//
// DType is the enumeration defined in github.com/gomlx/gopjrt/dtypes. Float16 buffers use
// github.com/x448/float16 as their Go element type.
//
// Glossary:
//
//   - Rank: number of axes of a buffer.
//   - Axis: index of a dimension. Negative axes count from the end, so -1 is the last axis.
//   - Dimension: size of a buffer along one axis.
//
// Activations handled by the scheduler are usually rank-4, laid out as [batch, channels, height, width].
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefuser/internal/utils"
	"github.com/pkg/errors"
)

// Shape of a buffer: its element type and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if a dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A zero Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis, err := AdjustAxisToRank(axis, s.Rank())
	if err != nil {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements of the shape, the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store a buffer of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Check returns an error if the shape doesn't have the given dtype and dimensions.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	if !s.Equal(Shape{DType: dtype, Dimensions: dimensions}) {
		return errors.Errorf("shape %s doesn't match wanted (%s)%v", s, dtype, dimensions)
	}
	return nil
}

// String implements fmt.Stringer, e.g. "(Float32)[1 4 10 32]".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// TypeString returns the compact tensor type used when printing recorded programs,
// e.g. "tensor<1x4x10x32xf32>".
func (s Shape) TypeString() string {
	var sb strings.Builder
	sb.WriteString("tensor<")
	for _, dim := range s.Dimensions {
		_, _ = fmt.Fprintf(&sb, "%dx", dim)
	}
	sb.WriteString(utils.DTypeName(s.DType))
	sb.WriteString(">")
	return sb.String()
}

// AdjustAxisToRank converts a negative axis to its positive counterpart.
// It returns an error if the axis is out of range for the rank.
func AdjustAxisToRank(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return -1, errors.Errorf("axis %d is out of range for the rank %d", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

// Concatenate returns the shape of concatenating the inputs along axis.
// All inputs must share dtype, rank and every dimension except axis.
func Concatenate(inputs []Shape, axis int) (output Shape, err error) {
	if len(inputs) == 0 {
		return Invalid(), errors.Errorf("Concatenate requires at least one input shape")
	}
	first := inputs[0]
	if !first.Ok() {
		return Invalid(), errors.Errorf("invalid shape %s for first input of Concatenate", first)
	}
	rank := first.Rank()
	axis, err = AdjustAxisToRank(axis, rank)
	if err != nil {
		return Invalid(), errors.WithMessagef(err, "invalid concatenation axis for shape %s", first)
	}
	output = first.Clone()
	for i := 1; i < len(inputs); i++ {
		current := inputs[i]
		if current.DType != first.DType {
			return Invalid(), errors.Errorf("mismatched DTypes for Concatenate: input #0 has %s, input #%d has %s",
				first.DType, i, current.DType)
		}
		if current.Rank() != rank {
			return Invalid(), errors.Errorf("mismatched ranks for Concatenate: input #0 has rank %d, input #%d has rank %d",
				rank, i, current.Rank())
		}
		for d := 0; d < rank; d++ {
			if d == axis {
				output.Dimensions[d] += current.Dimensions[d]
			} else if current.Dimensions[d] != output.Dimensions[d] {
				return Invalid(), errors.Errorf("mismatched dimensions for Concatenate at axis %d (non-concatenation axis): input #0 has %d, input #%d has %d",
					d, output.Dimensions[d], i, current.Dimensions[d])
			}
		}
	}
	return output, nil
}
