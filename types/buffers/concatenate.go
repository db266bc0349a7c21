package buffers

import (
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/gomlx/pipefuser/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Concatenate writes parts, concatenated along axis, into dst.
//
// dst must have exactly the shape returned by shapes.Concatenate for the parts, otherwise an error
// wrapping errs.ErrShapeMismatch is returned. Negative axes count from the end.
func Concatenate(dst *Buffer, parts []*Buffer, axis int) error {
	if len(parts) == 0 {
		return errors.New("buffers.Concatenate requires at least one part")
	}
	partShapes := make([]shapes.Shape, len(parts))
	for i, part := range parts {
		partShapes[i] = part.shape
	}
	want, err := shapes.Concatenate(partShapes, axis)
	if err != nil {
		return errs.ShapeMismatchf("buffers.Concatenate: %v", err)
	}
	if !want.Equal(dst.shape) {
		return errs.ShapeMismatchf("buffers.Concatenate: destination has shape %s, concatenated parts have shape %s",
			dst.shape, want)
	}
	axis, _ = shapes.AdjustAxisToRank(axis, want.Rank())

	// Each part contributes, for every "outer" index, a contiguous chunk of dim(axis)*inner values.
	outer, inner := 1, 1
	for d := 0; d < axis; d++ {
		outer *= want.Dimensions[d]
	}
	for d := axis + 1; d < want.Rank(); d++ {
		inner *= want.Dimensions[d]
	}
	chunks := make([]int, len(parts))
	for i, part := range parts {
		chunks[i] = part.shape.Dimensions[axis] * inner
	}

	switch flat := dst.flat.(type) {
	case []float32:
		concatenateFlat(flat, flatParts[float32](parts), outer, chunks)
	case []float64:
		concatenateFlat(flat, flatParts[float64](parts), outer, chunks)
	case []float16.Float16:
		concatenateFlat(flat, flatParts[float16.Float16](parts), outer, chunks)
	case []int32:
		concatenateFlat(flat, flatParts[int32](parts), outer, chunks)
	}
	return nil
}

func flatParts[T Element](parts []*Buffer) [][]T {
	flats := make([][]T, len(parts))
	for i, part := range parts {
		flats[i] = part.flat.([]T)
	}
	return flats
}

func concatenateFlat[T Element](dst []T, parts [][]T, outer int, chunks []int) {
	var dstIdx int
	for o := range outer {
		for i, part := range parts {
			chunk := chunks[i]
			copy(dst[dstIdx:dstIdx+chunk], part[o*chunk:(o+1)*chunk])
			dstIdx += chunk
		}
	}
}
