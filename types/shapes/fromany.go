package shapes

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromAnyValue returns the shape of a Go value: a scalar of a supported type or a (multi-level)
// slice of them.
//
// Example:
//
//	shape, _ := shapes.FromAnyValue([][]float32{{0, 0}}) // Returns shape (Float32)[1 2]
func FromAnyValue(v any) (shape Shape, err error) {
	err = shapeForAnyValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

// Flatten returns the values of v (see FromAnyValue) as a flat slice in row-major order, along
// with its shape. The returned flat value is a slice of the scalar Go type, e.g. []float32.
func Flatten(v any) (flat any, shape Shape, err error) {
	shape, err = FromAnyValue(v)
	if err != nil {
		return nil, Invalid(), err
	}
	rv := reflect.ValueOf(v)
	elemType := rv.Type()
	for elemType.Kind() == reflect.Slice {
		elemType = elemType.Elem()
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(elemType), 0, shape.Size())
	flatV = appendFlatRecursive(flatV, rv)
	return flatV.Interface(), shape, nil
}

func appendFlatRecursive(flatV, v reflect.Value) reflect.Value {
	if v.Kind() != reflect.Slice {
		return reflect.Append(flatV, v)
	}
	for ii := 0; ii < v.Len(); ii++ {
		flatV = appendFlatRecursive(flatV, v.Index(ii))
	}
	return flatV
}

func shapeForAnyValueRecursive(shape *Shape, v reflect.Value, t reflect.Type) error {
	if t == nil {
		return errors.New("cannot convert nil to a shape")
	}
	if t.Kind() != reflect.Slice {
		// If it's not a slice, it must be one of the supported scalar types.
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %q to a valid shape", t)
		}
		return nil
	}

	// Slice: recurse into its element type (again slices or a supported scalar).
	t = t.Elem()
	shape.Dimensions = append(shape.Dimensions, v.Len())
	shapePrefix := shape.Clone()

	// The first element is the reference.
	if v.Len() == 0 {
		return errors.Errorf("value with empty slice not valid for shape conversion: %T: %v -- it wouldn't be possible to figure out the inner dimensions", v.Interface(), v)
	}
	err := shapeForAnyValueRecursive(shape, v.Index(0), t)
	if err != nil {
		return err
	}

	// Other elements must have the same shape as the first one.
	for ii := 1; ii < v.Len(); ii++ {
		shapeTest := shapePrefix.Clone()
		err = shapeForAnyValueRecursive(&shapeTest, v.Index(ii), t)
		if err != nil {
			return err
		}
		if !shape.Equal(shapeTest) {
			return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
		}
	}
	return nil
}
