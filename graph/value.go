package graph

import (
	"fmt"
	"io"

	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/shapes"
)

// Value represents a value in a Program, like `%0` or `%arg0`.
//
// Each value is bound to the buffer holding its current contents: for inputs the buffer given to
// Program.Input, for results the buffer produced when the operation was recorded. Replays update
// these buffers in place.
type Value struct {
	program *Program
	name    string
	shape   shapes.Shape
	buffer  *buffers.Buffer
}

// Shape returns the shape of the value.
func (v *Value) Shape() shapes.Shape {
	return v.shape
}

// Buffer returns the buffer bound to the value.
func (v *Value) Buffer() *buffers.Buffer {
	return v.buffer
}

// Program that owns the value.
func (v *Value) Program() *Program {
	return v.program
}

// Write writes the value in text format to the given writer.
func (v *Value) Write(w io.Writer, indentation string) error {
	_ = indentation
	_, err := fmt.Fprintf(w, "%%%s", v.name)
	return err
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	return "%" + v.name
}
