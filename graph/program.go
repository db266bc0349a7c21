// Package graph records the operations run for one call of the scheduler into a Program, so they
// can be replayed later without re-tracing the call.
//
// Operations execute eagerly while they are recorded: each result is bound to the buffer produced
// by the first execution. Program.Replay re-runs every statement and copies the fresh results into
// those same buffers, so the program's outputs are updated in place.
package graph

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/pipefuser/internal/optypes"
	"github.com/gomlx/pipefuser/internal/utils"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/pkg/errors"
)

// IndentationStep used when writing programs.
const IndentationStep = "  "

// Program is a recorded sequence of statements over buffer-bound values.
type Program struct {
	// Name of the program. It should not include the "@" prefix.
	Name string

	// Inputs to the program.
	Inputs []*Value

	// Outputs of the program, set by Return.
	Outputs []*Value

	// Statements in the program body.
	Statements []*Statement

	// nextArgID is the next ID to be assigned to new input arguments.
	nextArgID int

	// nextTmpID is the next ID to be assigned to new intermediary values.
	nextTmpID int

	// Returned indicates if the program has a return statement, so it can no longer be changed.
	Returned bool

	numReplays int
}

// NewProgram creates an empty program. The name is normalized with utils.NormalizeIdentifier.
func NewProgram(name string) *Program {
	return &Program{Name: utils.NormalizeIdentifier(name)}
}

// newValue creates a new value bound to buffer and assigns it the next available id.
func (p *Program) newValue(buffer *buffers.Buffer) *Value {
	v := &Value{
		program: p,
		name:    fmt.Sprintf("%d", p.nextTmpID),
		shape:   buffer.Shape(),
		buffer:  buffer,
	}
	p.nextTmpID++
	return v
}

// Input creates a new input of the program bound to the given buffer.
//
// The buffer is used as is, not copied: its contents when Replay is called are what the program
// reads. Inputs are numbered in the order they are created.
func (p *Program) Input(buffer *buffers.Buffer) *Value {
	value := p.NamedInput(fmt.Sprintf("arg%d", p.nextArgID), buffer)
	p.nextArgID++
	return value
}

// NamedInput creates a new input with the given name, normalized with utils.NormalizeIdentifier.
//
// Names with the format "%d" and "arg%d" are reserved for the default values.
func (p *Program) NamedInput(name string, buffer *buffers.Buffer) *Value {
	value := &Value{
		program: p,
		name:    utils.NormalizeIdentifier(name),
		shape:   buffer.Shape(),
		buffer:  buffer,
	}
	p.Inputs = append(p.Inputs, value)
	return value
}

// addOp executes the operation on the current contents of its inputs and records it.
func (p *Program) addOp(opType optypes.OpType, inputs []*Value, attributes map[string]any, exec execFn) (*Statement, error) {
	if p.Returned {
		return nil, errors.Errorf("Program.Return already called for %q, cannot add %s", p.Name, opType)
	}
	for i, input := range inputs {
		if input == nil {
			return nil, errors.Errorf("%s: input #%d is nil", opType, i)
		}
		if input.program != p {
			return nil, errors.Errorf("%s: input #%d (%s) belongs to a different program", opType, i, input)
		}
	}
	stmt := &Statement{
		OpType:     opType,
		Inputs:     inputs,
		Attributes: attributes,
		exec:       exec,
	}
	outputs, err := stmt.run()
	if err != nil {
		return nil, err
	}
	for _, output := range outputs {
		stmt.Outputs = append(stmt.Outputs, p.newValue(output))
	}
	p.Statements = append(p.Statements, stmt)
	return stmt, nil
}

// Return marks the outputs of the program. There must be at least one output.
//
// There can be only one return statement in a Program, and it must be the last one.
func (p *Program) Return(firstValue *Value, otherValues ...*Value) error {
	if p.Returned {
		return errors.Errorf("Program.Return already called for %q", p.Name)
	}
	allValues := make([]*Value, 1, len(otherValues)+1)
	allValues[0] = firstValue
	allValues = append(allValues, otherValues...)
	for i, value := range allValues {
		if value == nil || value.program != p {
			return errors.Errorf("Program.Return given value #%d that is not owned by program %q", i, p.Name)
		}
	}
	p.Returned = true
	p.Outputs = allValues
	p.Statements = append(p.Statements, &Statement{
		OpType: optypes.Return,
		Inputs: allValues,
	})
	return nil
}

// OutputBuffers returns the buffers bound to the outputs.
func (p *Program) OutputBuffers() []*buffers.Buffer {
	outputs := make([]*buffers.Buffer, len(p.Outputs))
	for i, output := range p.Outputs {
		outputs[i] = output.buffer
	}
	return outputs
}

// Replay re-executes every statement, in order, on the current contents of the inputs.
//
// Results are copied into the buffers bound at recording time. A statement producing a result with
// a different shape than when recorded returns an error wrapping errs.ErrCapture.
func (p *Program) Replay() error {
	if !p.Returned {
		return errors.Errorf("Program %q can only be replayed after Return is called", p.Name)
	}
	for idx, stmt := range p.Statements {
		if stmt.exec == nil {
			continue
		}
		outputs, err := stmt.run()
		if err != nil {
			return errors.WithMessagef(err, "replaying statement #%d (%s) of %q", idx, stmt.OpType, p.Name)
		}
		if len(outputs) != len(stmt.Outputs) {
			return errs.Capturef("replaying statement #%d (%s) of %q: got %d outputs, recorded %d",
				idx, stmt.OpType, p.Name, len(outputs), len(stmt.Outputs))
		}
		for i, output := range outputs {
			bound := stmt.Outputs[i]
			if !output.Shape().Equal(bound.shape) {
				return errs.Capturef("replaying statement #%d (%s) of %q: output %s has shape %s, recorded %s",
					idx, stmt.OpType, p.Name, bound, output.Shape(), bound.shape)
			}
			if output == bound.buffer {
				continue
			}
			if err := bound.buffer.CopyFrom(output); err != nil {
				return err
			}
		}
	}
	p.numReplays++
	return nil
}

// NumReplays returns how many times Replay succeeded.
func (p *Program) NumReplays() int {
	return p.numReplays
}

// Write the program in text format, with the given indentation.
func (p *Program) Write(writer io.Writer, indentation string) error {
	var err error
	w := func(format string, args ...any) {
		if err != nil {
			// No op if an error was encountered earlier
			return
		}
		_, err = fmt.Fprintf(writer, format, args...)
	}
	we := func(e elementWriter, indentation string) {
		if err != nil {
			// No op if an error was encountered earlier
			return
		}
		err = e.Write(writer, indentation)
	}
	nextIndent := indentation + IndentationStep

	w("%sprogram @%s(", indentation, p.Name)
	for i, input := range p.Inputs {
		if i > 0 {
			w(", ")
		}
		w("%s: %s", input, input.shape.TypeString())
	}
	w(") -> ")
	if len(p.Outputs) != 1 {
		w("(")
	}
	for i, output := range p.Outputs {
		if i > 0 {
			w(", ")
		}
		w("%s", output.shape.TypeString())
	}
	if len(p.Outputs) != 1 {
		w(")")
	}
	w(" {\n")
	for _, stmt := range p.Statements {
		we(stmt, nextIndent)
		w("\n")
	}
	w("%s}", indentation)
	return err
}

// String implements fmt.Stringer, returning the program in text format.
func (p *Program) String() string {
	var sb strings.Builder
	if err := p.Write(&sb, ""); err != nil {
		return fmt.Sprintf("failed to write program %q: %v", p.Name, err)
	}
	return sb.String()
}

// elementWriter is implemented by the pieces of a program that write themselves.
type elementWriter interface {
	Write(w io.Writer, indentation string) error
}
