package graph

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/gomlx/pipefuser/internal/optypes"
	"github.com/gomlx/pipefuser/types/buffers"
)

// execFn executes an operation given the buffers of its inputs.
type execFn func(inputs []*buffers.Buffer) ([]*buffers.Buffer, error)

// Statement represents a single recorded operation.
type Statement struct {
	// OpType is the type of the operation.
	OpType optypes.OpType

	// Inputs to the operation.
	Inputs []*Value

	// Attributes of the operation, fixed when recorded.
	Attributes map[string]any

	// Outputs of the operation. It is nil for the return statement.
	Outputs []*Value

	exec execFn
}

func (s *Statement) run() ([]*buffers.Buffer, error) {
	inputs := make([]*buffers.Buffer, len(s.Inputs))
	for i, input := range s.Inputs {
		inputs[i] = input.buffer
	}
	return s.exec(inputs)
}

// Write writes a string representation of the statement to the given writer.
func (s *Statement) Write(writer io.Writer, indentation string) error {
	var err error
	w := func(format string, args ...any) {
		if err != nil {
			// No op if an error was encountered earlier
			return
		}
		_, err = fmt.Fprintf(writer, format, args...)
	}

	// Output values are written first:
	w("%s", indentation)
	if len(s.Outputs) > 0 {
		for i, output := range s.Outputs {
			if i > 0 {
				w(", ")
			}
			w("%s", output)
		}
		w(" = ")
	}

	// Write op name and arguments:
	w("%q(", s.OpType.Text())
	for i, input := range s.Inputs {
		if i > 0 {
			w(", ")
		}
		w("%s", input)
	}
	w(")")

	// Write attributes, sorted by key:
	if len(s.Attributes) > 0 {
		keys := make([]string, 0, len(s.Attributes))
		for key := range s.Attributes {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		w("{")
		for i, key := range keys {
			if i > 0 {
				w(", ")
			}
			w("%s = %s", key, literalToText(s.Attributes[key]))
		}
		w("}")
	}

	// Write signature:
	w(" : (")
	for i, input := range s.Inputs {
		if i > 0 {
			w(", ")
		}
		w("%s", input.shape.TypeString())
	}
	w(") -> ")
	switch len(s.Outputs) {
	case 0:
		w("()")
	case 1:
		w("%s", s.Outputs[0].shape.TypeString())
	default:
		w("(")
		for i, output := range s.Outputs {
			if i > 0 {
				w(", ")
			}
			w("%s", output.shape.TypeString())
		}
		w(")")
	}
	return err
}

// literalToText converts an attribute value to its text representation.
func literalToText(attr any) string {
	switch v := attr.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case int:
		return fmt.Sprintf("%d : i64", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case [][]int:
		return formatReplicaGroups(v)
	case fmt.Stringer:
		return fmt.Sprintf("%q", v.String())
	default:
		return fmt.Sprintf("Unknown literal type: %T %#v", v, v)
	}
}

// formatReplicaGroups formats groups of ranks, e.g. "dense<[[0, 1, 2]]> : tensor<1x3xi64>".
func formatReplicaGroups(groups [][]int) string {
	if len(groups) == 0 {
		return "dense<[]> : tensor<0x0xi64>"
	}
	var sb strings.Builder
	sb.WriteString("dense<[")
	for i, group := range groups {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("[")
		for j, replica := range group {
			if j > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%d", replica)
		}
		sb.WriteString("]")
	}
	_, _ = fmt.Fprintf(&sb, "]> : tensor<%dx%dxi64>", len(groups), len(groups[0]))
	return sb.String()
}
