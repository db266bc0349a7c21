// Package optypes defines OpType, the operations recorded in a program.
package optypes

import (
	"fmt"

	"github.com/gomlx/pipefuser/internal/utils"
)

// OpType is an enum of the operations a program can record.
type OpType int

//go:generate go tool enumer -type=OpType optypes.go

const (
	Invalid OpType = iota

	// Embed runs the input-embedding stage.
	Embed

	// Apply runs one computation stage.
	Apply

	// Gather all-gathers a value across the pipeline group and concatenates the parts.
	Gather

	// Return marks the outputs of the program.
	Return

	// Last should always be kept the last, it is used as a counter/marker for .
	Last
)

// textMappings maps OpType to the name used in program dumps, when the default "snake case" doesn't work.
var textMappings = map[OpType]string{
	Return: "return",
}

// Text returns the name of the operation used when writing programs.
func (op OpType) Text() string {
	name, ok := textMappings[op]
	if !ok {
		name = fmt.Sprintf("pipefuser.%s", utils.ToSnakeCase(op.String()))
	}
	return name
}
